// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shadow

import (
	"math/bits"
	"strconv"
	"strings"
)

// Bitmap is a fixed-size set of slot indices.
type Bitmap []uint64

// NewBitmap returns a cleared Bitmap for n slots.
func NewBitmap(n int) Bitmap {
	return make(Bitmap, (n+63)/64)
}

// Set adds the given slots to the Bitmap.
func (b Bitmap) Set(ids ...int) {
	for _, id := range ids {
		b[id/64] |= 1 << (id % 64)
	}
}

// Clear removes the given slots from the Bitmap.
func (b Bitmap) Clear(ids ...int) {
	for _, id := range ids {
		b[id/64] &^= 1 << (id % 64)
	}
}

// SetAll adds the first n slots to the Bitmap.
func (b Bitmap) SetAll(n int) {
	for id := 0; id < n; id++ {
		b.Set(id)
	}
}

// ClearAll empties the Bitmap.
func (b Bitmap) ClearAll() {
	for i := range b {
		b[i] = 0
	}
}

// Contains returns true if the slot is present in the Bitmap.
func (b Bitmap) Contains(id int) bool {
	if id < 0 || id/64 >= len(b) {
		return false
	}
	return b[id/64]&(1<<(id%64)) != 0
}

// TestAndClear removes the slot and reports whether it was present.
func (b Bitmap) TestAndClear(id int) bool {
	if !b.Contains(id) {
		return false
	}
	b.Clear(id)
	return true
}

// Last returns the highest slot present below limit, or -1 if there is none.
func (b Bitmap) Last(limit int) int {
	if limit > len(b)*64 {
		limit = len(b) * 64
	}
	if limit <= 0 {
		return -1
	}

	w := (limit - 1) / 64
	word := b[w]
	if r := limit % 64; r != 0 {
		word &= (1 << r) - 1
	}
	for {
		if word != 0 {
			return w*64 + 63 - bits.LeadingZeros64(word)
		}
		if w == 0 {
			return -1
		}
		w--
		word = b[w]
	}
}

// Size returns the number of slots present in the Bitmap.
func (b Bitmap) Size() int {
	n := 0
	for _, w := range b {
		n += bits.OnesCount64(w)
	}
	return n
}

// Foreach calls fn for each slot in descending order until fn returns false.
func (b Bitmap) Foreach(fn func(int) bool) {
	for id := b.Last(len(b) * 64); id >= 0; id = b.Last(id) {
		if !fn(id) {
			return
		}
	}
}

// String returns a compact range notation of the Bitmap, like "0-3,7".
func (b Bitmap) String() string {
	var (
		parts    []string
		beg, end = -1, -1
		flush    = func() {
			switch {
			case beg < 0:
			case beg == end:
				parts = append(parts, strconv.Itoa(beg))
			default:
				parts = append(parts, strconv.Itoa(beg)+"-"+strconv.Itoa(end))
			}
		}
	)
	for id := 0; id < len(b)*64; id++ {
		if !b.Contains(id) {
			continue
		}
		if id == end+1 && beg >= 0 {
			end = id
			continue
		}
		flush()
		beg, end = id, id
	}
	flush()
	return strings.Join(parts, ",")
}
