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
	"fmt"
)

// Store holds the shadows of all resource classes of one firmware instance.
type Store struct {
	shadows [NumClasses]*Shadow
}

// NewStore creates a Store with a Shadow for each class in ranges.
// Every class must be present.
func NewStore(ranges map[Class]Range) (*Store, error) {
	st := &Store{}
	for _, c := range Classes() {
		rng, ok := ranges[c]
		if !ok {
			return nil, fmt.Errorf("%w: missing range for %s", ErrInvalidRange, c)
		}
		s, err := New(c, rng)
		if err != nil {
			return nil, err
		}
		st.shadows[c] = s
	}
	return st, nil
}

// Get returns the Shadow of a class.
func (st *Store) Get(c Class) *Shadow {
	if !c.Valid() {
		return nil
	}
	return st.shadows[c]
}

// MaxBytes returns the largest byte extent any syncable class occupies
// in the firmware shadow window.
func (st *Store) MaxBytes() int {
	max := 0
	for _, c := range Classes() {
		if !c.Syncable() {
			continue
		}
		s := st.shadows[c]
		n := s.Size()
		if c.Unified() {
			n = (s.Start() + s.Count()) * s.Size()
		}
		if n > max {
			max = n
		}
	}
	return max
}
