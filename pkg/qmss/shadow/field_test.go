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

package shadow_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/containers/qmss-qos/pkg/qmss/shadow"
)

func TestFieldGetSet(t *testing.T) {
	type testCase struct {
		name   string
		field  Field
		value  uint32
		word   int
		expect uint32
	}
	for _, tc := range []*testCase{
		{name: "low byte", field: PortUnitFlags, value: 0x1f, word: 0, expect: 0x1f},
		{name: "middle byte", field: PortGroupCount, value: 0x01, word: 0, expect: 0x100},
		{name: "upper half", field: PortOutQueue, value: 0x2345, word: 0, expect: 0x23450000},
		{name: "full word", field: PortCirCredit, value: 0xdeadbeef, word: 3, expect: 0xdeadbeef},
		{name: "single bit", field: DropQValid, value: 1, word: 0, expect: 1 << 24},
		{name: "queue credit", field: PortWrrCredit(2), value: 42, word: 10, expect: 42},
		{name: "queue threshold", field: PortCongThresh(2), value: 1, word: 11, expect: 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			elem := make([]uint32, PortSize(4)/4)
			require.NoError(t, tc.field.Set(elem, tc.value))
			require.Equal(t, tc.expect, elem[tc.word])

			v, err := tc.field.Get(elem)
			require.NoError(t, err)
			require.Equal(t, tc.value, v)
		})
	}
}

func TestFieldSetPreservesNeighbours(t *testing.T) {
	elem := []uint32{0xffffffff}
	require.NoError(t, DropQStatBlkIdx.Set(elem, 0))
	require.Equal(t, uint32(0xffff00ff), elem[0])

	require.NoError(t, DropQStatIrqPairIdx.Set(elem, 0x5))
	require.Equal(t, uint32(0xfff500ff), elem[0])
}

func TestFieldRangeChecks(t *testing.T) {
	elem := make([]uint32, 2)

	require.ErrorIs(t, PortOverhead.Set(elem, 256), ErrFieldRange)
	require.ErrorIs(t, PortCirCredit.Set(elem, 1), ErrFieldRange)

	bad := Field{Name: "bad", Offset: 0, Shift: 28, Width: 8}
	_, err := bad.Get(elem)
	require.ErrorIs(t, err, ErrFieldRange)
	require.Equal(t, []uint32{0, 0}, elem)
}
