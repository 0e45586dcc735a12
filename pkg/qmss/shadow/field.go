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

// Field is a bit range within one 32-bit word of a packed element.
type Field struct {
	Name   string
	Offset uint32 // byte offset of the containing word
	Shift  uint   // lowest bit of the field
	Width  uint   // number of bits
}

// Word returns the index of the word containing the field.
func (f Field) Word() int {
	return int(f.Offset / 4)
}

// Mask returns the unshifted value mask of the field.
func (f Field) Mask() uint32 {
	if f.Width >= 32 {
		return ^uint32(0)
	}
	return (1 << f.Width) - 1
}

// Check verifies that the field fits an element of the given byte size.
func (f Field) Check(size int) error {
	if f.Width == 0 || f.Shift+f.Width > 32 || f.Offset%4 != 0 {
		return fmt.Errorf("%w: malformed field %s (offset %#x, bits %d+%d)",
			ErrFieldRange, f.Name, f.Offset, f.Shift, f.Width)
	}
	if int(f.Offset)+4 > size {
		return fmt.Errorf("%w: field %s at offset %#x beyond element size %d",
			ErrFieldRange, f.Name, f.Offset, size)
	}
	return nil
}

// Get extracts the field from an element.
func (f Field) Get(elem []uint32) (uint32, error) {
	if err := f.Check(len(elem) * 4); err != nil {
		return 0, err
	}
	return (elem[f.Word()] >> f.Shift) & f.Mask(), nil
}

// Set stores value into the field of an element, preserving other bits.
func (f Field) Set(elem []uint32, value uint32) error {
	if err := f.Check(len(elem) * 4); err != nil {
		return err
	}
	if value&^f.Mask() != 0 {
		return fmt.Errorf("%w: value %#x does not fit %d-bit field %s",
			ErrFieldRange, value, f.Width, f.Name)
	}
	w := f.Word()
	elem[w] = (elem[w] &^ (f.Mask() << f.Shift)) | (value << f.Shift)
	return nil
}

// String returns the name of the field.
func (f Field) String() string {
	return f.Name
}

// Scheduler port unit flags.
const (
	UnitWrrBytes   = 1 << 0
	UnitCirBytes   = 1 << 1
	UnitCongBytes  = 1 << 2
	UnitThrotBytes = 1 << 3
	UnitIsJoint    = 1 << 4
)

// Scheduler port fields.
var (
	PortUnitFlags   = Field{"unit_flags", 0x00, 0, 8}
	PortGroupCount  = Field{"group_count", 0x00, 8, 8}
	PortOutQueue    = Field{"out_queue", 0x00, 16, 16}
	PortOverhead    = Field{"overhead_bytes", 0x04, 0, 8}
	PortRemove      = Field{"remove_bytes", 0x04, 8, 8}
	PortOutThrottle = Field{"out_throttle", 0x08, 0, 32}
	PortCirCredit   = Field{"cir_credit", 0x0c, 0, 32}
	PortCirMax      = Field{"cir_max", 0x10, 0, 32}
	PortTotalQCount = Field{"total_q_count", 0x14, 0, 8}
	PortSpQCount    = Field{"sp_q_count", 0x14, 8, 8}
	PortWrrQCount   = Field{"wrr_q_count", 0x14, 16, 8}
)

const (
	portQueueBase   = uint32(0x18)
	portQueueStride = uint32(0x08)
)

// PortWrrCredit returns the WRR credit field of the given port input.
func PortWrrCredit(queue int) Field {
	return Field{fmt.Sprintf("wrr_credit[%d]", queue), portQueueBase + uint32(queue)*portQueueStride, 0, 32}
}

// PortCongThresh returns the congestion threshold field of the given port input.
func PortCongThresh(queue int) Field {
	return Field{fmt.Sprintf("cong_thresh[%d]", queue), portQueueBase + uint32(queue)*portQueueStride + 4, 0, 32}
}

// PortSize returns the minimum element size of a port with the given inputs.
func PortSize(inputs int) int {
	return int(portQueueBase) + inputs*int(portQueueStride)
}

// Drop modes.
const (
	ModeTailDrop = 0
	ModeRED      = 1
)

// Drop-config profile fields.
var (
	DropCfgUnitFlags   = Field{"unit_flags", 0x00, 0, 8}
	DropCfgMode        = Field{"mode", 0x00, 8, 8}
	DropCfgTimeConst   = Field{"time_const", 0x00, 16, 8}
	DropCfgTailThresh  = Field{"tail_thresh", 0x04, 0, 32}
	DropCfgRedLow      = Field{"red_low", 0x08, 0, 32}
	DropCfgRedHigh     = Field{"red_high", 0x0c, 0, 32}
	DropCfgThreshRecip = Field{"thresh_recip", 0x10, 0, 32}
	DropCfgSize        = 0x14
)

// Drop-output profile fields.
var (
	DropOutQueueNumber = Field{"queue_number", 0x00, 0, 16}
	DropOutEnable      = Field{"enable", 0x00, 16, 1}
	DropOutAvgDepth    = Field{"avg_depth", 0x04, 0, 32}
	DropOutRedProb     = Field{"red_prob", 0x08, 0, 16}
	DropOutCfgProfIdx  = Field{"cfg_prof_idx", 0x08, 16, 8}
	DropOutSize        = 0x0c
)

// Drop-input queue fields.
var (
	DropQOutProfIdx     = Field{"out_prof_idx", 0x00, 0, 8}
	DropQStatBlkIdx     = Field{"stat_blk_idx", 0x00, 8, 8}
	DropQStatIrqPairIdx = Field{"stat_irq_pair_idx", 0x00, 16, 4}
	DropQValid          = Field{"valid", 0x00, 24, 1}
	DropQSize           = 0x04
)

// Counter is one of the 64-bit counters of a statistics block.
type Counter int

const (
	BytesForwarded Counter = iota
	BytesDiscarded
	PacketsForwarded
	PacketsDiscarded

	NumCounters
)

// StatsSize is the element size of a statistics block.
const StatsSize = int(NumCounters) * 8

var counterNames = []string{"bytes_forwarded", "bytes_discarded", "packets_forwarded", "packets_discarded"}

// String returns the name of the counter.
func (c Counter) String() string {
	if c >= 0 && c < NumCounters {
		return counterNames[c]
	}
	return fmt.Sprintf("counter#%d", int(c))
}

// MinSize returns the smallest element size the class layout needs.
func MinSize(class Class, inputsPerPort int) int {
	switch class {
	case SchedPort:
		return PortSize(inputsPerPort)
	case DropConfig:
		return DropCfgSize
	case DropOutput:
		return DropOutSize
	case DropQueue:
		return DropQSize
	case Statistics:
		return StatsSize
	}
	return 0
}
