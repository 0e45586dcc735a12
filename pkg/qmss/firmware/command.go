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

package firmware

import (
	"fmt"

	"github.com/containers/qmss-qos/pkg/qmss/shadow"
)

// Register offsets within the firmware command region.
const (
	RegCommand = 0x00
	RegResult  = 0x04
	RegMagic   = 0x08
	RegStats   = 0x20
	RegShadow  = 0x1000
)

const (
	// WindowWords is the number of words moved per shadow window access.
	WindowWords = 4
	// StatsWords is the size of the statistics window.
	StatsWords = 2 * int(shadow.NumCounters)
	// MagicDropSched identifies firmware with drop scheduler support.
	MagicDropSched = 0x8020
	// ResultSuccess is the result word of a successfully executed command.
	ResultSuccess = 1
	// ResultFailure is a generic failure result.
	ResultFailure = 2
	// statusMask covers the part of the command word cleared on completion.
	statusMask = 0xff
	// MaxIndex is the largest slot index a command can address.
	MaxIndex = 0xff
	// MaxQueue is the largest hardware queue a queue base can name.
	MaxQueue = 0xffff
)

// Opcode is a firmware command opcode.
type Opcode uint8

const (
	OpSetQueueBase   Opcode = 0x81
	OpSetTimerConfig Opcode = 0x82
	OpEnablePort     Opcode = 0x90
	OpPortShadow     Opcode = 0x91
	OpStatsRequest   Opcode = 0x92
)

var opcodeNames = map[Opcode]string{
	OpSetQueueBase:   "set-queue-base",
	OpSetTimerConfig: "set-timer-config",
	OpEnablePort:     "enable-port",
	OpPortShadow:     "port-shadow",
	OpStatsRequest:   "stats-request",
}

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("opcode#%#x", uint8(op))
}

// Tag identifies the resource class addressed by a command.
type Tag uint8

const (
	TagSchedPort     Tag = 0
	TagDropConfig    Tag = 1
	TagDropOutput    Tag = 2
	TagDropQueue     Tag = 3
	TagDropScheduler Tag = 4
)

// ClassTag returns the command tag of a syncable resource class.
func ClassTag(c shadow.Class) (Tag, bool) {
	switch c {
	case shadow.SchedPort:
		return TagSchedPort, true
	case shadow.DropConfig:
		return TagDropConfig, true
	case shadow.DropOutput:
		return TagDropOutput, true
	case shadow.DropQueue:
		return TagDropQueue, true
	}
	return 0, false
}

// Command option bits.
const (
	OptEnable             = 1 << 8
	OptDropSchedEnable    = 1 << 24
	OptCopyShadowToActive = 1 << 8
	OptQueueBaseDropSched = 1 << 8
	optStatsRequest       = 0x8f << 8
)

// Command is a firmware command word:
// opcode[0:8] | option[8:16] | index[16:24] | tag[24:32].
type Command uint32

// Opcode returns the opcode of the command.
func (c Command) Opcode() Opcode {
	return Opcode(c & 0xff)
}

// Option returns the option byte of the command, unshifted.
func (c Command) Option() uint32 {
	return uint32(c) & 0xff00
}

// Index returns the slot index addressed by the command.
func (c Command) Index() int {
	return int((uint32(c) >> 16) & 0xff)
}

// Tag returns the resource class tag of the command.
func (c Command) Tag() Tag {
	return Tag(uint32(c) >> 24)
}

// Arg returns the upper half-word used as argument by some commands.
func (c Command) Arg() uint32 {
	return uint32(c) >> 16
}

func (c Command) String() string {
	return fmt.Sprintf("%s(%#08x)", c.Opcode(), uint32(c))
}

func indexBits(index int) (uint32, error) {
	if index < 0 || index > MaxIndex {
		return 0, fmt.Errorf("%w: index %d out of range [0, %d]", ErrInvalid, index, MaxIndex)
	}
	return uint32(index) << 16, nil
}

// PortShadowCommand transfers a class (or one scheduler port) between the
// shadow window and active firmware memory.
func PortShadowCommand(tag Tag, index int, toActive bool) (Command, error) {
	idx, err := indexBits(index)
	if err != nil {
		return 0, err
	}
	cmd := uint32(OpPortShadow) | idx | uint32(tag)<<24
	if toActive {
		cmd |= OptCopyShadowToActive
	}
	return Command(cmd), nil
}

// EnablePortCommand enables or disables a scheduler port.
func EnablePortCommand(index int, enable bool) (Command, error) {
	idx, err := indexBits(index)
	if err != nil {
		return 0, err
	}
	cmd := uint32(OpEnablePort) | idx
	if enable {
		cmd |= OptEnable
	}
	return Command(cmd), nil
}

// DropSchedulerCommand enables or disables the drop scheduler.
func DropSchedulerCommand(enable bool) Command {
	cmd := uint32(OpEnablePort) | OptDropSchedEnable
	if enable {
		cmd |= OptEnable
	}
	return Command(cmd)
}

// SetQueueBaseCommand sets the first hardware queue of the drop scheduler
// or of the QoS scheduler.
func SetQueueBaseCommand(queue int, dropSched bool) (Command, error) {
	if queue < 0 || queue > MaxQueue {
		return 0, fmt.Errorf("%w: queue %d out of range [0, %d]", ErrInvalid, queue, MaxQueue)
	}
	cmd := uint32(OpSetQueueBase) | uint32(queue)<<16
	if dropSched {
		cmd |= OptQueueBaseDropSched
	}
	return Command(cmd), nil
}

// SetTimerConfigCommand programs the firmware timer divider.
func SetTimerConfigCommand(clockRate uint64, ticksPerSec uint32) Command {
	div := uint32((clockRate/uint64(ticksPerSec))/2) & 0xffff
	return Command(uint32(OpSetTimerConfig) | div<<16)
}

// StatsRequestCommand requests and resets the counters of a statistics block.
func StatsRequestCommand(index int) (Command, error) {
	idx, err := indexBits(index)
	if err != nil {
		return 0, err
	}
	return Command(uint32(OpStatsRequest) | optStatsRequest | idx), nil
}
