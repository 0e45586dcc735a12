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

// Package simulator implements an in-memory QoS firmware behind the
// firmware.Registers interface. It executes commands synchronously on
// write, keeps separate active memory per resource class, and supports
// fault injection for stalled or rejected commands.
package simulator

import (
	"fmt"
	"sync"

	logger "github.com/containers/qmss-qos/pkg/log"
	"github.com/containers/qmss-qos/pkg/qmss/firmware"
	"github.com/containers/qmss-qos/pkg/qmss/shadow"
)

var log = logger.Get("simulator")

// DefaultVersion is the firmware version reported by default.
const DefaultVersion = 0x0103

// Config describes the resource layout of a simulated firmware.
type Config struct {
	// Ranges are the slot ranges of the syncable classes.
	Ranges map[shadow.Class]shadow.Range
	// StatsBlocks is the number of statistics blocks, counting from 0.
	StatsBlocks int
	// Version is the reported firmware version.
	Version uint32
	// NoDropScheduler makes the firmware report a foreign magic.
	NoDropScheduler bool
}

// Simulator is a simulated QoS firmware.
type Simulator struct {
	sync.Mutex
	cfg         Config
	command     uint32
	result      uint32
	magic       uint32
	stats       []uint32
	window      []uint32
	active      map[shadow.Class][]uint32
	ports       map[int]bool
	dropSched   bool
	dropSchedCf []uint32
	queueBase   map[bool]int
	timerCfg    uint32
	pending     map[int][]uint64
	history     []firmware.Command
	hang        int
	fail        int
	reject      map[firmware.Opcode]bool
}

var _ firmware.Registers = &Simulator{}

// New creates a Simulator with the given layout.
func New(cfg Config) (*Simulator, error) {
	if cfg.Version == 0 {
		cfg.Version = DefaultVersion
	}

	s := &Simulator{
		cfg:         cfg,
		magic:       firmware.MagicDropSched<<16 | cfg.Version&0xffff,
		stats:       make([]uint32, firmware.StatsWords),
		active:      make(map[shadow.Class][]uint32),
		ports:       make(map[int]bool),
		dropSchedCf: make([]uint32, firmware.WindowWords),
		queueBase:   make(map[bool]int),
		pending:     make(map[int][]uint64),
		reject:      make(map[firmware.Opcode]bool),
	}
	if cfg.NoDropScheduler {
		s.magic = 0x1234<<16 | cfg.Version&0xffff
	}

	window := firmware.WindowWords
	for _, c := range shadow.Classes() {
		if !c.Syncable() {
			continue
		}
		rng, ok := cfg.Ranges[c]
		if !ok {
			return nil, fmt.Errorf("simulator: missing range for %s", c)
		}
		if rng.Size%4 != 0 || rng.Size <= 0 {
			return nil, fmt.Errorf("simulator: bad element size %d for %s", rng.Size, c)
		}
		words := (rng.Start + rng.Count) * rng.Size / 4
		s.active[c] = make([]uint32, words)
		if c.Unified() {
			window = max(window, words)
		} else {
			window = max(window, rng.Size/4)
		}
	}
	s.window = make([]uint32, window)

	return s, nil
}

// ReadWords implements firmware.Registers.
func (s *Simulator) ReadWords(offset uint32, words []uint32) error {
	s.Lock()
	defer s.Unlock()

	for i := range words {
		v, err := s.read(offset + uint32(4*i))
		if err != nil {
			return err
		}
		words[i] = v
	}
	return nil
}

// WriteWords implements firmware.Registers.
func (s *Simulator) WriteWords(offset uint32, words []uint32) error {
	s.Lock()
	defer s.Unlock()

	for i, v := range words {
		if err := s.write(offset+uint32(4*i), v); err != nil {
			return err
		}
	}
	return nil
}

func (s *Simulator) read(offset uint32) (uint32, error) {
	switch {
	case offset == firmware.RegCommand:
		return s.command, nil
	case offset == firmware.RegResult:
		return s.result, nil
	case offset == firmware.RegMagic:
		return s.magic, nil
	case offset >= firmware.RegStats && offset < firmware.RegStats+uint32(4*len(s.stats)):
		return s.stats[(offset-firmware.RegStats)/4], nil
	case offset >= firmware.RegShadow:
		w := int(offset-firmware.RegShadow) / 4
		if w < len(s.window) {
			return s.window[w], nil
		}
	}
	return 0, fmt.Errorf("simulator: read of unmapped offset %#x", offset)
}

func (s *Simulator) write(offset uint32, v uint32) error {
	switch {
	case offset == firmware.RegCommand:
		s.command = v
		s.execute(firmware.Command(v))
		return nil
	case offset >= firmware.RegShadow:
		w := int(offset-firmware.RegShadow) / 4
		if w < len(s.window) {
			s.window[w] = v
			return nil
		}
	}
	return fmt.Errorf("simulator: write of unmapped offset %#x", offset)
}

func (s *Simulator) execute(cmd firmware.Command) {
	s.history = append(s.history, cmd)

	if s.hang > 0 {
		s.hang--
		log.Debug("stalling %s", cmd)
		return
	}

	s.command &^= 0xff
	s.result = firmware.ResultSuccess

	if s.fail > 0 || s.reject[cmd.Opcode()] {
		if s.fail > 0 {
			s.fail--
		}
		log.Debug("rejecting %s", cmd)
		s.result = firmware.ResultFailure
		return
	}

	var err error
	switch cmd.Opcode() {
	case firmware.OpSetQueueBase:
		s.queueBase[cmd.Option()&firmware.OptQueueBaseDropSched != 0] = int(cmd.Arg())
	case firmware.OpSetTimerConfig:
		s.timerCfg = cmd.Arg()
	case firmware.OpEnablePort:
		enable := cmd.Option()&firmware.OptEnable != 0
		if uint32(cmd)&firmware.OptDropSchedEnable != 0 {
			s.dropSched = enable
		} else {
			s.ports[cmd.Index()] = enable
		}
	case firmware.OpPortShadow:
		err = s.transfer(cmd)
	case firmware.OpStatsRequest:
		err = s.statsRequest(cmd.Index())
	default:
		err = fmt.Errorf("unknown opcode")
	}

	if err != nil {
		log.Warn("%s: %v", cmd, err)
		s.result = firmware.ResultFailure
	}
}

func (s *Simulator) tagClass(tag firmware.Tag) (shadow.Class, bool) {
	for _, c := range shadow.Classes() {
		if t, ok := firmware.ClassTag(c); ok && t == tag {
			return c, true
		}
	}
	return 0, false
}

func (s *Simulator) transfer(cmd firmware.Command) error {
	toActive := cmd.Option()&firmware.OptCopyShadowToActive != 0

	if cmd.Tag() == firmware.TagDropScheduler {
		if toActive {
			copy(s.dropSchedCf, s.window)
		} else {
			copy(s.window, s.dropSchedCf)
		}
		return nil
	}

	c, ok := s.tagClass(cmd.Tag())
	if !ok {
		return fmt.Errorf("unknown class tag %d", cmd.Tag())
	}
	mem := s.active[c]
	if !c.Unified() {
		size := s.cfg.Ranges[c].Size / 4
		idx := cmd.Index()
		if (idx+1)*size > len(mem) {
			return fmt.Errorf("%s index %d out of range", c, idx)
		}
		mem = mem[idx*size : (idx+1)*size]
	}
	if toActive {
		copy(mem, s.window)
	} else {
		copy(s.window, mem)
	}
	return nil
}

func (s *Simulator) statsRequest(idx int) error {
	if idx >= s.cfg.StatsBlocks {
		return fmt.Errorf("stats block %d out of range", idx)
	}
	counters := s.pending[idx]
	delete(s.pending, idx)
	clear(s.stats)
	for i, v := range counters {
		s.stats[2*i] = uint32(v)
		s.stats[2*i+1] = uint32(v >> 32)
	}
	return nil
}

// AddStats adds counter deltas to be returned by the next request of a block.
func (s *Simulator) AddStats(idx int, counters ...uint64) {
	s.Lock()
	defer s.Unlock()

	pending := s.pending[idx]
	if pending == nil {
		pending = make([]uint64, shadow.NumCounters)
		s.pending[idx] = pending
	}
	for i, v := range counters {
		if i < len(pending) {
			pending[i] += v
		}
	}
}

// Hang makes the next n commands never complete.
func (s *Simulator) Hang(n int) {
	s.Lock()
	defer s.Unlock()
	s.hang = n
}

// Fail makes the next n commands complete with a failure result.
func (s *Simulator) Fail(n int) {
	s.Lock()
	defer s.Unlock()
	s.fail = n
}

// Reject makes all commands with the given opcode fail until cleared.
func (s *Simulator) Reject(op firmware.Opcode, reject bool) {
	s.Lock()
	defer s.Unlock()
	if reject {
		s.reject[op] = true
	} else {
		delete(s.reject, op)
	}
}

// Commands returns the commands executed so far.
func (s *Simulator) Commands() []firmware.Command {
	s.Lock()
	defer s.Unlock()
	return append([]firmware.Command(nil), s.history...)
}

// ResetCommands clears the command history.
func (s *Simulator) ResetCommands() {
	s.Lock()
	defer s.Unlock()
	s.history = nil
}

// Active returns a copy of the active memory of a slot, addressed by its
// absolute firmware index.
func (s *Simulator) Active(c shadow.Class, idx int) []uint32 {
	s.Lock()
	defer s.Unlock()

	size := s.cfg.Ranges[c].Size / 4
	mem := s.active[c]
	if (idx+1)*size > len(mem) || idx < 0 {
		return nil
	}
	return append([]uint32(nil), mem[idx*size:(idx+1)*size]...)
}

// ActiveField returns a field of the active memory of a slot.
func (s *Simulator) ActiveField(c shadow.Class, idx int, f shadow.Field) uint32 {
	v, err := f.Get(s.Active(c, idx))
	if err != nil {
		return 0
	}
	return v
}

// SetActiveField modifies the active memory of a slot, as firmware would.
func (s *Simulator) SetActiveField(c shadow.Class, idx int, f shadow.Field, v uint32) error {
	s.Lock()
	defer s.Unlock()

	size := s.cfg.Ranges[c].Size / 4
	mem := s.active[c]
	if (idx+1)*size > len(mem) || idx < 0 {
		return fmt.Errorf("simulator: %s index %d out of range", c, idx)
	}
	return f.Set(mem[idx*size:(idx+1)*size], v)
}

// PortEnabled returns whether a scheduler port is enabled.
func (s *Simulator) PortEnabled(idx int) bool {
	s.Lock()
	defer s.Unlock()
	return s.ports[idx]
}

// EnabledPorts returns the number of enabled scheduler ports.
func (s *Simulator) EnabledPorts() int {
	s.Lock()
	defer s.Unlock()
	n := 0
	for _, on := range s.ports {
		if on {
			n++
		}
	}
	return n
}

// DropSchedulerEnabled returns whether the drop scheduler is enabled.
func (s *Simulator) DropSchedulerEnabled() bool {
	s.Lock()
	defer s.Unlock()
	return s.dropSched
}

// DropSchedulerConfig returns the global drop scheduler configuration.
func (s *Simulator) DropSchedulerConfig() []uint32 {
	s.Lock()
	defer s.Unlock()
	return append([]uint32(nil), s.dropSchedCf...)
}

// QueueBase returns the queue base set for the drop or QoS scheduler.
func (s *Simulator) QueueBase(dropSched bool) int {
	s.Lock()
	defer s.Unlock()
	return s.queueBase[dropSched]
}

// TimerConfig returns the programmed timer divider.
func (s *Simulator) TimerConfig() uint32 {
	s.Lock()
	defer s.Unlock()
	return s.timerCfg
}
