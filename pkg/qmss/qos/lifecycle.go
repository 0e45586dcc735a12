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

package qos

import (
	"fmt"
	"math"

	"github.com/hashicorp/go-multierror"

	"github.com/containers/qmss-qos/pkg/qmss/firmware"
	"github.com/containers/qmss-qos/pkg/qmss/shadow"
)

// Init brings up the firmware: it checks for drop scheduler support,
// sets up queue bases, the timer and the drop scheduler, writes default
// port and drop config values, and programs the drop policies in use.
func (inst *Instance) Init() error {
	l := inst.lock()
	defer l.unlock()
	return l.init()
}

func (l *locked) init() error {
	if l.state == StateFreed {
		return fmt.Errorf("%w: firmware #%d is freed", ErrState, l.id)
	}
	if l.initialized {
		return nil
	}

	version, err := l.ch.Identify()
	if err != nil {
		return fmt.Errorf("firmware #%d: %w", l.id, err)
	}
	l.version = version
	log.Info("firmware #%d: version %#x, drop scheduler supported", l.id, version)

	if err := l.writeDefaults(); err != nil {
		return fmt.Errorf("firmware #%d: defaults: %w", l.id, err)
	}

	if err := l.execute(firmware.SetQueueBaseCommand(l.dropSchedBase, true)); err != nil {
		return fmt.Errorf("firmware #%d: drop scheduler queue base: %w", l.id, err)
	}
	if err := l.execute(firmware.SetQueueBaseCommand(l.qosSchedBase, false)); err != nil {
		return fmt.Errorf("firmware #%d: QoS scheduler queue base: %w", l.id, err)
	}

	if div := l.spec.ClockRate / uint64(l.ticksPerSec) / 2; div > 0xffff {
		log.Warn("firmware #%d: timer divider %d for %d ticks/s truncated", l.id, div, l.ticksPerSec)
	}
	if err := l.ch.Execute(firmware.SetTimerConfigCommand(l.spec.ClockRate, l.ticksPerSec)); err != nil {
		return fmt.Errorf("firmware #%d: timer: %w", l.id, err)
	}

	if err := l.programDropScheduler(); err != nil {
		return fmt.Errorf("firmware #%d: drop scheduler: %w", l.id, err)
	}

	if err := l.pushDirty(shadow.SchedPort); err != nil {
		return fmt.Errorf("firmware #%d: %w", l.id, err)
	}
	if err := l.programPolicies(); err != nil {
		return fmt.Errorf("firmware #%d: drop policies: %w", l.id, err)
	}

	l.initialized = true
	return nil
}

// writeDefaults fills every scheduler port and drop config slot, allocated
// or not, with its power-on default.
func (l *locked) writeDefaults() error {
	var errs *multierror.Error

	sp := l.store.Get(shadow.SchedPort)
	for i := 0; i < sp.Count(); i++ {
		errs = multierror.Append(errs,
			sp.Write(i, shadow.PortOverhead, DefaultOverheadBytes, true),
			sp.Write(i, shadow.PortRemove, 0, true))
	}
	dc := l.store.Get(shadow.DropConfig)
	for i := 0; i < dc.Count(); i++ {
		errs = multierror.Append(errs, dc.Write(i, shadow.DropCfgTailThresh, math.MaxUint32, true))
	}

	return errs.ErrorOrNil()
}

func (l *locked) programDropScheduler() error {
	cfg := l.spec.Scheduler
	words := []uint32{
		uint32(cfg.QosTicks)<<8 | uint32(cfg.DropTicks),
		cfg.Seeds[0],
		cfg.Seeds[1],
		cfg.Seeds[2],
	}
	if err := l.ch.WriteWindow(0, words); err != nil {
		return err
	}
	return l.execute(firmware.PortShadowCommand(firmware.TagDropScheduler, 0, true))
}

// Program writes the configuration of all trees and syncs it to the
// firmware, running Init first if necessary. Ports stay disabled.
func (inst *Instance) Program() error {
	l := inst.lock()
	defer l.unlock()
	return l.program()
}

func (l *locked) program() error {
	switch l.state {
	case StateProgrammed, StateStarted:
		return nil
	case StateAllocated, StateStopped:
	default:
		return fmt.Errorf("%w: cannot program firmware #%d in state %s", ErrState, l.id, l.state)
	}

	if !l.initialized {
		if err := l.init(); err != nil {
			return err
		}
	}

	for _, id := range l.roots {
		if err := l.programNode(l.nodes[id]); err != nil {
			return err
		}
	}
	if err := l.pushDirty(shadow.DropOutput); err != nil {
		return err
	}
	if err := l.pushDirty(shadow.DropQueue); err != nil {
		return err
	}

	l.state = StateProgrammed
	log.Info("firmware #%d: programmed", l.id)

	return nil
}

// Start programs the trees if necessary, enables the scheduler ports and
// the drop scheduler, and starts periodic statistics refresh.
func (inst *Instance) Start() error {
	l := inst.lock()
	err := l.start()
	l.unlock()

	if err != nil {
		return err
	}
	inst.startStatsTimer()
	return nil
}

func (l *locked) start() error {
	if l.state == StateStarted {
		return nil
	}
	if err := l.program(); err != nil {
		return err
	}
	for _, c := range shadow.Classes() {
		if c.Syncable() && l.store.Get(c).AnyDirty() {
			return fmt.Errorf("%w: firmware #%d: %s has unsynced writes", ErrBusy, l.id, c)
		}
	}

	for _, n := range l.nodes {
		if !n.hasPort {
			continue
		}
		if err := l.enablePort(n.port, true); err != nil {
			return fmt.Errorf("node %s: %w", l.path(n), err)
		}
		if n.isJoint {
			if err := l.enablePort(n.port+1, false); err != nil {
				return fmt.Errorf("node %s: odd port: %w", l.path(n), err)
			}
		}
	}
	if err := l.ch.Execute(firmware.DropSchedulerCommand(true)); err != nil {
		return fmt.Errorf("firmware #%d: drop scheduler: %w", l.id, err)
	}

	l.state = StateStarted
	log.Info("firmware #%d: started", l.id)

	return nil
}

// Stop disables the drop scheduler and all ports and resets their
// configuration, then stops periodic statistics refresh. Failed steps
// are reported but do not prevent the remaining ones.
func (inst *Instance) Stop() error {
	l := inst.lock()
	err := l.stop()
	l.unlock()

	inst.stopStatsTimer()
	return err
}

func (l *locked) stop() error {
	if l.state != StateStarted && l.state != StateProgrammed {
		return nil
	}

	var errs *multierror.Error

	if err := l.ch.Execute(firmware.DropSchedulerCommand(false)); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("firmware #%d: drop scheduler: %w", l.id, err))
	}

	l.store.Get(shadow.SchedPort).ForeachAllocated(func(idx int) bool {
		if err := l.resetPort(idx); err != nil {
			errs = multierror.Append(errs, err)
			return true
		}
		if err := l.enablePort(idx, false); err != nil {
			errs = multierror.Append(errs, err)
		}
		return true
	})

	l.resetClass(shadow.DropQueue)
	if err := l.pushDirty(shadow.DropQueue); err != nil {
		errs = multierror.Append(errs, err)
	}
	l.resetClass(shadow.DropOutput)
	if err := l.pushDirty(shadow.DropOutput); err != nil {
		errs = multierror.Append(errs, err)
	}

	if err := errs.ErrorOrNil(); err != nil {
		log.Error("firmware #%d: stop failed: %v", l.id, err)
		return err
	}

	l.state = StateStopped
	log.Info("firmware #%d: stopped", l.id)

	return nil
}

// Close stops the instance and releases all of its resources.
func (inst *Instance) Close() error {
	var errs *multierror.Error

	if err := inst.Stop(); err != nil {
		errs = multierror.Append(errs, err)
	}

	l := inst.lock()
	defer l.unlock()

	if l.state == StateFreed {
		return errs.ErrorOrNil()
	}

	if err := l.releaseNodes(); err != nil {
		errs = multierror.Append(errs, err)
	}
	for _, p := range l.policies {
		if err := l.release(shadow.DropConfig, p.cfgIdx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("drop policy %s: %w", p.name, err))
			continue
		}
		p.cfgIdx = unset
	}
	l.discard()
	l.users = 0
	l.state = StateFreed

	return errs.ErrorOrNil()
}

// Acquire takes a reference to the instance, starting it for the first user.
func (inst *Instance) Acquire() error {
	l := inst.lock()
	first := l.users == 0
	if first {
		if err := l.start(); err != nil {
			l.unlock()
			return err
		}
	}
	l.users++
	l.unlock()

	if first {
		inst.startStatsTimer()
	}
	return nil
}

// Release drops a reference to the instance, stopping it with the last one.
func (inst *Instance) Release() error {
	l := inst.lock()
	if l.users == 0 {
		l.unlock()
		return fmt.Errorf("%w: firmware #%d has no users", ErrState, l.id)
	}
	l.users--
	if l.users > 0 {
		l.unlock()
		return nil
	}
	err := l.stop()
	l.unlock()

	inst.stopStatsTimer()
	return err
}
