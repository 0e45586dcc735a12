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

	"github.com/containers/qmss-qos/pkg/qmss/firmware"
	"github.com/containers/qmss-qos/pkg/qmss/shadow"
)

type fieldWrite struct {
	f shadow.Field
	v uint32
}

// writeFields stores a batch of fields of a slot. With sync the slot is
// pushed once the last field is stored.
func (l *locked) writeFields(c shadow.Class, idx int, writes []fieldWrite, sync bool) error {
	for i, w := range writes {
		if err := l.write(c, idx, w.f, w.v, sync && i == len(writes)-1); err != nil {
			return err
		}
	}
	return nil
}

func splitOverhead(overhead int) (add, remove uint32) {
	if overhead < 0 {
		return 0, uint32(-overhead)
	}
	return uint32(overhead), 0
}

// rateCredits returns the committed rate credit and ceiling of a node.
func (l *locked) rateCredits(n *node) (credit, ceiling uint32) {
	var clamped bool

	credit = MaxCredits
	if n.outputRate != unset {
		if credit, clamped = cirCredit(uint32(n.outputRate), n.acct, l.ticksPerSec); clamped {
			log.Warn("node %s: output rate %d is too large, clamped credit to %d",
				l.path(n), n.outputRate, credit)
		}
	}

	ceiling = MaxCredits - credit
	if n.burstSize != unset {
		if ceiling, clamped = cirMax(uint32(n.burstSize), n.acct, credit); clamped {
			log.Warn("node %s: burst size %d is too large, clamped to %d",
				l.path(n), n.burstSize, ceiling)
		}
	}

	return credit, ceiling
}

// throttle returns the output throttle of a node, derived from the rate
// of its parent.
func (l *locked) throttle(n *node) uint32 {
	parent := l.node(n.parent)
	if parent == nil || parent.outputRate == unset {
		return 0
	}
	return outThrottle(uint32(parent.outputRate), l.ticksPerSec)
}

// wrrCredits returns the WRR credits of all inputs of a node.
func (l *locked) wrrCredits(n *node) []uint32 {
	credits := make([]uint32, len(n.childWeights))
	if n.wrrChildren == 0 {
		return credits
	}

	lo, hi := n.prioChildren, n.prioChildren+n.wrrChildren
	wrr, small := NormalizeWRR(n.childWeights[lo:hi], n.acct)
	if small {
		log.Warn("node %s: weight spread of children may degrade scheduling accuracy", l.path(n))
	}
	copy(credits[lo:hi], wrr)

	return credits
}

// writePort fills the scheduler port (or joint port pair) of a node. With
// sync the port (pair) is pushed to the firmware as well.
func (l *locked) writePort(n *node, sync bool) error {
	if !n.hasPort {
		return nil
	}

	parent := l.node(n.parent)
	flags := uint32(0)
	if n.acct == AcctBytes {
		flags |= shadow.UnitWrrBytes | shadow.UnitCirBytes | shadow.UnitCongBytes
	}
	if parent != nil && parent.acct == AcctBytes {
		flags |= shadow.UnitThrotBytes
	}
	if n.isJoint {
		flags |= shadow.UnitIsJoint
	}

	inputs := n.childCount
	if n.kind == KindDefault {
		inputs = 1
	}

	add, remove := splitOverhead(n.overhead)
	credit, ceiling := l.rateCredits(n)

	even := []fieldWrite{
		{shadow.PortUnitFlags, flags},
		{shadow.PortGroupCount, 1},
		{shadow.PortOutQueue, uint32(n.outputQueue)},
		{shadow.PortOverhead, add},
		{shadow.PortRemove, remove},
		{shadow.PortOutThrottle, l.throttle(n)},
		{shadow.PortCirCredit, credit},
		{shadow.PortCirMax, ceiling},
		{shadow.PortTotalQCount, uint32(inputs)},
		{shadow.PortSpQCount, uint32(n.prioChildren)},
		{shadow.PortWrrQCount, uint32(n.wrrChildren)},
	}
	var odd []fieldWrite
	if n.isJoint {
		odd = []fieldWrite{
			{shadow.PortUnitFlags, shadow.UnitIsJoint},
			{shadow.PortTotalQCount, uint32(max(inputs-l.ipp, 0))},
			{shadow.PortSpQCount, uint32(max(n.prioChildren-l.ipp, 0))},
			{shadow.PortWrrQCount, uint32(max(n.prioChildren+n.wrrChildren-max(l.ipp, n.prioChildren), 0))},
		}
	}

	credits := l.wrrCredits(n)
	for i := 0; i < inputs; i++ {
		w := uint32(0)
		if i < len(credits) {
			w = credits[i]
		}
		if n.isJoint && i >= l.ipp {
			odd = append(odd,
				fieldWrite{shadow.PortCongThresh(i - l.ipp), 0},
				fieldWrite{shadow.PortWrrCredit(i - l.ipp), w})
		} else {
			even = append(even,
				fieldWrite{shadow.PortCongThresh(i), 0},
				fieldWrite{shadow.PortWrrCredit(i), w})
		}
	}

	if err := l.writeFields(shadow.SchedPort, n.port, even, sync); err != nil {
		return fmt.Errorf("node %s: %w", l.path(n), err)
	}
	if !n.isJoint {
		return nil
	}
	if err := l.writeFields(shadow.SchedPort, n.port+1, odd, sync); err != nil {
		return fmt.Errorf("node %s: odd port: %w", l.path(n), err)
	}

	return nil
}

// writeDropOut fills the drop output profile owned by a node.
func (l *locked) writeDropOut(n *node) error {
	if !n.ownsDropOut() {
		return nil
	}
	p := n.policy
	if p.cfgIdx < 0 {
		return fmt.Errorf("node %s: %w: drop policy %s has no drop config profile",
			l.path(n), ErrState, p.name)
	}
	err := l.writeFields(shadow.DropOutput, n.dropOut, []fieldWrite{
		{shadow.DropOutQueueNumber, uint32(n.outputQueue)},
		{shadow.DropOutRedProb, redProbability(p.maxDropProb)},
		{shadow.DropOutCfgProfIdx, uint32(l.store.Get(shadow.DropConfig).Start() + p.cfgIdx)},
		{shadow.DropOutEnable, 1},
		{shadow.DropOutAvgDepth, 0},
	}, false)
	if err != nil {
		return fmt.Errorf("node %s: %w", l.path(n), err)
	}
	return nil
}

// writeDropQueues fills the drop queues of the input queues of a node.
func (l *locked) writeDropQueues(n *node) error {
	if !n.isDropInput || len(n.inputs) == 0 {
		return nil
	}
	var (
		outIdx = uint32(l.store.Get(shadow.DropOutput).Start() + n.dropOut)
		block  = uint32(0)
	)
	if n.stats != nil {
		block = uint32(l.store.Get(shadow.Statistics).Start() + n.stats.block)
	}
	for _, in := range n.inputs {
		if in.slot == unset {
			continue
		}
		err := l.writeFields(shadow.DropQueue, in.slot, []fieldWrite{
			{shadow.DropQOutProfIdx, outIdx},
			{shadow.DropQStatBlkIdx, block},
			{shadow.DropQStatIrqPairIdx, 1},
			{shadow.DropQValid, 1},
		}, false)
		if err != nil {
			return fmt.Errorf("node %s: queue %d: %w", l.path(n), in.queue, err)
		}
	}
	return nil
}

// programNode writes and syncs the port of a node, and writes its drop
// resources, then does the same for its children.
func (l *locked) programNode(n *node) error {
	if err := l.writePort(n, true); err != nil {
		return err
	}
	if err := l.writeDropOut(n); err != nil {
		return err
	}
	if err := l.writeDropQueues(n); err != nil {
		return err
	}
	for _, id := range n.children {
		if err := l.programNode(l.nodes[id]); err != nil {
			return err
		}
	}
	return nil
}

// enablePort enables or disables a scheduler port in hardware.
func (l *locked) enablePort(idx int, enable bool) error {
	s := l.store.Get(shadow.SchedPort)
	if !s.IsAllocated(idx) {
		return fmt.Errorf("%w: sched port %d", shadow.ErrNotAllocated, idx)
	}
	if enable && s.IsRunning(idx) {
		log.Warn("sched port %d is already running, enabling anyway", idx)
	}
	if err := l.execute(firmware.EnablePortCommand(s.Start()+idx, enable)); err != nil {
		return fmt.Errorf("sched port %d: %w", idx, err)
	}
	s.SetRunning(idx, enable)
	return nil
}

// resetPort returns a scheduler port to its quiescent configuration and
// pushes it.
func (l *locked) resetPort(idx int) error {
	s := l.store.Get(shadow.SchedPort)
	queues, err := s.Read(idx, shadow.PortTotalQCount, false)
	if err != nil {
		return err
	}
	queues = min(queues, uint32(l.ipp))

	writes := []fieldWrite{{shadow.PortUnitFlags, 0xf}}
	for q := 0; q < int(queues); q++ {
		writes = append(writes,
			fieldWrite{shadow.PortCongThresh(q), 1},
			fieldWrite{shadow.PortWrrCredit(q), 0},
		)
	}
	writes = append(writes,
		fieldWrite{shadow.PortOutQueue, 0},
		fieldWrite{shadow.PortOverhead, 0},
		fieldWrite{shadow.PortRemove, 0},
		fieldWrite{shadow.PortOutThrottle, 0},
		fieldWrite{shadow.PortCirCredit, 0},
		fieldWrite{shadow.PortCirMax, 0},
		fieldWrite{shadow.PortTotalQCount, 0},
		fieldWrite{shadow.PortSpQCount, 0},
		fieldWrite{shadow.PortWrrQCount, 0},
	)
	return l.writeFields(shadow.SchedPort, idx, writes, true)
}

// resetClass zeroes every allocated slot of a class.
func (l *locked) resetClass(c shadow.Class) {
	s := l.store.Get(c)
	s.ForeachAllocated(func(idx int) bool {
		if err := s.Zero(idx); err != nil {
			log.Error("%s slot %d: %v", c, idx, err)
		}
		return true
	})
}
