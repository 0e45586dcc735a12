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
	"errors"
	"fmt"

	"github.com/containers/qmss-qos/pkg/qmss/shadow"
)

// allocPort allocates a scheduler port, or an even/odd pair for a joint
// port, preferring slots below ceiling. It falls back to any free slot.
func (l *locked) allocPort(ceiling int, joint bool, name string) (int, error) {
	var (
		s     = l.store.Get(shadow.SchedPort)
		alloc = s.AllocBelow
	)
	if joint {
		alloc = s.AllocPair
	}
	if ceiling < 0 || ceiling > s.Count() {
		ceiling = s.Count()
	}

	idx, err := alloc(ceiling)
	if err == nil {
		return idx, nil
	}
	if !errors.Is(err, shadow.ErrOutOfResources) || ceiling == s.Count() {
		return unset, fmt.Errorf("node %s: sched port: %w", name, err)
	}

	idx, err = alloc(s.Count())
	if err != nil {
		return unset, fmt.Errorf("node %s: sched port: %w", name, err)
	}
	log.Warn("node %s: non-optimal sched port allocation %d (above parent port %d)", name, idx, ceiling)

	return idx, nil
}

// dropQueueSlot returns the drop queue slot of a hardware queue.
func (l *locked) dropQueueSlot(queue int) (int, error) {
	s := l.store.Get(shadow.DropQueue)
	slot := queue - l.dropSchedBase - s.Start()
	if slot < 0 || slot >= s.Count() {
		return unset, invalidf("queue %d outside drop scheduler queues %d-%d", queue,
			l.dropSchedBase+s.Start(), l.dropSchedBase+s.Start()+s.Count()-1)
	}
	return slot, nil
}

// allocDropQueue allocates the drop queue slot of a hardware queue.
func (l *locked) allocDropQueue(queue int) (int, error) {
	slot, err := l.dropQueueSlot(queue)
	if err != nil {
		return unset, err
	}
	if err := l.store.Get(shadow.DropQueue).AllocAt(slot); err != nil {
		return unset, fmt.Errorf("queue %d: %w", queue, err)
	}
	return slot, nil
}

// portInputQueue returns the hardware queue of a scheduler port input.
func (l *locked) portInputQueue(port, input int) (int, error) {
	s := l.store.Get(shadow.SchedPort)
	if !s.IsAllocated(port) {
		return unset, fmt.Errorf("%w: sched port %d", shadow.ErrNotAllocated, port)
	}
	if input < 0 || input >= l.ipp {
		return unset, invalidf("sched port %d input %d out of range", port, input)
	}
	return l.qosSchedBase + (s.Start()+port)*l.ipp + input, nil
}

// release frees a slot, logging instead of failing for slots already free.
func (l *locked) release(c shadow.Class, idx int) error {
	if idx < 0 {
		return nil
	}
	s := l.store.Get(c)
	if !s.IsAllocated(idx) {
		return nil
	}
	return s.Free(idx)
}
