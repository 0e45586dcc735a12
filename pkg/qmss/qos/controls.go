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
	"slices"

	"github.com/containers/qmss-qos/pkg/qmss/shadow"
)

// live returns true if the shadows of the trees are in use by the firmware.
func (l *locked) live() bool {
	return l.state == StateProgrammed || l.state == StateStarted
}

// reprogramPort rewrites and syncs the port of a node if it is live.
func (l *locked) reprogramPort(n *node) error {
	if !l.live() {
		return nil
	}
	return l.writePort(n, true)
}

// SetWeight updates the weight of a node and the WRR credits of its parent.
func (inst *Instance) SetWeight(path string, weight uint32) error {
	l := inst.lock()
	defer l.unlock()

	n, err := l.lookup(path)
	if err != nil {
		return err
	}
	parent := l.node(n.parent)
	if parent == nil || n.weight == unset {
		return invalidf("node %s has no weight", path)
	}
	if weight < 1 || weight > MaxWeight {
		return invalidf("node %s: weight %d out of range [1, %d]", path, weight, MaxWeight)
	}

	n.weight = int64(weight)
	if n.parentInput < len(parent.childWeights) {
		parent.childWeights[n.parentInput] = weight
	}

	return l.reprogramPort(parent)
}

// SetOutputRate updates the rate limit of a node, and the throttle of its
// children.
func (inst *Instance) SetOutputRate(path string, rate uint32) error {
	l := inst.lock()
	defer l.unlock()

	n, err := l.lookup(path)
	if err != nil {
		return err
	}
	if err := checkRate(rate, n.acct, l.ticksPerSec); err != nil {
		return fmt.Errorf("node %s: %w", path, err)
	}

	n.outputRate = int64(rate)
	if err := l.reprogramPort(n); err != nil {
		return err
	}
	for _, id := range n.children {
		if err := l.reprogramPort(l.nodes[id]); err != nil {
			return err
		}
	}
	return nil
}

// SetBurstSize updates the burst allowance of a node.
func (inst *Instance) SetBurstSize(path string, burst uint32) error {
	l := inst.lock()
	defer l.unlock()

	n, err := l.lookup(path)
	if err != nil {
		return err
	}
	if err := checkBurst(burst, n.acct); err != nil {
		return fmt.Errorf("node %s: %w", path, err)
	}
	credit, _ := l.rateCredits(n)
	if _, clamped := cirMax(burst, n.acct, credit); clamped {
		return fmt.Errorf("node %s: %w: burst %d %s exceeds credit headroom",
			path, ErrOverflow, burst, n.acct)
	}

	n.burstSize = int64(burst)
	return l.reprogramPort(n)
}

// SetOverheadBytes updates the per-packet overhead adjustment of a node.
func (inst *Instance) SetOverheadBytes(path string, overhead int) error {
	l := inst.lock()
	defer l.unlock()

	n, err := l.lookup(path)
	if err != nil {
		return err
	}
	if overhead < -MaxOverheadBytes || overhead > MaxOverheadBytes {
		return invalidf("node %s: overhead bytes %d out of range [%d, %d]",
			path, overhead, -MaxOverheadBytes, MaxOverheadBytes)
	}

	n.overhead = overhead
	return l.reprogramPort(n)
}

// InputQueues returns the input queues of a leaf.
func (inst *Instance) InputQueues(path string) ([]int, error) {
	l := inst.lock()
	defer l.unlock()

	n, err := l.lookup(path)
	if err != nil {
		return nil, err
	}
	queues := make([]int, 0, len(n.inputs))
	for _, in := range n.inputs {
		queues = append(queues, in.queue)
	}
	return queues, nil
}

// AddInputQueue binds another hardware queue to a leaf. A live range is
// stopped and restarted around the change.
func (inst *Instance) AddInputQueue(path string, queue int) error {
	l := inst.lock()
	defer l.unlock()

	n, err := l.lookup(path)
	if err != nil {
		return err
	}
	if !n.isLeaf() {
		return invalidf("node %s is not a leaf", path)
	}
	if slices.ContainsFunc(n.inputs, func(in inputQueue) bool { return in.queue == queue }) {
		return invalidf("node %s: duplicate input queue %d", path, queue)
	}
	if len(n.inputs) >= MaxInputQueues {
		return invalidf("node %s: too many input queues", path)
	}
	if _, err := l.dropQueueSlot(queue); err != nil {
		return err
	}

	return l.restartAround(func() error {
		in := inputQueue{queue: queue, slot: unset}
		if n.isDropInput {
			slot, err := l.allocDropQueue(queue)
			if err != nil {
				return fmt.Errorf("node %s: %w", path, err)
			}
			in.slot = slot
		}
		n.inputs = append(n.inputs, in)
		return nil
	})
}

// RemoveInputQueue unbinds a hardware queue from a leaf. A live range is
// stopped and restarted around the change.
func (inst *Instance) RemoveInputQueue(path string, queue int) error {
	l := inst.lock()
	defer l.unlock()

	n, err := l.lookup(path)
	if err != nil {
		return err
	}
	i := slices.IndexFunc(n.inputs, func(in inputQueue) bool { return in.queue == queue })
	if i < 0 {
		return fmt.Errorf("%w: node %s: input queue %d", ErrNotFound, path, queue)
	}
	if len(n.inputs) == 1 {
		return invalidf("node %s: cannot remove the last input queue", path)
	}

	return l.restartAround(func() error {
		if err := l.release(shadow.DropQueue, n.inputs[i].slot); err != nil {
			return fmt.Errorf("node %s: %w", path, err)
		}
		n.inputs = slices.Delete(n.inputs, i, i+1)
		return nil
	})
}

// restartAround stops a live range, applies a change and brings the range
// back to its previous state. The range is brought back even if the change
// fails.
func (l *locked) restartAround(change func() error) error {
	prev := l.state
	if !l.live() {
		return change()
	}

	if err := l.stop(); err != nil {
		return err
	}

	err := change()

	var restore error
	switch prev {
	case StateStarted:
		restore = l.start()
	case StateProgrammed:
		restore = l.program()
	}
	if err != nil {
		return err
	}
	return restore
}
