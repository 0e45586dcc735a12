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

	"github.com/hashicorp/go-multierror"

	cfgapi "github.com/containers/qmss-qos/pkg/apis/config/v1alpha1"
	"github.com/containers/qmss-qos/pkg/qmss/shadow"
)

// compile parses, maps and allocates all policy trees. On failure every
// resource acquired so far is released.
func (l *locked) compile(trees []cfgapi.Node) error {
	for i := range trees {
		id, err := l.parseNode(&trees[i], noNode)
		if err != nil {
			l.discard()
			return err
		}
		for _, r := range l.roots {
			if l.nodes[r].name == trees[i].Name {
				l.discard()
				return invalidf("duplicate tree %s", trees[i].Name)
			}
		}
		l.roots = append(l.roots, id)
	}
	l.state = StateParsed

	for _, id := range l.roots {
		if err := l.mapNode(l.nodes[id]); err != nil {
			l.discard()
			return err
		}
	}
	l.state = StateMapped

	for _, id := range l.roots {
		if err := l.allocNode(l.nodes[id]); err != nil {
			if rerr := l.releaseNodes(); rerr != nil {
				log.Error("failed to release partial allocation: %v", rerr)
			}
			l.discard()
			return err
		}
	}
	l.state = StateAllocated

	return nil
}

// discard drops all nodes and their references.
func (l *locked) discard() {
	if len(l.nodes) > 0 {
		l.unwind(0)
	}
	l.roots = nil
}

// mapNode derives child counts, port needs and drop scheduler inputs.
func (l *locked) mapNode(n *node) error {
	n.childCount = 0
	n.childPortCount = 0
	n.parentInput = 0
	n.childWeights = n.childWeights[:0]
	n.isDropInput = n.policy != nil

	parent := l.node(n.parent)
	if parent != nil {
		n.parentInput = parent.childCount
		w := uint32(0)
		if n.weight != unset {
			w = uint32(n.weight)
		}
		parent.childWeights = append(parent.childWeights, w)
		parent.childCount++
		n.isDropInput = n.isDropInput || parent.isDropInput
	}

	for _, id := range n.children {
		if err := l.mapNode(l.nodes[id]); err != nil {
			return err
		}
	}

	n.hasPort = n.kind != KindDefault || n.childPortCount > 0
	if n.hasPort && parent != nil {
		parent.childPortCount++
	}

	maxInputs := l.ipp
	if n.isJoint {
		maxInputs *= 2
	}
	if n.childCount > maxInputs {
		return fmt.Errorf("node %s: %w: %d inputs, at most %d", l.path(n), ErrOverflow,
			n.childCount, maxInputs)
	}

	return nil
}

// feed returns the scheduler port input a node delivers its traffic to.
func (l *locked) feed(n, parent *node) (port, input int) {
	switch {
	case !parent.hasPort:
		return parent.feedPort, parent.feedInput
	case parent.kind == KindDefault:
		return parent.port, 0
	case parent.isJoint && n.parentInput >= l.ipp:
		return parent.port + 1, n.parentInput - l.ipp
	}
	return parent.port, n.parentInput
}

// allocNode assigns resource slots to a node and then to its children.
func (l *locked) allocNode(n *node) error {
	parent := l.node(n.parent)
	path := l.path(n)

	if n.hasPort {
		ceiling := unset
		if parent != nil {
			ceiling = parent.port
		}
		port, err := l.allocPort(ceiling, n.isJoint, path)
		if err != nil {
			return err
		}
		n.port = port
	} else {
		n.port = parent.port
	}

	if parent != nil {
		n.feedPort, n.feedInput = l.feed(n, parent)
		q, err := l.portInputQueue(n.feedPort, n.feedInput)
		if err != nil {
			return fmt.Errorf("node %s: %w", path, err)
		}
		n.outputQueue = q
	}

	log.Debug("node %s: output queue %d, port %d", path, n.outputQueue, n.port)

	if n.policy != nil {
		idx, err := l.store.Get(shadow.DropOutput).Alloc()
		if err != nil {
			return fmt.Errorf("node %s: drop output: %w", path, err)
		}
		n.dropOut = idx
	}

	if n.isDropInput {
		if n.dropOut == unset {
			n.dropOut = parent.dropOut
		}
		for i := range n.inputs {
			slot, err := l.allocDropQueue(n.inputs[i].queue)
			if err != nil {
				return fmt.Errorf("node %s: %w", path, err)
			}
			n.inputs[i].slot = slot
		}
	}

	for _, id := range n.children {
		if err := l.allocNode(l.nodes[id]); err != nil {
			return err
		}
	}

	return nil
}

// ownsDropOut returns true if the drop output of a node is its own.
func (n *node) ownsDropOut() bool {
	return n.policy != nil && n.dropOut != unset
}

// releaseNodes frees the slots of all nodes.
func (l *locked) releaseNodes() error {
	var errs *multierror.Error

	for _, n := range l.nodes {
		for i := range n.inputs {
			if err := l.release(shadow.DropQueue, n.inputs[i].slot); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("node %s: %w", l.path(n), err))
				continue
			}
			n.inputs[i].slot = unset
		}
		if n.ownsDropOut() {
			if err := l.release(shadow.DropOutput, n.dropOut); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("node %s: %w", l.path(n), err))
			} else {
				n.dropOut = unset
			}
		}
		if n.hasPort && n.port != unset {
			err := l.release(shadow.SchedPort, n.port)
			if err == nil && n.isJoint {
				err = l.release(shadow.SchedPort, n.port+1)
			}
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("node %s: %w", l.path(n), err))
			} else {
				n.port = unset
			}
		}
	}

	return errs.ErrorOrNil()
}
