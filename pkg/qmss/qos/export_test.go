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
	cfgapi "github.com/containers/qmss-qos/pkg/apis/config/v1alpha1"
)

// ParseChild parses a subtree under the node at path without linking it.
func ParseChild(inst *Instance, path string, cfg *cfgapi.Node) error {
	l := inst.lock()
	defer l.unlock()

	parent, err := l.lookup(path)
	if err != nil {
		return err
	}
	_, err = l.parseNode(cfg, parent.id)
	return err
}

func NodeCount(inst *Instance) int {
	l := inst.lock()
	defer l.unlock()
	return len(l.nodes)
}

func PolicyUseCount(inst *Instance, name string) int {
	l := inst.lock()
	defer l.unlock()
	if p := l.findPolicy(name); p != nil {
		return p.usecount
	}
	return -1
}
