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

import "strconv"

// Class identifies a hardware resource class.
type Class int

const (
	// SchedPort is a scheduler port.
	SchedPort Class = iota
	// DropConfig is a drop-config profile.
	DropConfig
	// DropOutput is a drop-output profile.
	DropOutput
	// DropQueue is a drop-input queue.
	DropQueue
	// Statistics is a statistics block. It is kept on the host only.
	Statistics

	// NumClasses is the number of resource classes.
	NumClasses
)

var classNames = map[Class]string{
	SchedPort:  "sched-port",
	DropConfig: "drop-config",
	DropOutput: "drop-output",
	DropQueue:  "drop-queue",
	Statistics: "statistics",
}

// Classes returns all resource classes.
func Classes() []Class {
	return []Class{SchedPort, DropConfig, DropOutput, DropQueue, Statistics}
}

// String returns the name of the class.
func (c Class) String() string {
	if name, ok := classNames[c]; ok {
		return name
	}
	return "class#" + strconv.Itoa(int(c))
}

// Valid returns true if c is a known class.
func (c Class) Valid() bool {
	return c >= SchedPort && c < NumClasses
}

// Syncable returns true if the class has hardware-active state.
func (c Class) Syncable() bool {
	return c >= SchedPort && c < Statistics
}

// Unified returns true if the class is transferred as a single block with
// all slots laid out back to back. Other syncable classes are transferred
// one slot at a time.
func (c Class) Unified() bool {
	switch c {
	case DropConfig, DropOutput, DropQueue:
		return true
	}
	return false
}
