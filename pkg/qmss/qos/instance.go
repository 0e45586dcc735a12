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
	"sync"
	"time"

	cfgapi "github.com/containers/qmss-qos/pkg/apis/config/v1alpha1"
	logger "github.com/containers/qmss-qos/pkg/log"
	"github.com/containers/qmss-qos/pkg/qmss/firmware"
	"github.com/containers/qmss-qos/pkg/qmss/shadow"
)

var log = logger.Get("qos")

// State is the lifecycle state of an Instance.
type State int

const (
	// StateParsed is the state after the policy trees have been validated.
	StateParsed State = iota
	// StateMapped is the state after port and input needs are derived.
	StateMapped
	// StateAllocated is the state after resource slots are assigned.
	StateAllocated
	// StateProgrammed is the state after the shadows are written and synced.
	StateProgrammed
	// StateStarted is the state while ports and the drop scheduler run.
	StateStarted
	// StateStopped is the state after the hardware has been quiesced.
	StateStopped
	// StateFreed is the final state after all resources are released.
	StateFreed
)

var stateNames = map[State]string{
	StateParsed:     "parsed",
	StateMapped:     "mapped",
	StateAllocated:  "allocated",
	StateProgrammed: "programmed",
	StateStarted:    "started",
	StateStopped:    "stopped",
	StateFreed:      "freed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state#%d", int(s))
}

// Instance is the QoS control plane of one firmware instance. All shadow,
// allocator and firmware access is serialized by a single lock, with at
// most one firmware command in flight.
type Instance struct {
	mu            sync.Mutex
	id            int
	spec          *cfgapi.QosRangeSpec
	ch            *firmware.Channel
	store         *shadow.Store
	ipp           int
	ticksPerSec   uint32
	dropSchedBase int
	qosSchedBase  int
	policies      []*dropPolicy
	defaultPolicy *dropPolicy
	statsClasses  map[string]*statsClass
	nodes         []*node
	roots         []NodeID
	state         State
	initialized   bool
	version       uint32
	users         int

	cmdTimeout    time.Duration
	cmdDelay      time.Duration
	statsInterval time.Duration
	noStatsTimer  bool

	timerLock sync.Mutex
	timer     *statsTimer
}

// locked is an Instance with its lock held. Operations which touch the
// shadows, the allocator or the firmware are only defined on locked.
type locked struct {
	*Instance
}

func (inst *Instance) lock() *locked {
	inst.mu.Lock()
	return &locked{inst}
}

func (l *locked) unlock() {
	l.mu.Unlock()
}

// NewInstance validates the policy trees of a range and assigns resource
// slots to them. No firmware access takes place until Init or Program.
func NewInstance(spec *cfgapi.QosRangeSpec, regs firmware.Registers, opts ...Option) (*Instance, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if regs == nil {
		return nil, fmt.Errorf("%w: no firmware registers", ErrInvalid)
	}

	inst := &Instance{
		id:            spec.FirmwareID,
		spec:          spec,
		ipp:           spec.InputsPerPort,
		ticksPerSec:   spec.GetTicksPerSec(),
		statsClasses:  make(map[string]*statsClass),
		cmdTimeout:    spec.CommandTimeout.Duration,
		cmdDelay:      spec.CommandDelay.Duration,
		statsInterval: spec.GetStatsInterval(),
	}
	for _, o := range opts {
		if err := o(inst); err != nil {
			return nil, err
		}
	}

	ranges := map[shadow.Class]shadow.Range{
		shadow.SchedPort:  shadowRange(spec.SchedPorts),
		shadow.DropConfig: shadowRange(spec.DropConfigs),
		shadow.DropOutput: shadowRange(spec.DropOutputs),
		shadow.DropQueue:  shadowRange(spec.DropQueues),
		shadow.Statistics: {
			Start: spec.Statistics.Start,
			Count: spec.Statistics.Count,
			Size:  shadow.StatsSize,
		},
	}
	for c, r := range ranges {
		if minSize := shadow.MinSize(c, inst.ipp); r.Size < minSize {
			return nil, fmt.Errorf("%w: %s element size %d, need at least %d",
				ErrInvalid, c, r.Size, minSize)
		}
	}
	store, err := shadow.NewStore(ranges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	inst.store = store

	if err := inst.layoutQueues(); err != nil {
		return nil, err
	}

	inst.ch = firmware.NewChannel(regs,
		firmware.WithTimeout(inst.cmdTimeout),
		firmware.WithDelay(inst.cmdDelay),
	)

	l := inst.lock()
	defer l.unlock()

	if err := l.parsePolicies(spec.DropPolicies); err != nil {
		return nil, err
	}
	if err := l.compile(spec.Trees); err != nil {
		return nil, err
	}

	log.Info("firmware #%d: %d trees, %d nodes, %d/%d sched ports, %d/%d drop queues",
		inst.id, len(inst.roots), len(inst.nodes),
		inst.store.Get(shadow.SchedPort).Used(), inst.store.Get(shadow.SchedPort).Count(),
		inst.store.Get(shadow.DropQueue).Used(), inst.store.Get(shadow.DropQueue).Count())

	return inst, nil
}

func shadowRange(r cfgapi.ShadowRange) shadow.Range {
	return shadow.Range{Start: r.Start, Count: r.Count, Size: r.Size}
}

func align32(v int) int {
	return (v + 31) &^ 31
}

// layoutQueues places the drop scheduler and QoS scheduler queue bases
// within the reserved hardware queue range.
func (inst *Instance) layoutQueues() error {
	var (
		dq    = inst.store.Get(shadow.DropQueue)
		sp    = inst.store.Get(shadow.SchedPort)
		first = inst.spec.Queues.Base
		end   = inst.spec.Queues.Base + inst.spec.Queues.Count
	)

	inst.dropSchedBase = align32(first)
	inst.qosSchedBase = align32(inst.dropSchedBase + dq.Start() + dq.Count())

	if need := inst.qosSchedBase + (sp.Start()+sp.Count())*inst.ipp; need > end {
		return fmt.Errorf("%w: queue range %d-%d too small, need queues up to %d",
			ErrInvalid, first, end-1, need-1)
	}
	if inst.qosSchedBase > 0xffff {
		return fmt.Errorf("%w: QoS scheduler queue base %d out of range", ErrInvalid, inst.qosSchedBase)
	}

	log.Debug("firmware #%d: drop scheduler queue base %d, QoS scheduler queue base %d",
		inst.id, inst.dropSchedBase, inst.qosSchedBase)

	return nil
}

// ID returns the firmware id of the instance.
func (inst *Instance) ID() int {
	return inst.id
}

// State returns the current lifecycle state.
func (inst *Instance) State() State {
	l := inst.lock()
	defer l.unlock()
	return l.state
}

// Version returns the firmware version found by Init.
func (inst *Instance) Version() uint32 {
	l := inst.lock()
	defer l.unlock()
	return l.version
}

// Usage returns the number of allocated and total slots of a class.
func (inst *Instance) Usage(c shadow.Class) (allocated, total int) {
	s := inst.store.Get(c)
	if s == nil {
		return 0, 0
	}
	l := inst.lock()
	defer l.unlock()
	return s.Used(), s.Count()
}

// QueueBases returns the drop scheduler and QoS scheduler queue bases.
func (inst *Instance) QueueBases() (dropSched, qosSched int) {
	return inst.dropSchedBase, inst.qosSchedBase
}
