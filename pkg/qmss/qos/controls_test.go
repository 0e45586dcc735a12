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

package qos_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/qmss-qos/pkg/apis/config/v1alpha1"
	. "github.com/containers/qmss-qos/pkg/qmss/qos"
	"github.com/containers/qmss-qos/pkg/qmss/shadow"
)

func TestSetWeight(t *testing.T) {
	inst, sim := newInstance(t, testSpec(wrrTree(1, 1)))
	require.NoError(t, inst.Start())

	require.NoError(t, inst.SetWeight("eth0/b", 3))
	require.Equal(t, uint32(ByteNormalization), sim.ActiveField(shadow.SchedPort, 15, shadow.PortWrrCredit(0)))
	require.Equal(t, uint32(3*ByteNormalization), sim.ActiveField(shadow.SchedPort, 15, shadow.PortWrrCredit(1)))
	require.False(t, inst.IsDirty(shadow.SchedPort, 15))

	require.ErrorIs(t, inst.SetWeight("eth0/b", 0), ErrInvalid)
	require.ErrorIs(t, inst.SetWeight("eth0/b", MaxWeight+1), ErrInvalid)
	require.ErrorIs(t, inst.SetWeight("eth0", 1), ErrInvalid)
	require.ErrorIs(t, inst.SetWeight("eth0/x", 1), ErrNotFound)
	require.Equal(t, uint32(3*ByteNormalization), sim.ActiveField(shadow.SchedPort, 15, shadow.PortWrrCredit(1)))
}

func TestSetWeightBeforeProgram(t *testing.T) {
	inst, sim := newInstance(t, testSpec(wrrTree(1, 1)))

	require.NoError(t, inst.SetWeight("eth0/a", 2))
	require.Empty(t, sim.Commands())

	require.NoError(t, inst.Program())
	require.Equal(t, uint32(2*ByteNormalization), sim.ActiveField(shadow.SchedPort, 15, shadow.PortWrrCredit(0)))
	require.Equal(t, uint32(ByteNormalization), sim.ActiveField(shadow.SchedPort, 15, shadow.PortWrrCredit(1)))
}

func TestSetWeightOfPriorityNode(t *testing.T) {
	inst, _ := newInstance(t, testSpec(blendedTree()))
	require.ErrorIs(t, inst.SetWeight("eth0/hi", 1), ErrInvalid)
}

func TestSetOutputRate(t *testing.T) {
	inst, sim := newInstance(t, testSpec(blendedTree()))
	require.NoError(t, inst.Start())

	require.NoError(t, inst.SetOutputRate("eth0", 1000000))
	require.Equal(t, uint32(204800), sim.ActiveField(shadow.SchedPort, 15, shadow.PortCirCredit))
	require.Equal(t, uint32(MaxCredits-204800), sim.ActiveField(shadow.SchedPort, 15, shadow.PortCirMax))
	require.Equal(t, uint32(101), sim.ActiveField(shadow.SchedPort, 14, shadow.PortOutThrottle))
	require.Equal(t, uint32(101), sim.ActiveField(shadow.SchedPort, 13, shadow.PortOutThrottle))
	require.Equal(t, uint32(MaxCredits), sim.ActiveField(shadow.SchedPort, 14, shadow.PortCirCredit))

	require.NoError(t, inst.SetBurstSize("eth0", 1000))
	require.Equal(t, uint32(1000<<CreditsByteShift), sim.ActiveField(shadow.SchedPort, 15, shadow.PortCirMax))

	err := inst.SetBurstSize("eth0", 1<<20)
	require.ErrorIs(t, err, ErrOverflow)
	require.Equal(t, uint32(1000<<CreditsByteShift), sim.ActiveField(shadow.SchedPort, 15, shadow.PortCirMax))

	// without a rate there is no headroom for a burst
	require.ErrorIs(t, inst.SetBurstSize("eth0/hi", 1), ErrOverflow)
	require.NoError(t, inst.SetBurstSize("eth0/hi", 0))
}

func TestSetOutputRateOverflow(t *testing.T) {
	spec := testSpec(blendedTree())
	spec.TicksPerSec = 1000
	inst, sim := newInstance(t, spec)
	require.NoError(t, inst.Program())

	require.ErrorIs(t, inst.SetOutputRate("eth0", 4000000000), ErrOverflow)
	require.Equal(t, uint32(MaxCredits), sim.ActiveField(shadow.SchedPort, 15, shadow.PortCirCredit))
	require.Equal(t, uint32(0), sim.ActiveField(shadow.SchedPort, 14, shadow.PortOutThrottle))
}

func TestSetOverheadBytes(t *testing.T) {
	inst, sim := newInstance(t, testSpec(blendedTree()))
	require.NoError(t, inst.Start())

	require.NoError(t, inst.SetOverheadBytes("eth0/hi", -4))
	require.Equal(t, uint32(0), sim.ActiveField(shadow.SchedPort, 14, shadow.PortOverhead))
	require.Equal(t, uint32(4), sim.ActiveField(shadow.SchedPort, 14, shadow.PortRemove))
	require.Equal(t, uint32(DefaultOverheadBytes), sim.ActiveField(shadow.SchedPort, 13, shadow.PortOverhead))

	require.ErrorIs(t, inst.SetOverheadBytes("eth0/hi", MaxOverheadBytes+1), ErrInvalid)
	require.ErrorIs(t, inst.SetOverheadBytes("eth0/hi", -MaxOverheadBytes-1), ErrInvalid)
}

func TestInputQueues(t *testing.T) {
	inst, sim := newInstance(t, testSpec(blendedTree()))
	require.NoError(t, inst.Start())

	data := nodeInfo(t, inst, "eth0/lo/data")

	require.NoError(t, inst.AddInputQueue("eth0/lo/data", 4098))
	require.Equal(t, StateStarted, inst.State())
	require.Equal(t, 3, sim.EnabledPorts())
	require.True(t, sim.DropSchedulerEnabled())

	queues, err := inst.InputQueues("eth0/lo/data")
	require.NoError(t, err)
	require.Equal(t, []int{4097, 4098}, queues)
	used, _ := inst.Usage(shadow.DropQueue)
	require.Equal(t, 3, used)
	require.Equal(t, uint32(1), sim.ActiveField(shadow.DropQueue, 2, shadow.DropQValid))
	require.Equal(t, uint32(data.DropOutput), sim.ActiveField(shadow.DropQueue, 2, shadow.DropQOutProfIdx))

	for _, tc := range []struct {
		name   string
		path   string
		queue  int
		expect error
	}{
		{"duplicate queue", "eth0/lo/data", 4098, ErrInvalid},
		{"non-leaf node", "eth0/lo", 4099, ErrInvalid},
		{"queue outside drop scheduler queues", "eth0/lo/data", 5000, ErrInvalid},
		{"queue of another leaf", "eth0/lo/data", 4096, ErrBusy},
		{"unknown node", "eth0/lo/nope", 4099, ErrNotFound},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.ErrorIs(t, inst.AddInputQueue(tc.path, tc.queue), tc.expect)
			require.Equal(t, StateStarted, inst.State())
			require.Equal(t, 3, sim.EnabledPorts())
		})
	}

	require.NoError(t, inst.RemoveInputQueue("eth0/lo/data", 4097))
	queues, err = inst.InputQueues("eth0/lo/data")
	require.NoError(t, err)
	require.Equal(t, []int{4098}, queues)
	require.Equal(t, uint32(0), sim.ActiveField(shadow.DropQueue, 1, shadow.DropQValid))
	require.Equal(t, uint32(1), sim.ActiveField(shadow.DropQueue, 2, shadow.DropQValid))
	used, _ = inst.Usage(shadow.DropQueue)
	require.Equal(t, 2, used)

	require.ErrorIs(t, inst.RemoveInputQueue("eth0/lo/data", 4097), ErrNotFound)
	require.ErrorIs(t, inst.RemoveInputQueue("eth0/lo/data", 4098), ErrInvalid)
	require.Equal(t, StateStarted, inst.State())
}

func TestInputQueuesWhileStopped(t *testing.T) {
	inst, sim := newInstance(t, testSpec(blendedTree()))

	require.NoError(t, inst.AddInputQueue("eth0/hi/voice", 4100))
	require.Empty(t, sim.Commands())
	require.Equal(t, StateAllocated, inst.State())

	voice := nodeInfo(t, inst, "eth0/hi/voice")
	require.Equal(t, []InputQueueInfo{{Queue: 4096, DropQueue: 0}, {Queue: 4100, DropQueue: 4}}, voice.InputQueues)

	require.NoError(t, inst.Program())
	require.Equal(t, uint32(1), sim.ActiveField(shadow.DropQueue, 4, shadow.DropQValid))
}

func TestSetDropPolicy(t *testing.T) {
	inst, sim := newInstance(t, testSpec(blendedTree()))
	require.NoError(t, inst.Program())

	require.NoError(t, inst.SetDropPolicy("tail", cfgapi.DropPolicy{Limit: 1000}))
	require.Equal(t, uint32(1000), sim.ActiveField(shadow.DropConfig, 3, shadow.DropCfgTailThresh))

	// red is not in use, so it has no profile to sync
	sim.ResetCommands()
	require.NoError(t, inst.SetDropPolicy("red", cfgapi.DropPolicy{PacketUnits: true}))
	require.Empty(t, sim.Commands())

	require.ErrorIs(t, inst.SetDropPolicy("tail", cfgapi.DropPolicy{PacketUnits: true}), ErrInvalid)
	require.ErrorIs(t, inst.SetDropPolicy("nope", cfgapi.DropPolicy{}), ErrNotFound)
	require.Equal(t, uint32(1000), sim.ActiveField(shadow.DropConfig, 3, shadow.DropCfgTailThresh))
}
