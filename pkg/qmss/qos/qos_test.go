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
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/qmss-qos/pkg/apis/config/v1alpha1"
	"github.com/containers/qmss-qos/pkg/qmss/firmware"
	"github.com/containers/qmss-qos/pkg/qmss/firmware/simulator"
	. "github.com/containers/qmss-qos/pkg/qmss/qos"
	"github.com/containers/qmss-qos/pkg/qmss/shadow"
)

func TestCompileBlendedTree(t *testing.T) {
	inst, _ := newInstance(t, testSpec(blendedTree()))
	require.Equal(t, StateAllocated, inst.State())

	used, total := inst.Usage(shadow.SchedPort)
	require.Equal(t, 3, used)
	require.Equal(t, 16, total)
	used, _ = inst.Usage(shadow.DropQueue)
	require.Equal(t, 2, used)
	used, _ = inst.Usage(shadow.DropOutput)
	require.Equal(t, 2, used)

	dropSched, qosSched := inst.QueueBases()
	require.Equal(t, 4096, dropSched)
	require.Equal(t, qosBase, qosSched)

	root := nodeInfo(t, inst, "eth0")
	require.Equal(t, KindBlended, root.Kind)
	require.Equal(t, 15, root.Port)
	require.Equal(t, rootQueue, root.OutputQueue)
	require.Equal(t, []string{"hi", "lo"}, root.Children)

	hi := nodeInfo(t, inst, "eth0/hi")
	require.Equal(t, 14, hi.Port)
	require.Equal(t, 0, hi.ParentInput)
	require.Equal(t, qosBase+15*4+0, hi.OutputQueue)

	lo := nodeInfo(t, inst, "eth0/lo")
	require.Equal(t, 13, lo.Port)
	require.Equal(t, 1, lo.ParentInput)
	require.Equal(t, qosBase+15*4+1, lo.OutputQueue)

	voice := nodeInfo(t, inst, "eth0/hi/voice")
	require.Equal(t, -1, voice.Port)
	require.Equal(t, qosBase+14*4, voice.OutputQueue)
	require.Equal(t, "tail", voice.DropPolicy)
	require.Equal(t, "voice", voice.StatsClass)
	require.Equal(t, []InputQueueInfo{{Queue: 4096, DropQueue: 0}}, voice.InputQueues)

	data := nodeInfo(t, inst, "eth0/lo/data")
	require.Equal(t, DefaultStatsClass, data.StatsClass)
	require.Equal(t, []InputQueueInfo{{Queue: 4097, DropQueue: 1}}, data.InputQueues)

	require.Equal(t, []string{"default", "voice"}, inst.StatsClasses())

	_, err := inst.Node("eth0/nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInit(t *testing.T) {
	inst, sim := newInstance(t, testSpec(blendedTree()))
	require.NoError(t, inst.Init())

	require.Equal(t, uint32(simulator.DefaultVersion), inst.Version())
	require.Equal(t, 4096, sim.QueueBase(true))
	require.Equal(t, qosBase, sim.QueueBase(false))
	require.Equal(t, uint32(350000000/10000/2), sim.TimerConfig())
	require.Equal(t, []uint32{10<<8 | 1, 1, 2, 3}, sim.DropSchedulerConfig())

	// defaults of unused slots
	for idx := 0; idx < 15; idx++ {
		require.Equal(t, uint32(DefaultOverheadBytes), sim.ActiveField(shadow.SchedPort, idx, shadow.PortOverhead))
		require.Equal(t, uint32(0), sim.ActiveField(shadow.SchedPort, idx, shadow.PortRemove))
	}
	for idx := 0; idx < 3; idx++ {
		require.Equal(t, uint32(math.MaxUint32), sim.ActiveField(shadow.DropConfig, idx, shadow.DropCfgTailThresh))
	}
	for _, c := range shadow.Classes() {
		require.False(t, inst.IsDirty(c, 0), "%s slot 0 left dirty", c)
	}

	// only the default policy is in use
	used, _ := inst.Usage(shadow.DropConfig)
	require.Equal(t, 1, used)
	require.Equal(t, uint32(65536), sim.ActiveField(shadow.DropConfig, 3, shadow.DropCfgTailThresh))
	require.Equal(t, uint32(1), sim.ActiveField(shadow.DropConfig, 3, shadow.DropCfgUnitFlags))
	require.Equal(t, uint32(shadow.ModeTailDrop), sim.ActiveField(shadow.DropConfig, 3, shadow.DropCfgMode))
}

func TestInitForeignFirmware(t *testing.T) {
	spec := testSpec(blendedTree())
	sim := simulatorFor(t, spec, func(cfg *simulator.Config) { cfg.NoDropScheduler = true })
	inst, err := NewInstance(spec, sim, WithoutStatsTimer())
	require.NoError(t, err)

	require.ErrorIs(t, inst.Init(), firmware.ErrNoDropScheduler)
	require.ErrorIs(t, inst.Start(), firmware.ErrNoDropScheduler)
	require.Equal(t, StateAllocated, inst.State())
}

func TestStartStop(t *testing.T) {
	inst, sim := newInstance(t, testSpec(blendedTree()))

	require.NoError(t, inst.Start())
	require.Equal(t, StateStarted, inst.State())
	require.Equal(t, 3, sim.EnabledPorts())
	require.True(t, sim.PortEnabled(15))
	require.True(t, sim.PortEnabled(14))
	require.True(t, sim.PortEnabled(13))
	require.True(t, sim.DropSchedulerEnabled())

	root := sim.Active(shadow.SchedPort, 15)
	field := func(f shadow.Field) uint32 {
		v, err := f.Get(root)
		require.NoError(t, err)
		return v
	}
	require.Equal(t, uint32(shadow.UnitWrrBytes|shadow.UnitCirBytes|shadow.UnitCongBytes), field(shadow.PortUnitFlags))
	require.Equal(t, uint32(1), field(shadow.PortGroupCount))
	require.Equal(t, uint32(rootQueue), field(shadow.PortOutQueue))
	require.Equal(t, uint32(DefaultOverheadBytes), field(shadow.PortOverhead))
	require.Equal(t, uint32(2), field(shadow.PortTotalQCount))
	require.Equal(t, uint32(2), field(shadow.PortSpQCount))
	require.Equal(t, uint32(0), field(shadow.PortWrrQCount))
	require.Equal(t, uint32(MaxCredits), field(shadow.PortCirCredit))
	require.Equal(t, uint32(0), field(shadow.PortCirMax))

	require.Equal(t, uint32(0xf), sim.ActiveField(shadow.SchedPort, 14, shadow.PortUnitFlags))
	require.Equal(t, uint32(1), sim.ActiveField(shadow.SchedPort, 14, shadow.PortTotalQCount))

	// leaf drop resources
	voice := nodeInfo(t, inst, "eth0/hi/voice")
	require.Equal(t, uint32(voice.OutputQueue), sim.ActiveField(shadow.DropOutput, voice.DropOutput, shadow.DropOutQueueNumber))
	require.Equal(t, uint32(1), sim.ActiveField(shadow.DropOutput, voice.DropOutput, shadow.DropOutEnable))
	require.Equal(t, uint32(3), sim.ActiveField(shadow.DropOutput, voice.DropOutput, shadow.DropOutCfgProfIdx))
	require.Equal(t, uint32(voice.DropOutput), sim.ActiveField(shadow.DropQueue, 0, shadow.DropQOutProfIdx))
	require.Equal(t, uint32(1), sim.ActiveField(shadow.DropQueue, 0, shadow.DropQValid))
	require.Equal(t, uint32(1), sim.ActiveField(shadow.DropQueue, 1, shadow.DropQValid))

	// starting again is a no-op
	sim.ResetCommands()
	require.NoError(t, inst.Start())
	require.Empty(t, sim.Commands())

	require.NoError(t, inst.Stop())
	require.Equal(t, StateStopped, inst.State())
	require.Equal(t, 0, sim.EnabledPorts())
	require.False(t, sim.DropSchedulerEnabled())
	require.Equal(t, uint32(0xf), sim.ActiveField(shadow.SchedPort, 15, shadow.PortUnitFlags))
	require.Equal(t, uint32(1), sim.ActiveField(shadow.SchedPort, 15, shadow.PortCongThresh(0)))
	require.Equal(t, uint32(0), sim.ActiveField(shadow.SchedPort, 15, shadow.PortCirCredit))
	require.Equal(t, uint32(0), sim.ActiveField(shadow.SchedPort, 15, shadow.PortOutQueue))
	require.Equal(t, uint32(0), sim.ActiveField(shadow.DropQueue, 0, shadow.DropQValid))
	require.Equal(t, uint32(0), sim.ActiveField(shadow.DropOutput, voice.DropOutput, shadow.DropOutEnable))
	require.Equal(t, uint32(0), sim.ActiveField(shadow.DropOutput, voice.DropOutput, shadow.DropOutQueueNumber))

	// stopping again is a no-op
	sim.ResetCommands()
	require.NoError(t, inst.Stop())
	require.Empty(t, sim.Commands())

	// restarting reprograms
	require.NoError(t, inst.Start())
	require.Equal(t, 3, sim.EnabledPorts())
	require.Equal(t, uint32(rootQueue), sim.ActiveField(shadow.SchedPort, 15, shadow.PortOutQueue))
	require.Equal(t, uint32(1), sim.ActiveField(shadow.DropQueue, 0, shadow.DropQValid))

	require.NoError(t, inst.Close())
	require.Equal(t, StateFreed, inst.State())
	require.Equal(t, 0, sim.EnabledPorts())
	for _, c := range shadow.Classes() {
		used, _ := inst.Usage(c)
		require.Zero(t, used, "%s slots still allocated", c)
	}

	require.ErrorIs(t, inst.Program(), ErrState)
	require.NoError(t, inst.Close())
}

func TestProgramLeavesPortsDisabled(t *testing.T) {
	inst, sim := newInstance(t, testSpec(blendedTree()))

	require.NoError(t, inst.Program())
	require.Equal(t, StateProgrammed, inst.State())
	require.Equal(t, 0, sim.EnabledPorts())
	require.False(t, sim.DropSchedulerEnabled())
	require.Equal(t, uint32(rootQueue), sim.ActiveField(shadow.SchedPort, 15, shadow.PortOutQueue))
	require.False(t, inst.IsDirty(shadow.SchedPort, 15))
}

func TestJointPort(t *testing.T) {
	inst, sim := newInstance(t, testSpec(wrrTree(1, 1, 1, 1, 1, 1)))

	root := nodeInfo(t, inst, "eth0")
	require.Equal(t, 14, root.Port)
	require.Equal(t, 15, root.OddPort)

	for i, name := range []string{"a", "b", "c", "d", "e", "f"} {
		leaf := nodeInfo(t, inst, "eth0/"+name)
		port, input := 14, i
		if i >= 4 {
			port, input = 15, i-4
		}
		require.Equal(t, qosBase+port*4+input, leaf.OutputQueue, "leaf %s", name)
	}

	require.NoError(t, inst.Start())
	require.True(t, sim.PortEnabled(14))
	require.False(t, sim.PortEnabled(15))
	require.Equal(t, 1, sim.EnabledPorts())

	even := uint32(shadow.UnitWrrBytes | shadow.UnitCirBytes | shadow.UnitCongBytes | shadow.UnitIsJoint)
	require.Equal(t, even, sim.ActiveField(shadow.SchedPort, 14, shadow.PortUnitFlags))
	require.Equal(t, uint32(6), sim.ActiveField(shadow.SchedPort, 14, shadow.PortTotalQCount))
	require.Equal(t, uint32(6), sim.ActiveField(shadow.SchedPort, 14, shadow.PortWrrQCount))

	require.Equal(t, uint32(shadow.UnitIsJoint), sim.ActiveField(shadow.SchedPort, 15, shadow.PortUnitFlags))
	require.Equal(t, uint32(2), sim.ActiveField(shadow.SchedPort, 15, shadow.PortTotalQCount))
	require.Equal(t, uint32(0), sim.ActiveField(shadow.SchedPort, 15, shadow.PortSpQCount))
	require.Equal(t, uint32(2), sim.ActiveField(shadow.SchedPort, 15, shadow.PortWrrQCount))

	for q := 0; q < 4; q++ {
		require.Equal(t, uint32(ByteNormalization), sim.ActiveField(shadow.SchedPort, 14, shadow.PortWrrCredit(q)))
	}
	for q := 0; q < 2; q++ {
		require.Equal(t, uint32(ByteNormalization), sim.ActiveField(shadow.SchedPort, 15, shadow.PortWrrCredit(q)))
	}

	require.NoError(t, inst.Close())
	used, _ := inst.Usage(shadow.SchedPort)
	require.Zero(t, used)
}

func TestRedPolicy(t *testing.T) {
	tree := wrrTree(1)
	tree.Children[0].DropPolicy = "red"
	inst, sim := newInstance(t, testSpec(tree))
	require.NoError(t, inst.Program())

	// tail is the default and gets the first profile, red the next one
	require.Equal(t, uint32(shadow.ModeRED), sim.ActiveField(shadow.DropConfig, 2, shadow.DropCfgMode))
	require.Equal(t, uint32(32768), sim.ActiveField(shadow.DropConfig, 2, shadow.DropCfgRedLow))
	require.Equal(t, uint32(65536), sim.ActiveField(shadow.DropConfig, 2, shadow.DropCfgRedHigh))
	require.Equal(t, uint32(5), sim.ActiveField(shadow.DropConfig, 2, shadow.DropCfgTimeConst))
	require.Equal(t, uint32(4194304), sim.ActiveField(shadow.DropConfig, 2, shadow.DropCfgThreshRecip))

	leaf := nodeInfo(t, inst, "eth0/a")
	require.Equal(t, "red", leaf.DropPolicy)
	require.Equal(t, uint32(2), sim.ActiveField(shadow.DropOutput, leaf.DropOutput, shadow.DropOutCfgProfIdx))
	require.Equal(t, uint32(2<<16/100), sim.ActiveField(shadow.DropOutput, leaf.DropOutput, shadow.DropOutRedProb))
}

func TestInheritedDropPolicy(t *testing.T) {
	tree := cfgapi.Node{
		Name:               "eth0",
		WeightedRoundRobin: true,
		OutputQueue:        ptr(rootQueue),
		Children: []cfgapi.Node{
			{
				Name:       "bulk",
				Weight:     ptr(uint32(1)),
				DropPolicy: "red",
				Children: []cfgapi.Node{
					{Name: "web", InputQueues: []int{4100, 4101}},
				},
			},
		},
	}
	inst, _ := newInstance(t, testSpec(tree))

	bulk := nodeInfo(t, inst, "eth0/bulk")
	web := nodeInfo(t, inst, "eth0/bulk/web")
	require.Equal(t, "red", bulk.DropPolicy)
	require.Empty(t, web.DropPolicy)
	require.Equal(t, bulk.DropOutput, web.DropOutput)
	require.Equal(t, bulk.OutputQueue, web.OutputQueue)
	require.Equal(t, []InputQueueInfo{{Queue: 4100, DropQueue: 4}, {Queue: 4101, DropQueue: 5}}, web.InputQueues)

	used, _ := inst.Usage(shadow.DropOutput)
	require.Equal(t, 1, used)
}

func TestRateClamp(t *testing.T) {
	spec := testSpec(blendedTree())
	spec.TicksPerSec = 1000
	spec.Trees[0].OutputRate = ptr(uint32(2000000000))
	inst, sim := newInstance(t, spec)
	require.NoError(t, inst.Program())

	require.Equal(t, uint32(MaxCredits), sim.ActiveField(shadow.SchedPort, 15, shadow.PortCirCredit))
	require.Equal(t, uint32(0), sim.ActiveField(shadow.SchedPort, 15, shadow.PortCirMax))
	require.Equal(t, uint32(2000000+1), sim.ActiveField(shadow.SchedPort, 14, shadow.PortOutThrottle))
	require.Equal(t, uint32(0), sim.ActiveField(shadow.SchedPort, 15, shadow.PortOutThrottle))
}

func TestPullRoundTrip(t *testing.T) {
	spec := testSpec(blendedTree())
	spec.Trees[0].OutputRate = ptr(uint32(1000000))
	inst, sim := newInstance(t, spec)
	require.NoError(t, inst.Program())

	credit := uint32((1000000 << CreditsByteShift) / 10000)
	v, err := inst.ReadField(shadow.SchedPort, 15, shadow.PortCirCredit)
	require.NoError(t, err)
	require.Equal(t, credit, v)

	require.NoError(t, inst.Pull(shadow.SchedPort, 15))
	v, err = inst.ReadField(shadow.SchedPort, 15, shadow.PortCirCredit)
	require.NoError(t, err)
	require.Equal(t, credit, v)

	require.NoError(t, sim.SetActiveField(shadow.SchedPort, 15, shadow.PortCirCredit, 777))
	require.NoError(t, inst.Pull(shadow.SchedPort, 15))
	v, err = inst.ReadField(shadow.SchedPort, 15, shadow.PortCirCredit)
	require.NoError(t, err)
	require.Equal(t, uint32(777), v)

	voice := nodeInfo(t, inst, "eth0/hi/voice")
	require.NoError(t, inst.Pull(shadow.DropOutput, voice.DropOutput))
	v, err = inst.ReadField(shadow.DropOutput, voice.DropOutput, shadow.DropOutQueueNumber)
	require.NoError(t, err)
	require.Equal(t, uint32(voice.OutputQueue), v)

	_, err = inst.ReadField(shadow.SchedPort, 0, shadow.PortCirCredit)
	require.ErrorIs(t, err, shadow.ErrNotAllocated)
	require.ErrorIs(t, inst.Pull(shadow.Statistics, 0), ErrInvalid)
}

func TestWriteField(t *testing.T) {
	inst, sim := newInstance(t, testSpec(blendedTree()))
	require.NoError(t, inst.Program())

	require.NoError(t, inst.WriteField(shadow.SchedPort, 15, shadow.PortOverhead, 7, false))
	require.True(t, inst.IsDirty(shadow.SchedPort, 15))
	require.Equal(t, uint32(DefaultOverheadBytes), sim.ActiveField(shadow.SchedPort, 15, shadow.PortOverhead))

	require.NoError(t, inst.PushDirty(shadow.SchedPort))
	require.False(t, inst.IsDirty(shadow.SchedPort, 15))
	require.Equal(t, uint32(7), sim.ActiveField(shadow.SchedPort, 15, shadow.PortOverhead))

	require.NoError(t, inst.WriteField(shadow.SchedPort, 15, shadow.PortOverhead, 9, true))
	require.False(t, inst.IsDirty(shadow.SchedPort, 15))
	require.Equal(t, uint32(9), sim.ActiveField(shadow.SchedPort, 15, shadow.PortOverhead))

	require.ErrorIs(t, inst.WriteField(shadow.SchedPort, 0, shadow.PortOverhead, 1, true), shadow.ErrNotAllocated)
	require.ErrorIs(t, inst.WriteField(shadow.SchedPort, 15, shadow.PortOverhead, 256, true), shadow.ErrFieldRange)
	require.ErrorIs(t, inst.WriteField(shadow.Statistics, 0, shadow.PortOverhead, 1, false), ErrInvalid)
}

func TestStartWithUnsyncedWrites(t *testing.T) {
	inst, sim := newInstance(t, testSpec(blendedTree()))
	require.NoError(t, inst.Program())

	require.NoError(t, inst.WriteField(shadow.SchedPort, 15, shadow.PortOverhead, 7, false))
	err := inst.Start()
	require.ErrorIs(t, err, ErrBusy)
	require.True(t, IsBusy(err))
	require.Equal(t, StateProgrammed, inst.State())
	require.Equal(t, 0, sim.EnabledPorts())

	require.NoError(t, inst.PushDirty(shadow.SchedPort))
	require.NoError(t, inst.Start())
	require.Equal(t, 3, sim.EnabledPorts())
}

func TestDropQueueRangeOffset(t *testing.T) {
	tree := blendedTree()
	tree.Children[0].Children[0].InputQueues = []int{4105}
	tree.Children[1].Children[0].InputQueues = []int{4104}
	spec := testSpec(tree)
	spec.DropQueues = cfgapi.ShadowRange{Start: 8, Count: 56, Size: shadow.DropQSize}

	inst, sim := newInstance(t, spec)
	dropBase, schedBase := inst.QueueBases()
	require.Equal(t, 4096, dropBase)
	require.Equal(t, qosBase, schedBase)

	voice := nodeInfo(t, inst, "eth0/hi/voice")
	require.Equal(t, []InputQueueInfo{{Queue: 4104, DropQueue: 0}}, voice.InputQueues)

	require.NoError(t, inst.Start())
	require.Equal(t, uint32(1), sim.ActiveField(shadow.DropQueue, 8, shadow.DropQValid))
	require.Equal(t, uint32(1), sim.ActiveField(shadow.DropQueue, 9, shadow.DropQValid))
	require.Equal(t, uint32(0), sim.ActiveField(shadow.DropQueue, 0, shadow.DropQValid))

	require.ErrorIs(t, inst.AddInputQueue("eth0/hi/voice", 4100), ErrInvalid)
	require.NoError(t, inst.AddInputQueue("eth0/hi/voice", 4110))
	require.Equal(t, uint32(1), sim.ActiveField(shadow.DropQueue, 14, shadow.DropQValid))
}

func TestCommandFailures(t *testing.T) {
	inst, sim := newInstance(t, testSpec(blendedTree()))
	require.NoError(t, inst.Program())

	sim.Hang(1)
	err := inst.SetOverheadBytes("eth0", 10)
	require.Error(t, err)
	require.True(t, IsBusy(err))
	require.ErrorIs(t, err, firmware.ErrBusy)
	require.True(t, inst.IsDirty(shadow.SchedPort, 15))
	require.Equal(t, uint32(DefaultOverheadBytes), sim.ActiveField(shadow.SchedPort, 15, shadow.PortOverhead))

	require.NoError(t, inst.PushDirty(shadow.SchedPort))
	require.False(t, inst.IsDirty(shadow.SchedPort, 15))
	require.Equal(t, uint32(10), sim.ActiveField(shadow.SchedPort, 15, shadow.PortOverhead))

	sim.Fail(1)
	err = inst.SetOverheadBytes("eth0", -10)
	require.ErrorIs(t, err, ErrProtocol)
	require.False(t, IsBusy(err))
	require.True(t, inst.IsDirty(shadow.SchedPort, 15))

	require.NoError(t, inst.Push(shadow.SchedPort, 15))
	require.Equal(t, uint32(0), sim.ActiveField(shadow.SchedPort, 15, shadow.PortOverhead))
	require.Equal(t, uint32(10), sim.ActiveField(shadow.SchedPort, 15, shadow.PortRemove))
}

func TestAcquireRelease(t *testing.T) {
	inst, sim := newInstance(t, testSpec(blendedTree()))

	require.NoError(t, inst.Acquire())
	require.NoError(t, inst.Acquire())
	require.Equal(t, StateStarted, inst.State())
	require.NoError(t, inst.Release())
	require.Equal(t, StateStarted, inst.State())
	require.Equal(t, 3, sim.EnabledPorts())
	require.NoError(t, inst.Release())
	require.Equal(t, StateStopped, inst.State())
	require.Equal(t, 0, sim.EnabledPorts())
	require.ErrorIs(t, inst.Release(), ErrState)
}

func TestNormalizeWRR(t *testing.T) {
	type testCase struct {
		name    string
		weights []uint32
		acct    Accounting
		expect  []uint32
		warn    bool
	}
	for _, tc := range []*testCase{
		{
			name:    "equal weights",
			weights: []uint32{1, 1, 1},
			expect:  []uint32{ByteNormalization, ByteNormalization, ByteNormalization},
		},
		{
			name:    "proportional",
			weights: []uint32{2, 6, 3},
			expect:  []uint32{ByteNormalization, 3 * ByteNormalization, 3 * ByteNormalization / 2},
		},
		{
			name:    "packets",
			weights: []uint32{1, 2},
			acct:    AcctPackets,
			expect:  []uint32{PacketNormalization, 2 * PacketNormalization},
		},
		{
			name:    "wide spread shrinks normalization",
			weights: []uint32{1, 1000000},
			expect:  []uint32{1500, 1500000000},
			warn:    true,
		},
		{
			name:    "largest weights",
			weights: []uint32{1, MaxWeight},
			expect:  []uint32{93, 93 * MaxWeight},
			warn:    true,
		},
		{
			name:    "rounding",
			weights: []uint32{3, 4},
			expect:  []uint32{ByteNormalization, (4*ByteNormalization + 1) / 3},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			credits, warn := NormalizeWRR(tc.weights, tc.acct)
			require.Equal(t, tc.expect, credits)
			require.Equal(t, tc.warn, warn)
			for _, c := range credits {
				require.LessOrEqual(t, c, uint32(MaxCredits))
			}
			again, _ := NormalizeWRR(tc.weights, tc.acct)
			require.Equal(t, credits, again)
		})
	}

	credits, warn := NormalizeWRR(nil, AcctBytes)
	require.Nil(t, credits)
	require.False(t, warn)
}
