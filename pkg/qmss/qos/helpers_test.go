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
	"time"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/qmss-qos/pkg/apis/config/v1alpha1"
	"github.com/containers/qmss-qos/pkg/qmss/firmware/simulator"
	. "github.com/containers/qmss-qos/pkg/qmss/qos"
	"github.com/containers/qmss-qos/pkg/qmss/shadow"
)

const (
	rootQueue = 8010
	qosBase   = 4160
)

func ptr[T any](v T) *T {
	return &v
}

func testSpec(trees ...cfgapi.Node) *cfgapi.QosRangeSpec {
	return &cfgapi.QosRangeSpec{
		FirmwareID:    1,
		InputsPerPort: 4,
		ClockRate:     350000000,
		TicksPerSec:   10000,
		Scheduler: cfgapi.SchedulerConfig{
			QosTicks:  10,
			DropTicks: 1,
			Seeds:     [3]uint32{1, 2, 3},
		},
		Queues:      cfgapi.QueueRange{Base: 4096, Count: 512},
		SchedPorts:  cfgapi.ShadowRange{Start: 0, Count: 16, Size: shadow.PortSize(4)},
		DropConfigs: cfgapi.ShadowRange{Start: 0, Count: 4, Size: shadow.DropCfgSize},
		DropOutputs: cfgapi.ShadowRange{Start: 0, Count: 16, Size: shadow.DropOutSize},
		DropQueues:  cfgapi.ShadowRange{Start: 0, Count: 64, Size: shadow.DropQSize},
		Statistics:  cfgapi.StatsRange{Start: 0, Count: 16},
		DropPolicies: []cfgapi.DropPolicy{
			{Name: "tail", Default: true, Limit: 65536},
			{Name: "red", RED: &cfgapi.REDConfig{Low: 32768}},
		},
		Trees: trees,
	}
}

// blendedTree is a blended root with two strict priority groups, each
// with a single leaf.
func blendedTree() cfgapi.Node {
	return cfgapi.Node{
		Name:        "eth0",
		Blended:     true,
		OutputQueue: ptr(rootQueue),
		Children: []cfgapi.Node{
			{
				Name:           "lo",
				Priority:       ptr(uint32(1)),
				StrictPriority: true,
				Children: []cfgapi.Node{
					{Name: "data", Priority: ptr(uint32(0)), InputQueues: []int{4097}},
				},
			},
			{
				Name:           "hi",
				Priority:       ptr(uint32(0)),
				StrictPriority: true,
				Children: []cfgapi.Node{
					{Name: "voice", Priority: ptr(uint32(0)), StatsClass: "voice", InputQueues: []int{4096}},
				},
			},
		},
	}
}

// wrrTree is a weighted round robin root with leaves of the given weights.
func wrrTree(weights ...uint32) cfgapi.Node {
	root := cfgapi.Node{
		Name:               "eth0",
		WeightedRoundRobin: true,
		OutputQueue:        ptr(rootQueue),
	}
	for i, w := range weights {
		root.Children = append(root.Children, cfgapi.Node{
			Name:        string(rune('a' + i)),
			Weight:      ptr(w),
			InputQueues: []int{4096 + i},
		})
	}
	return root
}

func simulatorFor(t *testing.T, spec *cfgapi.QosRangeSpec, opts ...func(*simulator.Config)) *simulator.Simulator {
	rng := func(r cfgapi.ShadowRange) shadow.Range {
		return shadow.Range{Start: r.Start, Count: r.Count, Size: r.Size}
	}
	cfg := simulator.Config{
		Ranges: map[shadow.Class]shadow.Range{
			shadow.SchedPort:  rng(spec.SchedPorts),
			shadow.DropConfig: rng(spec.DropConfigs),
			shadow.DropOutput: rng(spec.DropOutputs),
			shadow.DropQueue:  rng(spec.DropQueues),
		},
		StatsBlocks: spec.Statistics.Start + spec.Statistics.Count,
	}
	for _, o := range opts {
		o(&cfg)
	}
	sim, err := simulator.New(cfg)
	require.NoError(t, err)
	return sim
}

func newInstance(t *testing.T, spec *cfgapi.QosRangeSpec, opts ...Option) (*Instance, *simulator.Simulator) {
	sim := simulatorFor(t, spec)
	opts = append([]Option{
		WithCommandTimeout(5 * time.Millisecond),
		WithCommandDelay(time.Microsecond),
		WithoutStatsTimer(),
	}, opts...)
	inst, err := NewInstance(spec, sim, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Close() })
	return inst, sim
}

func nodeInfo(t *testing.T, inst *Instance, path string) NodeInfo {
	info, err := inst.Node(path)
	require.NoError(t, err)
	return info
}
