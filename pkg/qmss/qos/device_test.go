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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	. "github.com/containers/qmss-qos/pkg/qmss/qos"
	"github.com/containers/qmss-qos/pkg/qmss/shadow"
)

func newDevice(t *testing.T) *Device {
	dev := NewDevice()
	for id := 1; id <= 2; id++ {
		spec := testSpec(blendedTree())
		spec.FirmwareID = id
		inst, _ := newInstance(t, spec)
		require.NoError(t, dev.Add(inst))
	}
	return dev
}

func TestDevice(t *testing.T) {
	dev := newDevice(t)

	instances := dev.Instances()
	require.Len(t, instances, 2)
	require.Equal(t, 1, instances[0].ID())
	require.Equal(t, 2, instances[1].ID())

	err := dev.Add(instances[0])
	require.ErrorIs(t, err, ErrBusy)
	require.True(t, IsBusy(err))

	inst, ok := dev.Get(2)
	require.True(t, ok)
	require.Same(t, instances[1], inst)
	_, ok = dev.Get(3)
	require.False(t, ok)

	inst, ok = dev.Remove(1)
	require.True(t, ok)
	require.Same(t, instances[0], inst)
	require.Len(t, dev.Instances(), 1)
	_, ok = dev.Remove(1)
	require.False(t, ok)
	require.NoError(t, dev.Add(inst))

	require.NoError(t, dev.Close())
	require.Empty(t, dev.Instances())
	for _, inst := range instances {
		require.Equal(t, StateFreed, inst.State())
	}
}

func TestDeviceSyncAll(t *testing.T) {
	dev := NewDevice()
	spec := testSpec(blendedTree())
	inst, sim := newInstance(t, spec)
	require.NoError(t, dev.Add(inst))
	require.NoError(t, inst.Program())

	sim.Hang(1)
	require.True(t, IsBusy(inst.SetOverheadBytes("eth0", 0)))
	require.True(t, inst.IsDirty(shadow.SchedPort, 15))

	require.NoError(t, dev.SyncAll(shadow.SchedPort))
	require.False(t, inst.IsDirty(shadow.SchedPort, 15))
	require.Equal(t, uint32(0), sim.ActiveField(shadow.SchedPort, 15, shadow.PortOverhead))

	require.ErrorIs(t, dev.SyncAll(shadow.Statistics), ErrInvalid)
}

func TestCollector(t *testing.T) {
	dev := newDevice(t)
	for _, inst := range dev.Instances() {
		require.NoError(t, inst.Start())
	}

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(NewCollector(dev)))

	families, err := reg.Gather()
	require.NoError(t, err)

	counts := map[string]int{}
	for _, f := range families {
		counts[f.GetName()] = len(f.GetMetric())
	}
	require.Equal(t, map[string]int{
		"bytes_forwarded_total":   4,
		"bytes_discarded_total":   4,
		"packets_forwarded_total": 4,
		"packets_discarded_total": 4,
		"slots":                   2 * 2 * len(shadow.Classes()),
		"state":                   2 * 7,
	}, counts)

	for _, f := range families {
		if f.GetName() != "state" {
			continue
		}
		for _, m := range f.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			expect := 0.0
			if labels["state"] == StateStarted.String() {
				expect = 1
			}
			require.Equal(t, expect, m.GetGauge().GetValue(), "firmware %s state %s",
				labels["firmware"], labels["state"])
		}
	}
}
