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
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/containers/qmss-qos/pkg/qmss/shadow"
)

const (
	// CollectorName is the name of the collector in a metrics registry.
	CollectorName = "qos"
)

var (
	counterDescs = map[shadow.Counter]*prometheus.Desc{
		shadow.BytesForwarded: prometheus.NewDesc(
			"bytes_forwarded_total",
			"Bytes forwarded by the drop scheduler, per stats class.",
			[]string{"firmware", "class"}, nil,
		),
		shadow.BytesDiscarded: prometheus.NewDesc(
			"bytes_discarded_total",
			"Bytes discarded by the drop scheduler, per stats class.",
			[]string{"firmware", "class"}, nil,
		),
		shadow.PacketsForwarded: prometheus.NewDesc(
			"packets_forwarded_total",
			"Packets forwarded by the drop scheduler, per stats class.",
			[]string{"firmware", "class"}, nil,
		),
		shadow.PacketsDiscarded: prometheus.NewDesc(
			"packets_discarded_total",
			"Packets discarded by the drop scheduler, per stats class.",
			[]string{"firmware", "class"}, nil,
		),
	}
	slotsDesc = prometheus.NewDesc(
		"slots",
		"Firmware resource slots, per resource class and allocation state.",
		[]string{"firmware", "resource", "state"}, nil,
	)
	stateDesc = prometheus.NewDesc(
		"state",
		"Lifecycle state of a firmware instance, 1 for the current state.",
		[]string{"firmware", "state"}, nil,
	)
)

// Collector exports the accumulated statistics and resource usage of the
// instances of a Device. Collection does no firmware access.
type Collector struct {
	dev *Device
}

var _ prometheus.Collector = &Collector{}

// NewCollector creates a Collector for a Device.
func NewCollector(dev *Device) *Collector {
	return &Collector{dev: dev}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range counterDescs {
		ch <- d
	}
	ch <- slotsDesc
	ch <- stateDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, inst := range c.dev.Instances() {
		id := strconv.Itoa(inst.ID())

		for class, counters := range inst.StatsSnapshot() {
			values := map[shadow.Counter]uint64{
				shadow.BytesForwarded:   counters.BytesForwarded,
				shadow.BytesDiscarded:   counters.BytesDiscarded,
				shadow.PacketsForwarded: counters.PacketsForwarded,
				shadow.PacketsDiscarded: counters.PacketsDiscarded,
			}
			for counter, v := range values {
				ch <- prometheus.MustNewConstMetric(counterDescs[counter],
					prometheus.CounterValue, float64(v), id, class)
			}
		}

		for _, rc := range shadow.Classes() {
			used, total := inst.Usage(rc)
			ch <- prometheus.MustNewConstMetric(slotsDesc, prometheus.GaugeValue,
				float64(used), id, rc.String(), "allocated")
			ch <- prometheus.MustNewConstMetric(slotsDesc, prometheus.GaugeValue,
				float64(total-used), id, rc.String(), "free")
		}

		current := inst.State()
		for s := StateParsed; s <= StateFreed; s++ {
			v := 0.0
			if s == current {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(stateDesc, prometheus.GaugeValue, v, id, s.String())
		}
	}
}
