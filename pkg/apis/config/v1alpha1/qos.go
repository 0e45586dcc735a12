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

package v1alpha1

import (
	"fmt"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/containers/qmss-qos/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/qmss-qos/pkg/apis/config/v1alpha1/log"
)

const (
	// DefaultTicksPerSec is the default firmware timer rate.
	DefaultTicksPerSec = 10000
	// DefaultStatsInterval is the default statistics refresh interval.
	DefaultStatsInterval = 10 * time.Second
	// MaxSlots bounds the absolute slot indices of every resource range.
	// Firmware commands and profile links carry 8-bit indices.
	MaxSlots = 256
	// MaxQueues bounds the hardware queue numbers of a range.
	MaxQueues = 1 << 16
)

// QosRange is the configuration of the QoS scheduler of one firmware instance.
// +kubebuilder:object:root=true
type QosRange struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec QosRangeSpec `json:"spec"`
}

// QosRangeSpec describes the firmware resources and the policy of a range.
type QosRangeSpec struct {
	// FirmwareID identifies the firmware instance running the range.
	FirmwareID int `json:"firmwareId"`
	// InputsPerPort is the number of inputs of one scheduler port.
	// +kubebuilder:validation:Minimum=1
	InputsPerPort int `json:"inputsPerPort"`
	// Scheduler carries the firmware scheduler parameters.
	Scheduler SchedulerConfig `json:"scheduler"`
	// TicksPerSec is the firmware timer rate.
	// +optional
	// +kubebuilder:default=10000
	TicksPerSec uint32 `json:"ticksPerSec,omitempty"`
	// ClockRate is the firmware clock rate in Hz.
	ClockRate uint64 `json:"clockRate"`
	// Queues is the hardware queue range reserved for the range.
	Queues QueueRange `json:"queues"`
	// SchedPorts, DropConfigs, DropOutputs and DropQueues are the firmware
	// slot ranges of the corresponding resource classes.
	SchedPorts  ShadowRange `json:"schedPorts"`
	DropConfigs ShadowRange `json:"dropConfigs"`
	DropOutputs ShadowRange `json:"dropOutputs"`
	DropQueues  ShadowRange `json:"dropQueues"`
	// Statistics is the statistics block range.
	Statistics StatsRange `json:"statistics"`
	// CommandTimeout bounds the wait for firmware command completion.
	// +optional
	CommandTimeout metav1.Duration `json:"commandTimeout,omitempty"`
	// CommandDelay is the delay between command status polls.
	// +optional
	CommandDelay metav1.Duration `json:"commandDelay,omitempty"`
	// StatsInterval is the statistics refresh interval.
	// +optional
	// +kubebuilder:default="10s"
	StatsInterval metav1.Duration `json:"statsInterval,omitempty"`
	// DropPolicies are the named drop policies. Exactly one is the default.
	DropPolicies []DropPolicy `json:"dropPolicies"`
	// Trees are the scheduling policy trees.
	Trees []Node `json:"trees"`
	// +optional
	Log log.Config `json:"log,omitempty"`
	// +optional
	Instrumentation instrumentation.Config `json:"instrumentation,omitempty"`
}

// SchedulerConfig carries the global firmware scheduler parameters.
type SchedulerConfig struct {
	// IntNum is the interrupt number used by the firmware.
	// +optional
	IntNum uint32 `json:"intNum,omitempty"`
	// QosTicks is the number of timer ticks per QoS scheduler pass.
	QosTicks uint8 `json:"qosTicks"`
	// DropTicks is the number of timer ticks per drop scheduler pass.
	DropTicks uint8 `json:"dropTicks"`
	// Seeds are the random number generator seeds of the drop scheduler.
	// +optional
	Seeds [3]uint32 `json:"seeds,omitempty"`
}

// QueueRange is a range of hardware queues.
type QueueRange struct {
	Base  int `json:"base"`
	Count int `json:"count"`
}

// ShadowRange is a firmware slot range with its element size in bytes.
type ShadowRange struct {
	Start int `json:"start"`
	Count int `json:"count"`
	Size  int `json:"size"`
}

// StatsRange is a statistics block range.
type StatsRange struct {
	Start int `json:"start"`
	Count int `json:"count"`
}

// DropPolicy is a named congestion drop policy.
type DropPolicy struct {
	Name string `json:"name"`
	// Default marks the policy used by leaves without an inherited policy.
	// +optional
	Default bool `json:"default,omitempty"`
	// PacketUnits selects packet accounting, bytes are used otherwise.
	// +optional
	PacketUnits bool `json:"packetUnits,omitempty"`
	// Limit is the tail drop threshold.
	// +optional
	Limit uint32 `json:"limit,omitempty"`
	// RED enables random early detection.
	// +optional
	RED *REDConfig `json:"red,omitempty"`
}

// REDConfig are the random early detection parameters of a drop policy.
type REDConfig struct {
	Low uint32 `json:"low"`
	// +optional
	High *uint32 `json:"high,omitempty"`
	// MaxDropProbability is a percentage in [0, 100).
	// +optional
	MaxDropProbability *uint32 `json:"maxDropProbability,omitempty"`
	// HalfLife is the averaging half-life in milliseconds.
	// +optional
	HalfLife *uint32 `json:"halfLife,omitempty"`
}

// Node is a node of a scheduling policy tree. At most one of
// StrictPriority, WeightedRoundRobin and Blended may be set. Nodes with
// none of them are default (FIFO) nodes, and leaves must be default nodes.
type Node struct {
	Name string `json:"name"`
	// +optional
	StrictPriority bool `json:"strictPriority,omitempty"`
	// +optional
	WeightedRoundRobin bool `json:"weightedRoundRobin,omitempty"`
	// +optional
	Blended bool `json:"blended,omitempty"`
	// Priority is the scheduling priority under a strict priority or
	// blended parent. Lower values are scheduled first.
	// +optional
	Priority *uint32 `json:"priority,omitempty"`
	// Weight is the share under a weighted round robin or blended parent.
	// +optional
	Weight *uint32 `json:"weight,omitempty"`
	// LowPriority is the priority among the lowest class of a blended parent.
	// +optional
	LowPriority *uint32 `json:"lowPriority,omitempty"`
	// +optional
	ByteUnits bool `json:"byteUnits,omitempty"`
	// +optional
	PacketUnits bool `json:"packetUnits,omitempty"`
	// OutputQueue is the hardware queue fed by a root node.
	// +optional
	OutputQueue *int `json:"outputQueue,omitempty"`
	// OverheadBytes is added to (or if negative, removed from) each packet.
	// +optional
	OverheadBytes *int `json:"overheadBytes,omitempty"`
	// OutputRate is the rate limit in bytes or packets per second.
	// +optional
	OutputRate *uint32 `json:"outputRate,omitempty"`
	// BurstSize is the burst allowance in bytes or packets.
	// +optional
	BurstSize *uint32 `json:"burstSize,omitempty"`
	// +optional
	DropPolicy string `json:"dropPolicy,omitempty"`
	// StatsClass names the statistics bucket of a leaf.
	// +optional
	StatsClass string `json:"statsClass,omitempty"`
	// InputQueues are the hardware queues feeding a leaf.
	// +optional
	InputQueues []int `json:"inputQueues,omitempty"`
	// +optional
	Children []Node `json:"children,omitempty"`
}

// Validate checks the structural consistency of the range configuration.
// Policy tree semantics are checked when the tree is compiled.
func (s *QosRangeSpec) Validate() error {
	if s == nil {
		return fmt.Errorf("config: missing QoS range spec")
	}
	if s.InputsPerPort <= 0 || s.InputsPerPort > 255 {
		return fmt.Errorf("config: invalid inputsPerPort %d", s.InputsPerPort)
	}
	if s.ClockRate == 0 {
		return fmt.Errorf("config: missing clockRate")
	}
	if err := s.Log.Validate(); err != nil {
		return err
	}
	if s.Queues.Base < 0 || s.Queues.Count <= 0 {
		return fmt.Errorf("config: invalid queue range %d+%d", s.Queues.Base, s.Queues.Count)
	}
	if s.Queues.Base+s.Queues.Count > MaxQueues {
		return fmt.Errorf("config: queue range %d+%d beyond queue %d", s.Queues.Base, s.Queues.Count, MaxQueues-1)
	}
	for name, r := range map[string]ShadowRange{
		"schedPorts":  s.SchedPorts,
		"dropConfigs": s.DropConfigs,
		"dropOutputs": s.DropOutputs,
		"dropQueues":  s.DropQueues,
	} {
		if r.Start < 0 || r.Count <= 0 {
			return fmt.Errorf("config: %s: invalid range %d+%d", name, r.Start, r.Count)
		}
		if r.Start+r.Count > MaxSlots {
			return fmt.Errorf("config: %s: range %d+%d beyond slot %d", name, r.Start, r.Count, MaxSlots-1)
		}
		if r.Size <= 0 || r.Size%4 != 0 {
			return fmt.Errorf("config: %s: size %d is not a positive multiple of 4", name, r.Size)
		}
	}
	if s.Statistics.Start < 0 || s.Statistics.Count <= 0 {
		return fmt.Errorf("config: statistics: invalid range %d+%d", s.Statistics.Start, s.Statistics.Count)
	}
	if s.Statistics.Start+s.Statistics.Count > MaxSlots {
		return fmt.Errorf("config: statistics: range %d+%d beyond slot %d",
			s.Statistics.Start, s.Statistics.Count, MaxSlots-1)
	}
	if len(s.DropPolicies) == 0 {
		return fmt.Errorf("config: no drop policies")
	}
	if len(s.Trees) == 0 {
		return fmt.Errorf("config: no policy trees")
	}
	return nil
}

// GetTicksPerSec returns the firmware timer rate, or its default.
func (s *QosRangeSpec) GetTicksPerSec() uint32 {
	if s.TicksPerSec == 0 {
		return DefaultTicksPerSec
	}
	return s.TicksPerSec
}

// GetStatsInterval returns the statistics refresh interval, or its default.
func (s *QosRangeSpec) GetStatsInterval() time.Duration {
	if s.StatsInterval.Duration <= 0 {
		return DefaultStatsInterval
	}
	return s.StatsInterval.Duration
}
