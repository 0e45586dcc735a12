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

package log

import (
	"fmt"
	"strings"

	"github.com/containers/qmss-qos/pkg/apis/config/v1alpha1/log/klogcontrol"
)

// Severity levels accepted by Config.Level.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Config selects what a QoS range controller logs.
// +k8s:deepcopy-gen=true
type Config struct {
	// Level is the lowest severity emitted. Empty means info.
	// +kubebuilder:validation:Enum=debug;info;warn;error
	// +optional
	Level string `json:"level,omitempty"`
	// Debug lists [state:]source entries, such as "on:qos,firmware" or
	// "off:qos-stats". A state applies to all entries following it.
	// +optional
	Debug []string `json:"debug,omitempty"`
	// LogSource prefixes messages with the source of their logger.
	// +optional
	LogSource bool `json:"source,omitempty"`
	// Klog passes flags to the klog backend.
	// +optional
	Klog klogcontrol.Config `json:"klog,omitempty"`
}

// Validate checks the severity level of the configuration.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Level) {
	case "", LevelDebug, LevelInfo, LevelWarn, LevelError:
		return nil
	}
	return fmt.Errorf("config: log: unknown level %q", c.Level)
}
