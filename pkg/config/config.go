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

package config

import (
	"os"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"

	cfgapi "github.com/containers/qmss-qos/pkg/apis/config/v1alpha1"
	logger "github.com/containers/qmss-qos/pkg/log"
)

var log = logger.Get("config")

const (
	// Kind is the expected kind of configuration objects.
	Kind = "QosRange"
)

// Load reads and parses the range configuration in the given file.
func Load(path string) (*cfgapi.QosRange, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read configuration file %q", path)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid configuration file %q", path)
	}
	return cfg, nil
}

// Parse parses and validates range configuration.
func Parse(data []byte) (*cfgapi.QosRange, error) {
	cfg := &cfgapi.QosRange{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal configuration")
	}
	if cfg.Kind != "" && cfg.Kind != Kind {
		return nil, errors.Errorf("unexpected configuration kind %q", cfg.Kind)
	}
	if err := cfg.Spec.Validate(); err != nil {
		return nil, err
	}

	log.Debug("parsed configuration %q (firmware #%d, %d trees, %d drop policies)",
		cfg.Name, cfg.Spec.FirmwareID, len(cfg.Spec.Trees), len(cfg.Spec.DropPolicies))

	return cfg, nil
}
