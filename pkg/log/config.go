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
	"os"
	"sort"
	"strings"

	cfgapi "github.com/containers/qmss-qos/pkg/apis/config/v1alpha1/log"
	"github.com/containers/qmss-qos/pkg/log/klogcontrol"
)

const (
	// DefaultLevel is the default logging severity level.
	DefaultLevel = LevelInfo
	// debugEnvVar seeds per-source debugging, for instance "on:qos,firmware".
	debugEnvVar = "LOGGER_DEBUG"
	// logSourceEnvVar turns on source prefixing when set.
	logSourceEnvVar = "LOGGER_LOG_SOURCE"
)

// srcmap maps source names or globs to their debug state.
type srcmap map[string]bool

var klogctl = klogcontrol.Get()

// parse updates the srcmap from a comma-separated list of [state:]source
// entries. A state applies to all following entries until the next state.
func (m *srcmap) parse(value string) error {
	if *m == nil {
		*m = make(srcmap)
	}

	state := "on"
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		src := entry
		if s, rest, ok := strings.Cut(entry, ":"); ok {
			if strings.Contains(rest, ":") {
				return loggerError("invalid source map entry %q", entry)
			}
			state, src = strings.TrimSpace(s), strings.TrimSpace(rest)
		}

		enabled, err := parseEnabled(state)
		if err != nil {
			return loggerError("invalid state in source map entry %q: %v", entry, err)
		}
		if src == "all" {
			src = "*"
		}
		(*m)[src] = enabled
	}

	return nil
}

// String returns the srcmap in the same notation parse accepts.
func (m srcmap) String() string {
	var on, off []string
	for src, state := range m {
		if state {
			on = append(on, src)
		} else {
			off = append(off, src)
		}
	}
	sort.Strings(on)
	sort.Strings(off)

	var parts []string
	if len(on) > 0 {
		parts = append(parts, "on:"+strings.Join(on, ","))
	}
	if len(off) > 0 {
		parts = append(parts, "off:"+strings.Join(off, ","))
	}
	return strings.Join(parts, ",")
}

// Configure updates the logging configuration.
func Configure(cfg *cfgapi.Config) error {
	if cfg == nil {
		cfg = &cfgapi.Config{}
	}

	if err := cfg.Validate(); err != nil {
		return loggerError("%w", err)
	}
	level := parseLevel(cfg.Level)

	debugFlags := make(srcmap)
	for _, value := range cfg.Debug {
		if err := debugFlags.parse(value); err != nil {
			deflog.Error("failed to parse debug setting %q: %v", value, err)
			return loggerError("failed to parse debug setting %q: %w", value, err)
		}
	}

	log.Lock()
	log.level = level
	log.setDbgMap(debugFlags)
	log.setPrefix(cfg.LogSource)
	log.Unlock()

	if err := klogctl.Configure(&cfg.Klog); err != nil {
		return err
	}

	verbosity, _ := klogctl.Flag("v")
	deflog.Debug("logger configuration updated: level=%s, debug=%q, source=%v, klog -v=%s",
		level, debugFlags.String(), cfg.LogSource, verbosity)

	return nil
}

// parseLevel maps a validated configuration level to a Level.
func parseLevel(value string) Level {
	switch strings.ToLower(value) {
	case cfgapi.LevelDebug:
		return LevelDebug
	case cfgapi.LevelWarn:
		return LevelWarn
	case cfgapi.LevelError:
		return LevelError
	}
	return DefaultLevel
}

func init() {
	cfg := &cfgapi.Config{
		LogSource: os.Getenv(logSourceEnvVar) != "",
	}
	if value, ok := os.LookupEnv(debugEnvVar); ok {
		cfg.Debug = []string{value}
	}
	if err := Configure(cfg); err != nil {
		deflog.Error("initial logging configuration failed: %v", err)
	}
}
