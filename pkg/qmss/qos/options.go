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
	"time"
)

// Option is an option for an Instance.
type Option func(*Instance) error

// WithCommandTimeout overrides the configured command completion timeout.
func WithCommandTimeout(d time.Duration) Option {
	return func(inst *Instance) error {
		if d <= 0 {
			return fmt.Errorf("%w: command timeout %s", ErrInvalid, d)
		}
		inst.cmdTimeout = d
		return nil
	}
}

// WithCommandDelay overrides the configured command status poll delay.
func WithCommandDelay(d time.Duration) Option {
	return func(inst *Instance) error {
		if d <= 0 {
			return fmt.Errorf("%w: command delay %s", ErrInvalid, d)
		}
		inst.cmdDelay = d
		return nil
	}
}

// WithStatsInterval overrides the configured statistics refresh interval.
func WithStatsInterval(d time.Duration) Option {
	return func(inst *Instance) error {
		if d <= 0 {
			return fmt.Errorf("%w: stats interval %s", ErrInvalid, d)
		}
		inst.statsInterval = d
		return nil
	}
}

// WithoutStatsTimer disables periodic statistics refresh. Counters are
// then only updated by Stats and RefreshStats.
func WithoutStatsTimer() Option {
	return func(inst *Instance) error {
		inst.noStatsTimer = true
		return nil
	}
}
