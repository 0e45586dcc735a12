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
	"errors"
	"fmt"

	"github.com/containers/qmss-qos/pkg/qmss/firmware"
	"github.com/containers/qmss-qos/pkg/qmss/shadow"
)

var (
	// ErrInvalid is returned for malformed or contradictory policy input.
	ErrInvalid = fmt.Errorf("qos: invalid policy")
	// ErrOverflow is returned when a derived value cannot be represented.
	ErrOverflow = fmt.Errorf("qos: value out of range")
	// ErrState is returned for operations not allowed in the current state.
	ErrState = fmt.Errorf("qos: invalid state")
	// ErrNotFound is returned for unknown nodes, policies or stats classes.
	ErrNotFound = fmt.Errorf("qos: not found")

	// ErrOutOfResources is returned when no suitable slot is available.
	ErrOutOfResources = shadow.ErrOutOfResources
	// ErrBusy is returned for resources still in use: dirty or running
	// slots, or an already registered firmware id. Use IsBusy to also
	// match firmware command timeouts.
	ErrBusy = shadow.ErrBusy
	// ErrProtocol is returned when the firmware rejects a command. The state
	// of the addressed resource is then unknown until it is reprogrammed.
	ErrProtocol = firmware.ErrFailed
)

// IsBusy returns true if err is a transient busy condition, either a
// firmware command timeout or a slot that is still dirty or running.
func IsBusy(err error) bool {
	return errors.Is(err, firmware.ErrBusy) || errors.Is(err, shadow.ErrBusy)
}

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalid}, args...)...)
}
