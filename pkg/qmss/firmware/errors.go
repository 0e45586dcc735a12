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

package firmware

import "fmt"

var (
	// ErrBusy is returned when the firmware does not complete a command in time.
	ErrBusy = fmt.Errorf("firmware: command timed out")
	// ErrFailed is returned when the firmware rejects a command.
	ErrFailed = fmt.Errorf("firmware: command failed")
	// ErrNoDropScheduler is returned for firmware without drop scheduler support.
	ErrNoDropScheduler = fmt.Errorf("firmware: drop scheduler not supported")
	// ErrInvalid is returned for command arguments the command word cannot carry.
	ErrInvalid = fmt.Errorf("firmware: invalid command argument")
	// ErrInvalidTransfer is returned for malformed window transfers.
	ErrInvalidTransfer = fmt.Errorf("firmware: invalid transfer")
)
