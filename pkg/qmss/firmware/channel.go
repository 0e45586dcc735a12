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

import (
	"context"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	logger "github.com/containers/qmss-qos/pkg/log"
)

var log = logger.Get("firmware")

const (
	// DefaultTimeout is the default command completion timeout.
	DefaultTimeout = 20 * time.Millisecond
	// DefaultDelay is the default delay between status polls.
	DefaultDelay = 10 * time.Microsecond
)

// Registers is raw word access to the firmware command region.
type Registers interface {
	// ReadWords reads len(words) words starting at the given byte offset.
	ReadWords(offset uint32, words []uint32) error
	// WriteWords writes words starting at the given byte offset.
	WriteWords(offset uint32, words []uint32) error
}

// Channel executes commands on one firmware instance. It does no locking,
// callers must keep at most one command in flight.
type Channel struct {
	regs    Registers
	timeout time.Duration
	delay   time.Duration
}

// ChannelOption is an option for a Channel.
type ChannelOption func(*Channel)

// WithTimeout sets the command completion timeout.
func WithTimeout(d time.Duration) ChannelOption {
	return func(ch *Channel) {
		if d > 0 {
			ch.timeout = d
		}
	}
}

// WithDelay sets the delay between status polls.
func WithDelay(d time.Duration) ChannelOption {
	return func(ch *Channel) {
		if d > 0 {
			ch.delay = d
		}
	}
}

// NewChannel creates a Channel on the given registers.
func NewChannel(regs Registers, options ...ChannelOption) *Channel {
	ch := &Channel{
		regs:    regs,
		timeout: DefaultTimeout,
		delay:   DefaultDelay,
	}
	for _, o := range options {
		o(ch)
	}
	return ch
}

// Execute issues a command and waits for its completion. It returns ErrBusy
// if the firmware does not complete the command within the timeout, and
// ErrFailed if the firmware reports anything but success.
func (ch *Channel) Execute(cmd Command) error {
	log.Debug("execute %s", cmd)

	if err := ch.regs.WriteWords(RegCommand, []uint32{uint32(cmd)}); err != nil {
		return fmt.Errorf("%w: %s: failed to write command: %v", ErrFailed, cmd, err)
	}

	status := []uint32{0}
	var ioErr error
	err := wait.PollUntilContextTimeout(context.Background(), ch.delay, ch.timeout, true,
		func(context.Context) (bool, error) {
			if ioErr = ch.regs.ReadWords(RegCommand, status); ioErr != nil {
				return false, ioErr
			}
			return status[0]&statusMask == 0, nil
		})
	switch {
	case ioErr != nil:
		return fmt.Errorf("%w: %s: failed to read status: %v", ErrFailed, cmd, ioErr)
	case err != nil:
		log.Error("%s: timeout (%s), status %#08x", cmd, ch.timeout, status[0])
		return fmt.Errorf("%w: %s after %s", ErrBusy, cmd, ch.timeout)
	}

	result := []uint32{0}
	if err := ch.regs.ReadWords(RegResult, result); err != nil {
		return fmt.Errorf("%w: %s: failed to read result: %v", ErrFailed, cmd, err)
	}
	if result[0] != ResultSuccess {
		log.Error("%s: failed, result %#x", cmd, result[0])
		return fmt.Errorf("%w: %s: result %#x", ErrFailed, cmd, result[0])
	}

	return nil
}

// WriteWindow streams words into the shadow window at the given byte offset.
func (ch *Channel) WriteWindow(offset int, words []uint32) error {
	if offset < 0 || offset%4 != 0 {
		return fmt.Errorf("%w: window offset %d", ErrInvalidTransfer, offset)
	}
	for i := 0; i < len(words); i += WindowWords {
		end := min(i+WindowWords, len(words))
		if err := ch.regs.WriteWords(uint32(RegShadow+offset+4*i), words[i:end]); err != nil {
			return fmt.Errorf("%w: shadow window write at %#x: %v", ErrFailed, offset+4*i, err)
		}
	}
	return nil
}

// ReadWindow streams words out of the shadow window at the given byte offset.
func (ch *Channel) ReadWindow(offset int, words []uint32) error {
	if offset < 0 || offset%4 != 0 {
		return fmt.Errorf("%w: window offset %d", ErrInvalidTransfer, offset)
	}
	for i := 0; i < len(words); i += WindowWords {
		end := min(i+WindowWords, len(words))
		if err := ch.regs.ReadWords(uint32(RegShadow+offset+4*i), words[i:end]); err != nil {
			return fmt.Errorf("%w: shadow window read at %#x: %v", ErrFailed, offset+4*i, err)
		}
	}
	return nil
}

// ReadStats reads the four 64-bit counters returned by the last stats request.
func (ch *Channel) ReadStats() ([]uint64, error) {
	words := make([]uint32, StatsWords)
	if err := ch.regs.ReadWords(RegStats, words); err != nil {
		return nil, fmt.Errorf("%w: stats window read: %v", ErrFailed, err)
	}
	counters := make([]uint64, StatsWords/2)
	for i := range counters {
		counters[i] = uint64(words[2*i]) | uint64(words[2*i+1])<<32
	}
	return counters, nil
}

// Identify checks that the firmware supports the drop scheduler and returns
// its version.
func (ch *Channel) Identify() (uint32, error) {
	word := []uint32{0}
	if err := ch.regs.ReadWords(RegMagic, word); err != nil {
		return 0, fmt.Errorf("%w: magic read: %v", ErrFailed, err)
	}
	if magic := word[0] >> 16; magic != MagicDropSched {
		return 0, fmt.Errorf("%w: magic %#x", ErrNoDropScheduler, magic)
	}
	return word[0] & 0xffff, nil
}
