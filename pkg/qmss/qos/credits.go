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
	"math"
	"math/bits"
)

const (
	// CreditsByteShift is the fixed-point shift of byte credits.
	CreditsByteShift = 11
	// CreditsPacketShift is the fixed-point shift of packet credits.
	CreditsPacketShift = 20
	// ByteNormalization is the WRR credit of the lightest byte-accounted sibling.
	ByteNormalization = 1500 << CreditsByteShift
	// PacketNormalization is the WRR credit of the lightest packet-accounted sibling.
	PacketNormalization = 2 << CreditsPacketShift
	// MaxCredits is the largest credit value the firmware accepts.
	MaxCredits = math.MaxInt32
	// MinCreditsWarn is the WRR credit below which scheduling gets inaccurate.
	MinCreditsWarn = 3000
	// MaxWeight is the largest accepted WRR weight.
	MaxWeight = 1 << 24
	// DefaultOverheadBytes is the default per-packet overhead adjustment.
	DefaultOverheadBytes = 24
	// MaxOverheadBytes bounds the overhead adjustment in either direction.
	MaxOverheadBytes = 255
	// MaxInputQueues is the largest number of input queues of a leaf.
	MaxInputQueues = 128
)

// Accounting is the unit of rates, bursts and weights.
type Accounting int

const (
	// AcctBytes accounts in bytes.
	AcctBytes Accounting = iota
	// AcctPackets accounts in packets.
	AcctPackets
)

func (a Accounting) String() string {
	if a == AcctPackets {
		return "packets"
	}
	return "bytes"
}

func (a Accounting) shift() uint {
	if a == AcctPackets {
		return CreditsPacketShift
	}
	return CreditsByteShift
}

func (a Accounting) normalization() uint64 {
	if a == AcctPackets {
		return PacketNormalization
	}
	return ByteNormalization
}

// NormalizeWRR converts the weights of WRR siblings to firmware credits.
// The lightest sibling gets the normalization constant of the accounting
// mode, which is halved until the heaviest credit fits MaxCredits. The
// second return value is true if the lightest credit is below
// MinCreditsWarn.
func NormalizeWRR(weights []uint32, acct Accounting) ([]uint32, bool) {
	if len(weights) == 0 {
		return nil, false
	}

	minW, maxW := uint64(weights[0]), uint64(weights[0])
	for _, w := range weights[1:] {
		minW = min(minW, uint64(w))
		maxW = max(maxW, uint64(w))
	}
	if minW == 0 {
		minW = 1
	}

	norm := acct.normalization()
	calc := func(w uint64) uint64 {
		return (w*norm + minW/2) / minW
	}
	for calc(maxW) > MaxCredits && norm > 1 {
		norm /= 2
	}

	credits := make([]uint32, len(weights))
	for i, w := range weights {
		credits[i] = uint32(min(calc(uint64(w)), MaxCredits))
	}

	return credits, calc(minW) < MinCreditsWarn
}

// cirCredit converts a rate to the per-tick committed rate credit. Rates
// above MaxCredits are clamped, the second return value is then true.
func cirCredit(rate uint32, acct Accounting, ticksPerSec uint32) (uint32, bool) {
	v := (uint64(rate) << acct.shift()) / uint64(ticksPerSec)
	if v > MaxCredits {
		return MaxCredits, true
	}
	return uint32(v), false
}

// cirMax converts a burst size to the committed rate credit ceiling, which
// together with the credit must fit MaxCredits.
func cirMax(burst uint32, acct Accounting, credit uint32) (uint32, bool) {
	limit := uint64(MaxCredits) - uint64(min(credit, MaxCredits))
	v := uint64(burst) << acct.shift()
	if v > limit {
		return uint32(limit), true
	}
	return uint32(v), false
}

// outThrottle returns the per-tick throttle derived from the parent's rate.
func outThrottle(parentRate uint32, ticksPerSec uint32) uint32 {
	v := (uint64(parentRate) + uint64(ticksPerSec) - 1) / uint64(ticksPerSec)
	if v != 0 {
		v++
	}
	return uint32(min(v, math.MaxUint32))
}

// checkRate verifies that rate per tick is representable in credits.
func checkRate(rate uint32, acct Accounting, ticksPerSec uint32) error {
	if perTick := rate / ticksPerSec; perTick>>(32-acct.shift()) != 0 {
		return fmt.Errorf("%w: rate %d %s/s is too high for %d ticks/s",
			ErrOverflow, rate, acct, ticksPerSec)
	}
	return nil
}

// checkBurst verifies that burst is representable in credits.
func checkBurst(burst uint32, acct Accounting) error {
	if burst>>(32-acct.shift()) != 0 {
		return fmt.Errorf("%w: burst %d %s is too large", ErrOverflow, burst, acct)
	}
	return nil
}

// redTimeConst returns the averaging time constant for a RED half-life.
func redTimeConst(halfLife uint32) uint32 {
	return uint32(bits.Len32(3*(halfLife/100)+1) - 1)
}

// redThreshRecip returns the reciprocal of the scaled RED threshold span.
func redThreshRecip(low, high, timeConst uint32) (uint32, error) {
	if high <= low {
		return 0, fmt.Errorf("%w: RED high threshold %d not above low threshold %d",
			ErrInvalid, high, low)
	}
	span := ((high - low) >> timeConst) >> 1
	if span == 0 {
		return 0, fmt.Errorf("%w: RED thresholds %d-%d too close for time constant %d",
			ErrInvalid, low, high, timeConst)
	}
	return (1 << 31) / span, nil
}

// redProbability scales a percentage to the firmware 16-bit fraction.
func redProbability(percent uint32) uint32 {
	return (percent << 16) / 100
}
