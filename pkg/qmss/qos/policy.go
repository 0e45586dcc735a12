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

	cfgapi "github.com/containers/qmss-qos/pkg/apis/config/v1alpha1"
	"github.com/containers/qmss-qos/pkg/qmss/shadow"
)

const (
	// DefaultMaxDropProbability is the default RED drop probability in percent.
	DefaultMaxDropProbability = 2
	// DefaultHalfLife is the default RED averaging half-life in milliseconds.
	DefaultHalfLife = 2000
)

type dropPolicy struct {
	name        string
	acct        Accounting
	mode        uint32
	limit       uint32
	redLow      uint32
	redHigh     uint32
	maxDropProb uint32
	halfLife    uint32
	usecount    int
	cfgIdx      int
}

func newDropPolicy(cfg *cfgapi.DropPolicy) (*dropPolicy, error) {
	if cfg.Name == "" {
		return nil, invalidf("drop policy without a name")
	}

	p := &dropPolicy{
		name:   cfg.Name,
		mode:   shadow.ModeTailDrop,
		limit:  cfg.Limit,
		cfgIdx: -1,
	}
	if cfg.PacketUnits {
		p.acct = AcctPackets
	}

	red := cfg.RED
	if red == nil {
		return p, nil
	}

	if p.acct == AcctPackets {
		return nil, invalidf("drop policy %s: RED must account bytes", p.name)
	}

	p.mode = shadow.ModeRED
	p.redLow = red.Low
	p.redHigh = 2 * red.Low
	if red.High != nil {
		p.redHigh = *red.High
	}
	p.maxDropProb = DefaultMaxDropProbability
	if red.MaxDropProbability != nil {
		p.maxDropProb = *red.MaxDropProbability
	}
	if p.maxDropProb >= 100 {
		log.Warn("drop policy %s: invalid max drop probability %d, using %d",
			p.name, p.maxDropProb, DefaultMaxDropProbability)
		p.maxDropProb = DefaultMaxDropProbability
	}
	p.halfLife = DefaultHalfLife
	if red.HalfLife != nil {
		p.halfLife = *red.HalfLife
	}

	if _, err := redThreshRecip(p.redLow, p.redHigh, redTimeConst(p.halfLife)); err != nil {
		return nil, fmt.Errorf("drop policy %s: %w", p.name, err)
	}

	return p, nil
}

func (l *locked) parsePolicies(cfgs []cfgapi.DropPolicy) error {
	for i := range cfgs {
		cfg := &cfgs[i]
		if l.findPolicy(cfg.Name) != nil {
			return invalidf("duplicate drop policy %s", cfg.Name)
		}
		p, err := newDropPolicy(cfg)
		if err != nil {
			return err
		}
		if cfg.Default {
			if l.defaultPolicy != nil {
				log.Warn("duplicate default drop policy %s, keeping %s", p.name, l.defaultPolicy.name)
			} else {
				l.defaultPolicy = p
			}
		}
		l.policies = append(l.policies, p)
		log.Debug("drop policy %s: mode %d, %s, limit %d", p.name, p.mode, p.acct, p.limit)
	}
	return nil
}

func (l *locked) findPolicy(name string) *dropPolicy {
	for _, p := range l.policies {
		if p.name == name {
			return p
		}
	}
	return nil
}

// writePolicy fills the drop config profile of a policy.
func (l *locked) writePolicy(p *dropPolicy) error {
	flags := uint32(0)
	if p.acct == AcctBytes {
		flags = 1
	}

	writes := []fieldWrite{
		{shadow.DropCfgUnitFlags, flags},
		{shadow.DropCfgMode, p.mode},
		{shadow.DropCfgTailThresh, p.limit},
	}
	if p.mode == shadow.ModeRED {
		tc := redTimeConst(p.halfLife)
		recip, err := redThreshRecip(p.redLow, p.redHigh, tc)
		if err != nil {
			return fmt.Errorf("drop policy %s: %w", p.name, err)
		}
		writes = append(writes,
			fieldWrite{shadow.DropCfgRedLow, p.redLow},
			fieldWrite{shadow.DropCfgRedHigh, p.redHigh},
			fieldWrite{shadow.DropCfgTimeConst, tc},
			fieldWrite{shadow.DropCfgThreshRecip, recip},
		)
	}

	if err := l.writeFields(shadow.DropConfig, p.cfgIdx, writes, false); err != nil {
		return fmt.Errorf("drop policy %s: %w", p.name, err)
	}
	return nil
}

// programPolicies assigns drop config profiles to the default policy and
// to every referenced policy, then syncs all drop configs.
func (l *locked) programPolicies() error {
	s := l.store.Get(shadow.DropConfig)
	for _, p := range l.policies {
		if p.usecount == 0 && p != l.defaultPolicy {
			continue
		}
		if p.cfgIdx < 0 {
			idx, err := s.Alloc()
			if err != nil {
				return fmt.Errorf("drop policy %s: %w", p.name, err)
			}
			p.cfgIdx = idx
		}
		if err := l.writePolicy(p); err != nil {
			return err
		}
		log.Debug("drop policy %s: drop config profile %d", p.name, p.cfgIdx)
	}
	return l.pushDirty(shadow.DropConfig)
}

// SetDropPolicy updates the parameters of a drop policy. A policy which
// has a drop config profile gets it rewritten and synced.
func (inst *Instance) SetDropPolicy(name string, cfg cfgapi.DropPolicy) error {
	l := inst.lock()
	defer l.unlock()

	p := l.findPolicy(name)
	if p == nil {
		return fmt.Errorf("%w: drop policy %s", ErrNotFound, name)
	}

	cfg.Name = name
	upd, err := newDropPolicy(&cfg)
	if err != nil {
		return err
	}
	if upd.acct != p.acct && p.usecount > 0 {
		return invalidf("drop policy %s: accounting change of a policy in use", name)
	}

	upd.usecount = p.usecount
	upd.cfgIdx = p.cfgIdx
	*p = *upd

	if p.cfgIdx < 0 {
		return nil
	}
	if err := l.writePolicy(p); err != nil {
		return err
	}
	return l.push(shadow.DropConfig, p.cfgIdx)
}
