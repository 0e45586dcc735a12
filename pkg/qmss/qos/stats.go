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
	"sort"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/containers/qmss-qos/pkg/qmss/firmware"
	"github.com/containers/qmss-qos/pkg/qmss/shadow"
)

// DefaultStatsClass is the stats class of leaves which do not name one.
const DefaultStatsClass = "default"

// Counters are the accumulated counters of a stats class.
type Counters struct {
	BytesForwarded   uint64
	BytesDiscarded   uint64
	PacketsForwarded uint64
	PacketsDiscarded uint64
}

type statsClass struct {
	name     string
	block    int
	usecount int
}

// getStatsClass looks up a stats class, creating it with a fresh block
// if necessary, and takes a reference to it.
func (l *locked) getStatsClass(name string) (*statsClass, error) {
	if sc, ok := l.statsClasses[name]; ok {
		sc.usecount++
		return sc, nil
	}

	s := l.store.Get(shadow.Statistics)
	block, err := s.Alloc()
	if err != nil {
		return nil, fmt.Errorf("stats class %s: %w", name, err)
	}
	clear(s.Data()[block*s.Size()/4 : (block+1)*s.Size()/4])

	sc := &statsClass{
		name:     name,
		block:    block,
		usecount: 1,
	}
	l.statsClasses[name] = sc
	log.Debug("stats class %s: block %d", name, block)

	return sc, nil
}

// putStatsClass drops a reference, releasing the class with the last one.
func (l *locked) putStatsClass(sc *statsClass) {
	if sc == nil {
		return
	}
	sc.usecount--
	if sc.usecount > 0 {
		return
	}
	if err := l.store.Get(shadow.Statistics).Free(sc.block); err != nil {
		log.Error("stats class %s: failed to release block %d: %v", sc.name, sc.block, err)
	}
	delete(l.statsClasses, sc.name)
}

// requestStats fetches and accumulates the counters of a block.
func (l *locked) requestStats(block int) error {
	s := l.store.Get(shadow.Statistics)
	if err := l.execute(firmware.StatsRequestCommand(s.Start() + block)); err != nil {
		return fmt.Errorf("stats block %d: %w", block, err)
	}
	counters, err := l.ch.ReadStats()
	if err != nil {
		return fmt.Errorf("stats block %d: %w", block, err)
	}
	for i, v := range counters {
		if err := s.AddCounter(block, shadow.Counter(i), v); err != nil {
			return err
		}
	}
	return nil
}

func (l *locked) counters(block int) Counters {
	s := l.store.Get(shadow.Statistics)
	get := func(c shadow.Counter) uint64 {
		v, _ := s.Counter(block, c)
		return v
	}
	return Counters{
		BytesForwarded:   get(shadow.BytesForwarded),
		BytesDiscarded:   get(shadow.BytesDiscarded),
		PacketsForwarded: get(shadow.PacketsForwarded),
		PacketsDiscarded: get(shadow.PacketsDiscarded),
	}
}

// Stats refreshes and returns the counters of a stats class.
func (inst *Instance) Stats(class string) (Counters, error) {
	l := inst.lock()
	defer l.unlock()

	sc, ok := l.statsClasses[class]
	if !ok {
		return Counters{}, fmt.Errorf("%w: stats class %s", ErrNotFound, class)
	}
	if err := l.requestStats(sc.block); err != nil {
		return l.counters(sc.block), err
	}
	return l.counters(sc.block), nil
}

// RefreshStats fetches the counters of every allocated statistics block.
// The lock is taken separately for each block, so configuration changes
// wait at most one command round trip.
func (inst *Instance) RefreshStats() error {
	count := inst.store.Get(shadow.Statistics).Count()
	for block := count - 1; block >= 0; block-- {
		if err := inst.refreshBlock(block); err != nil {
			return err
		}
	}
	return nil
}

func (inst *Instance) refreshBlock(block int) error {
	l := inst.lock()
	defer l.unlock()

	if !l.store.Get(shadow.Statistics).IsAllocated(block) {
		return nil
	}
	return l.requestStats(block)
}

// StatsSnapshot returns the accumulated counters of all stats classes
// without fetching new ones.
func (inst *Instance) StatsSnapshot() map[string]Counters {
	l := inst.lock()
	defer l.unlock()

	snapshot := make(map[string]Counters, len(l.statsClasses))
	for name, sc := range l.statsClasses {
		snapshot[name] = l.counters(sc.block)
	}
	return snapshot
}

// StatsClasses returns the names of all stats classes, sorted.
func (inst *Instance) StatsClasses() []string {
	l := inst.lock()
	defer l.unlock()

	names := make([]string, 0, len(l.statsClasses))
	for name := range l.statsClasses {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type statsTimer struct {
	stop chan struct{}
	done chan struct{}
}

// startStatsTimer starts periodic statistics refresh unless it is disabled
// or already running.
func (inst *Instance) startStatsTimer() {
	if inst.noStatsTimer {
		return
	}

	inst.timerLock.Lock()
	defer inst.timerLock.Unlock()

	if inst.timer != nil {
		return
	}

	t := &statsTimer{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	inst.timer = t

	go func() {
		defer close(t.done)
		wait.Until(func() {
			if err := inst.RefreshStats(); err != nil {
				log.Warn("firmware #%d: stats refresh failed: %v", inst.id, err)
			}
		}, inst.statsInterval, t.stop)
	}()

	log.Debug("firmware #%d: stats refresh every %s", inst.id, inst.statsInterval)
}

// stopStatsTimer stops periodic statistics refresh and waits for a refresh
// in progress to finish. It must not be called with the lock held.
func (inst *Instance) stopStatsTimer() {
	inst.timerLock.Lock()
	t := inst.timer
	inst.timer = nil
	inst.timerLock.Unlock()

	if t == nil {
		return
	}
	close(t.stop)
	select {
	case <-t.done:
	case <-time.After(inst.statsTimeout()):
		log.Warn("firmware #%d: stats refresh did not stop in time", inst.id)
	}
}

func (inst *Instance) statsTimeout() time.Duration {
	count := inst.store.Get(shadow.Statistics).Count()
	return time.Duration(count+1)*(inst.cmdTimeout+firmware.DefaultTimeout) + time.Second
}
