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

package shadow

import (
	"fmt"

	logger "github.com/containers/qmss-qos/pkg/log"
)

var log = logger.Get("shadow")

// Range describes the slots of a class assigned to one firmware instance.
type Range struct {
	// Start is the firmware index of the first slot.
	Start int
	// Count is the number of slots.
	Count int
	// Size is the byte size of one element.
	Size int
}

// Shadow is the host-side mirror of one resource class.
//
// Slot indices are relative to Range.Start. A slot is either available or
// allocated. A write marks the slot dirty until a successful push clears it.
// The running bit is only maintained for scheduler ports. Shadow does no
// locking, callers serialize access.
type Shadow struct {
	class   Class
	rng     Range
	words   int
	data    []uint32
	avail   Bitmap
	dirty   Bitmap
	running Bitmap
}

// New creates a Shadow with all slots available.
func New(class Class, rng Range) (*Shadow, error) {
	if !class.Valid() {
		return nil, fmt.Errorf("%w: unknown class %d", ErrInvalidRange, class)
	}
	if rng.Start < 0 || rng.Count <= 0 {
		return nil, fmt.Errorf("%w: %s: bad slot range %d+%d", ErrInvalidRange, class, rng.Start, rng.Count)
	}
	if rng.Size <= 0 || rng.Size%4 != 0 {
		return nil, fmt.Errorf("%w: %s: element size %d is not a positive multiple of 4",
			ErrInvalidRange, class, rng.Size)
	}

	s := &Shadow{
		class:   class,
		rng:     rng,
		words:   rng.Size / 4,
		data:    make([]uint32, rng.Count*rng.Size/4),
		avail:   NewBitmap(rng.Count),
		dirty:   NewBitmap(rng.Count),
		running: NewBitmap(rng.Count),
	}
	s.avail.SetAll(rng.Count)

	return s, nil
}

// Class returns the resource class of the Shadow.
func (s *Shadow) Class() Class {
	return s.class
}

// Count returns the number of slots.
func (s *Shadow) Count() int {
	return s.rng.Count
}

// Start returns the firmware index of slot 0.
func (s *Shadow) Start() int {
	return s.rng.Start
}

// Size returns the element size in bytes.
func (s *Shadow) Size() int {
	return s.rng.Size
}

func (s *Shadow) checkSlot(idx int) error {
	if idx < 0 || idx >= s.rng.Count {
		return fmt.Errorf("%w: %s slot %d out of range [0, %d)", ErrInvalidSlot, s.class, idx, s.rng.Count)
	}
	return nil
}

func (s *Shadow) element(idx int) []uint32 {
	return s.data[idx*s.words : (idx+1)*s.words]
}

// Element returns the words of a slot. The returned slice aliases the
// shadow memory.
func (s *Shadow) Element(idx int) ([]uint32, error) {
	if err := s.checkSlot(idx); err != nil {
		return nil, err
	}
	return s.element(idx), nil
}

// Data returns the words of all slots back to back.
func (s *Shadow) Data() []uint32 {
	return s.data
}

func (s *Shadow) access(idx int, internal bool) error {
	if err := s.checkSlot(idx); err != nil {
		return err
	}
	if !internal && s.avail.Contains(idx) {
		return fmt.Errorf("%w: %s slot %d", ErrNotAllocated, s.class, idx)
	}
	return nil
}

// Read returns a field of a slot. Unallocated slots can only be read by
// internal passes.
func (s *Shadow) Read(idx int, f Field, internal bool) (uint32, error) {
	if err := s.access(idx, internal); err != nil {
		return 0, err
	}
	return f.Get(s.element(idx))
}

// Write stores a field of a slot and marks the slot dirty. Unallocated slots
// can only be written by internal passes.
func (s *Shadow) Write(idx int, f Field, value uint32, internal bool) error {
	if err := s.access(idx, internal); err != nil {
		return err
	}
	if err := f.Set(s.element(idx), value); err != nil {
		log.Error("%s slot %d: %v", s.class, idx, err)
		return err
	}
	s.dirty.Set(idx)
	return nil
}

// Counter returns a 64-bit counter of a statistics slot.
func (s *Shadow) Counter(idx int, c Counter) (uint64, error) {
	if err := s.access(idx, false); err != nil {
		return 0, err
	}
	if c < 0 || c >= NumCounters || int(c)*8+8 > s.rng.Size {
		return 0, fmt.Errorf("%w: %s has no counter %s", ErrFieldRange, s.class, c)
	}
	elem := s.element(idx)
	return uint64(elem[2*c]) | uint64(elem[2*c+1])<<32, nil
}

// AddCounter adds delta to a 64-bit counter of a statistics slot.
func (s *Shadow) AddCounter(idx int, c Counter, delta uint64) error {
	v, err := s.Counter(idx, c)
	if err != nil {
		return err
	}
	v += delta
	elem := s.element(idx)
	elem[2*c] = uint32(v)
	elem[2*c+1] = uint32(v >> 32)
	return nil
}

// Zero clears all words of a slot and marks it dirty.
func (s *Shadow) Zero(idx int) error {
	if err := s.checkSlot(idx); err != nil {
		return err
	}
	clear(s.element(idx))
	s.dirty.Set(idx)
	return nil
}

// IsAllocated returns true if the slot is allocated.
func (s *Shadow) IsAllocated(idx int) bool {
	return s.checkSlot(idx) == nil && !s.avail.Contains(idx)
}

// IsDirty returns true if the slot has unsynced writes.
func (s *Shadow) IsDirty(idx int) bool {
	return s.dirty.Contains(idx)
}

// AnyDirty returns true if any slot has unsynced writes.
func (s *Shadow) AnyDirty() bool {
	return s.dirty.Size() > 0
}

// IsRunning returns true if the slot is enabled in hardware.
func (s *Shadow) IsRunning(idx int) bool {
	return s.running.Contains(idx)
}

// ClearDirty clears the dirty bit of a slot.
func (s *Shadow) ClearDirty(idx int) {
	if s.checkSlot(idx) == nil {
		s.dirty.Clear(idx)
	}
}

// ClearAllDirty clears the dirty bits of all slots.
func (s *Shadow) ClearAllDirty() {
	s.dirty.ClearAll()
}

// SetRunning updates the running bit of a slot.
func (s *Shadow) SetRunning(idx int, running bool) {
	if s.checkSlot(idx) != nil {
		return
	}
	if running {
		s.running.Set(idx)
	} else {
		s.running.Clear(idx)
	}
}

// Alloc allocates the highest available slot.
func (s *Shadow) Alloc() (int, error) {
	return s.AllocBelow(s.rng.Count)
}

// AllocBelow allocates the highest available slot below limit.
func (s *Shadow) AllocBelow(limit int) (int, error) {
	idx := s.avail.Last(limit)
	if idx < 0 {
		return -1, fmt.Errorf("%w: no free %s slot below %d", ErrOutOfResources, s.class, limit)
	}
	s.avail.Clear(idx)
	log.Debug("allocated %s slot %d", s.class, idx)
	return idx, nil
}

// AllocAt allocates the given slot.
func (s *Shadow) AllocAt(idx int) error {
	if err := s.checkSlot(idx); err != nil {
		return err
	}
	if !s.avail.TestAndClear(idx) {
		return fmt.Errorf("%w: %s slot %d already allocated", ErrBusy, s.class, idx)
	}
	log.Debug("allocated %s slot %d", s.class, idx)
	return nil
}

// AllocPair allocates the highest pair of adjacent slots (even, even+1)
// lying entirely below limit. It returns the even slot.
func (s *Shadow) AllocPair(limit int) (int, error) {
	if limit > s.rng.Count {
		limit = s.rng.Count
	}
	for odd := s.avail.Last(limit); odd > 0; odd = s.avail.Last(odd) {
		even := odd - 1
		if odd&1 == 1 && s.avail.Contains(even) {
			s.avail.Clear(even, odd)
			log.Debug("allocated %s slot pair %d,%d", s.class, even, odd)
			return even, nil
		}
	}
	return -1, fmt.Errorf("%w: no free %s slot pair below %d", ErrOutOfResources, s.class, limit)
}

// Free releases a slot. Dirty or running slots cannot be released.
func (s *Shadow) Free(idx int) error {
	if err := s.checkSlot(idx); err != nil {
		return err
	}
	switch {
	case s.avail.Contains(idx):
		return fmt.Errorf("%w: %s slot %d", ErrNotAllocated, s.class, idx)
	case s.dirty.Contains(idx):
		return fmt.Errorf("%w: %s slot %d is dirty", ErrBusy, s.class, idx)
	case s.running.Contains(idx):
		return fmt.Errorf("%w: %s slot %d is running", ErrBusy, s.class, idx)
	}
	s.avail.Set(idx)
	log.Debug("freed %s slot %d", s.class, idx)
	return nil
}

// Used returns the number of allocated slots.
func (s *Shadow) Used() int {
	return s.rng.Count - s.avail.Size()
}

// ForeachAllocated calls fn for each allocated slot in descending order
// until fn returns false.
func (s *Shadow) ForeachAllocated(fn func(int) bool) {
	for idx := s.rng.Count - 1; idx >= 0; idx-- {
		if s.avail.Contains(idx) {
			continue
		}
		if !fn(idx) {
			return
		}
	}
}

// ForeachDirty calls fn for each dirty slot in descending order until fn
// returns false.
func (s *Shadow) ForeachDirty(fn func(int) bool) {
	s.dirty.Foreach(fn)
}

// String returns a short summary of the Shadow.
func (s *Shadow) String() string {
	return fmt.Sprintf("%s{start: %d, count: %d, size: %d, used: %d, dirty: %s, running: %s}",
		s.class, s.rng.Start, s.rng.Count, s.rng.Size, s.Used(), s.dirty, s.running)
}
