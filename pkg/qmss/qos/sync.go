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

	"github.com/containers/qmss-qos/pkg/qmss/firmware"
	"github.com/containers/qmss-qos/pkg/qmss/shadow"
)

// classTag returns the command tag of a syncable class.
func classTag(c shadow.Class) (firmware.Tag, error) {
	tag, ok := firmware.ClassTag(c)
	if !ok {
		return 0, fmt.Errorf("%w: %s is not syncable", ErrInvalid, c)
	}
	return tag, nil
}

// execute issues an encoded command, failing without hardware access if
// the encoding was rejected.
func (l *locked) execute(cmd firmware.Command, err error) error {
	if err != nil {
		return err
	}
	return l.ch.Execute(cmd)
}

// push copies a slot from shadow to active firmware memory. With idx < 0
// the whole class is copied. Dirty bits of the copied slots are cleared
// only on success.
func (l *locked) push(c shadow.Class, idx int) error {
	tag, err := classTag(c)
	if err != nil {
		return err
	}
	s := l.store.Get(c)
	if idx >= s.Count() {
		return fmt.Errorf("%w: %s slot %d", shadow.ErrInvalidSlot, c, idx)
	}

	if !c.Unified() {
		if idx >= 0 {
			return l.pushSingle(s, tag, idx)
		}
		for i := 0; i < s.Count(); i++ {
			if err := l.pushSingle(s, tag, i); err != nil {
				return err
			}
		}
		return nil
	}

	var (
		offset = s.Start() * s.Size()
		words  = s.Data()
	)
	if idx >= 0 {
		offset = (s.Start() + idx) * s.Size()
		words, _ = s.Element(idx)
	}

	// Fetch the active class first, then overlay our own slots, so that
	// slots of other ranges are written back unchanged.
	if err := l.execute(firmware.PortShadowCommand(tag, 0, false)); err != nil {
		return fmt.Errorf("%s sync: %w", c, err)
	}
	if err := l.ch.WriteWindow(offset, words); err != nil {
		return fmt.Errorf("%s sync: %w", c, err)
	}
	if err := l.execute(firmware.PortShadowCommand(tag, 0, true)); err != nil {
		return fmt.Errorf("%s sync: %w", c, err)
	}

	if idx < 0 {
		s.ClearAllDirty()
	} else {
		s.ClearDirty(idx)
	}
	return nil
}

func (l *locked) pushSingle(s *shadow.Shadow, tag firmware.Tag, idx int) error {
	words, err := s.Element(idx)
	if err != nil {
		return err
	}
	if err := l.ch.WriteWindow(0, words); err != nil {
		return fmt.Errorf("%s slot %d sync: %w", s.Class(), idx, err)
	}
	if err := l.execute(firmware.PortShadowCommand(tag, s.Start()+idx, true)); err != nil {
		return fmt.Errorf("%s slot %d sync: %w", s.Class(), idx, err)
	}
	s.ClearDirty(idx)
	return nil
}

// pushDirty copies every dirty slot of a class to active firmware memory.
func (l *locked) pushDirty(c shadow.Class) error {
	tag, err := classTag(c)
	if err != nil {
		return err
	}
	s := l.store.Get(c)

	if c.Unified() {
		if !s.AnyDirty() {
			return nil
		}
		return l.push(c, -1)
	}

	s.ForeachDirty(func(idx int) bool {
		err = l.pushSingle(s, tag, idx)
		return err == nil
	})
	return err
}

// pull copies a slot from active firmware memory to the shadow. The
// pulled slot matches the hardware afterwards, so its dirty bit is cleared.
func (l *locked) pull(c shadow.Class, idx int) error {
	tag, err := classTag(c)
	if err != nil {
		return err
	}
	s := l.store.Get(c)
	words, err := s.Element(idx)
	if err != nil {
		return err
	}

	offset, index := 0, s.Start()+idx
	if c.Unified() {
		offset, index = (s.Start()+idx)*s.Size(), 0
	}

	if err := l.execute(firmware.PortShadowCommand(tag, index, false)); err != nil {
		return fmt.Errorf("%s slot %d pull: %w", c, idx, err)
	}
	if err := l.ch.ReadWindow(offset, words); err != nil {
		return fmt.Errorf("%s slot %d pull: %w", c, idx, err)
	}
	s.ClearDirty(idx)
	return nil
}

// write stores a field of an allocated slot, optionally syncing the slot.
func (l *locked) write(c shadow.Class, idx int, f shadow.Field, v uint32, sync bool) error {
	if err := l.store.Get(c).Write(idx, f, v, false); err != nil {
		return err
	}
	if sync {
		return l.push(c, idx)
	}
	return nil
}

func (inst *Instance) shadowOf(c shadow.Class) (*shadow.Shadow, error) {
	if !c.Syncable() {
		return nil, fmt.Errorf("%w: %s is not syncable", ErrInvalid, c)
	}
	return inst.store.Get(c), nil
}

// Pull refreshes a shadow slot from active firmware memory.
func (inst *Instance) Pull(c shadow.Class, idx int) error {
	if _, err := inst.shadowOf(c); err != nil {
		return err
	}
	l := inst.lock()
	defer l.unlock()
	return l.pull(c, idx)
}

// Push copies a shadow slot, or with idx < 0 the whole class, to active
// firmware memory.
func (inst *Instance) Push(c shadow.Class, idx int) error {
	if _, err := inst.shadowOf(c); err != nil {
		return err
	}
	l := inst.lock()
	defer l.unlock()
	return l.push(c, idx)
}

// PushDirty copies every dirty slot of a class to active firmware memory.
func (inst *Instance) PushDirty(c shadow.Class) error {
	if _, err := inst.shadowOf(c); err != nil {
		return err
	}
	l := inst.lock()
	defer l.unlock()
	return l.pushDirty(c)
}

// ReadField returns a field of an allocated shadow slot.
func (inst *Instance) ReadField(c shadow.Class, idx int, f shadow.Field) (uint32, error) {
	s, err := inst.shadowOf(c)
	if err != nil {
		return 0, err
	}
	l := inst.lock()
	defer l.unlock()
	return s.Read(idx, f, false)
}

// WriteField stores a field of an allocated shadow slot. With sync the slot
// is pushed right away, otherwise it stays dirty until the next Push or
// PushDirty of its class.
func (inst *Instance) WriteField(c shadow.Class, idx int, f shadow.Field, v uint32, sync bool) error {
	if _, err := inst.shadowOf(c); err != nil {
		return err
	}
	l := inst.lock()
	defer l.unlock()
	return l.write(c, idx, f, v, sync)
}

// IsDirty returns true if a shadow slot has unsynced writes.
func (inst *Instance) IsDirty(c shadow.Class, idx int) bool {
	s := inst.store.Get(c)
	if s == nil {
		return false
	}
	l := inst.lock()
	defer l.unlock()
	return s.IsDirty(idx)
}
