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
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/containers/qmss-qos/pkg/qmss/shadow"
)

// Device is a set of instances, one per firmware id. Instances share no
// state, each is locked independently.
type Device struct {
	sync.RWMutex
	instances map[int]*Instance
}

// NewDevice creates an empty Device.
func NewDevice() *Device {
	return &Device{
		instances: make(map[int]*Instance),
	}
}

// Add registers an instance under its firmware id.
func (d *Device) Add(inst *Instance) error {
	d.Lock()
	defer d.Unlock()

	if _, ok := d.instances[inst.ID()]; ok {
		return fmt.Errorf("%w: firmware #%d already registered", ErrBusy, inst.ID())
	}
	d.instances[inst.ID()] = inst
	return nil
}

// Get returns the instance of a firmware id.
func (d *Device) Get(id int) (*Instance, bool) {
	d.RLock()
	defer d.RUnlock()

	inst, ok := d.instances[id]
	return inst, ok
}

// Remove unregisters and returns the instance of a firmware id.
func (d *Device) Remove(id int) (*Instance, bool) {
	d.Lock()
	defer d.Unlock()

	inst, ok := d.instances[id]
	delete(d.instances, id)
	return inst, ok
}

// Instances returns all instances ordered by firmware id.
func (d *Device) Instances() []*Instance {
	d.RLock()
	defer d.RUnlock()

	instances := make([]*Instance, 0, len(d.instances))
	for _, inst := range d.instances {
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool {
		return instances[i].ID() < instances[j].ID()
	})
	return instances
}

// SyncAll pushes the dirty slots of a class on every instance. A failure
// on one instance does not prevent syncing the others.
func (d *Device) SyncAll(c shadow.Class) error {
	var errs *multierror.Error
	for _, inst := range d.Instances() {
		if err := inst.PushDirty(c); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("firmware #%d: %w", inst.ID(), err))
		}
	}
	return errs.ErrorOrNil()
}

// Close closes and unregisters every instance.
func (d *Device) Close() error {
	var errs *multierror.Error
	for _, inst := range d.Instances() {
		if err := inst.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("firmware #%d: %w", inst.ID(), err))
		}
		d.Remove(inst.ID())
	}
	return errs.ErrorOrNil()
}
