/*
 * Copyright (c) 2024, the vfioctl authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package pci

import (
	"fmt"
)

// MockDevice is the in-memory state of one mocked PCI device.
type MockDevice struct {
	Vendor        uint16
	Device        uint16
	IommuGroup    int
	Driver        string
	Override      string
	DefaultDriver string
}

// MockPci is a deterministic in-memory Interface implementation. It models
// the kernel's reaction to the sysfs writes the real implementation performs,
// so the binding state machine can be exercised without hardware or root.
type MockPci struct {
	Devices      map[string]*MockDevice
	KnownDrivers map[string]bool

	// FailUnbind, FailBind and FailProbe inject step failures per slot.
	FailUnbind map[string]bool
	FailBind   map[string]bool
	FailProbe  map[string]bool

	// Writes records every mutating call, in order.
	Writes []string
}

var _ Interface = (*MockPci)(nil)

// NewMockPci creates an empty MockPci with the usual drivers registered.
func NewMockPci() *MockPci {
	return &MockPci{
		Devices: make(map[string]*MockDevice),
		KnownDrivers: map[string]bool{
			"nvidia":        true,
			"snd_hda_intel": true,
			VfioPciDriver:   true,
		},
		FailUnbind: make(map[string]bool),
		FailBind:   make(map[string]bool),
		FailProbe:  make(map[string]bool),
	}
}

// AddDevice registers a mocked device bound to the given driver, which also
// becomes the driver auto-matching would pick when no override is set.
func (m *MockPci) AddDevice(slot string, vendor, device uint16, group int, driver string) *MockDevice {
	d := &MockDevice{
		Vendor:        vendor,
		Device:        device,
		IommuGroup:    group,
		Driver:        driver,
		DefaultDriver: driver,
	}
	m.Devices[slot] = d
	return d
}

func (m *MockPci) GetDevice(slot string) (*Device, error) {
	d, ok := m.Devices[slot]
	if !ok {
		return nil, fmt.Errorf("no PCI device in slot %v", slot)
	}
	return &Device{
		Slot:       slot,
		Vendor:     d.Vendor,
		Device:     d.Device,
		Driver:     d.Driver,
		IommuGroup: d.IommuGroup,
	}, nil
}

func (m *MockPci) GetIommuGroupDevices(group int) ([]*Device, error) {
	var slots []string
	for slot, d := range m.Devices {
		if d.IommuGroup == group {
			slots = append(slots, slot)
		}
	}
	if len(slots) == 0 {
		return nil, fmt.Errorf("no devices in iommu group %v", group)
	}
	var devices []*Device
	for _, slot := range slots {
		device, _ := m.GetDevice(slot)
		devices = append(devices, device)
	}
	return devices, nil
}

func (m *MockPci) GetDriverOverride(slot string) (string, error) {
	d, ok := m.Devices[slot]
	if !ok {
		return "", fmt.Errorf("no PCI device in slot %v", slot)
	}
	return d.Override, nil
}

func (m *MockPci) SetDriverOverride(slot string, driver string) error {
	d, ok := m.Devices[slot]
	if !ok {
		return fmt.Errorf("no PCI device in slot %v", slot)
	}
	m.Writes = append(m.Writes, fmt.Sprintf("override %v %v", slot, driver))
	d.Override = driver
	return nil
}

func (m *MockPci) ClearDriverOverride(slot string) error {
	d, ok := m.Devices[slot]
	if !ok {
		return fmt.Errorf("no PCI device in slot %v", slot)
	}
	m.Writes = append(m.Writes, fmt.Sprintf("override %v (clear)", slot))
	d.Override = ""
	return nil
}

func (m *MockPci) Unbind(slot string) error {
	d, ok := m.Devices[slot]
	if !ok {
		return fmt.Errorf("no PCI device in slot %v", slot)
	}
	if d.Driver == "" {
		return fmt.Errorf("error unbinding %v: no driver bound", slot)
	}
	if m.FailUnbind[slot] {
		return fmt.Errorf("error unbinding %v: injected failure", slot)
	}
	m.Writes = append(m.Writes, fmt.Sprintf("unbind %v", slot))
	d.Driver = ""
	return nil
}

func (m *MockPci) BindToDriver(slot string, driver string) error {
	d, ok := m.Devices[slot]
	if !ok {
		return fmt.Errorf("no PCI device in slot %v", slot)
	}
	if !m.KnownDrivers[driver] {
		return fmt.Errorf("error binding %v to %v: no such driver", slot, driver)
	}
	if d.Driver != "" {
		return fmt.Errorf("error binding %v to %v: device busy", slot, driver)
	}
	if m.FailBind[slot] {
		return fmt.Errorf("error binding %v to %v: injected failure", slot, driver)
	}
	m.Writes = append(m.Writes, fmt.Sprintf("bind %v %v", slot, driver))
	d.Driver = driver
	return nil
}

func (m *MockPci) Probe(slot string) error {
	d, ok := m.Devices[slot]
	if !ok {
		return fmt.Errorf("no PCI device in slot %v", slot)
	}
	if m.FailProbe[slot] {
		return fmt.Errorf("error probing drivers for %v: injected failure", slot)
	}
	m.Writes = append(m.Writes, fmt.Sprintf("probe %v", slot))
	if d.Driver != "" {
		return nil
	}
	if d.Override != "" {
		if !m.KnownDrivers[d.Override] {
			return nil
		}
		d.Driver = d.Override
		return nil
	}
	d.Driver = d.DefaultDriver
	return nil
}
