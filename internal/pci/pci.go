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
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// DefaultSysfsRoot is the root of the real sysfs mount.
	DefaultSysfsRoot = "/sys"

	// VfioPciDriver is the generic passthrough driver name.
	VfioPciDriver = "vfio-pci"
)

// Device represents the state of a single PCI device at the moment it was
// read from sysfs. It is never cached across calls: the true owner of a
// device can change outside this program's control.
type Device struct {
	Slot       string
	Vendor     uint16
	Device     uint16
	Driver     string
	IommuGroup int
}

// Interface is the set of operations the binding state machine needs from
// the PCI subsystem.
type Interface interface {
	GetDevice(slot string) (*Device, error)
	GetIommuGroupDevices(group int) ([]*Device, error)
	GetDriverOverride(slot string) (string, error)
	SetDriverOverride(slot string, driver string) error
	ClearDriverOverride(slot string) error
	Unbind(slot string) error
	BindToDriver(slot string, driver string) error
	Probe(slot string) error
}

type sysfsPci struct {
	root string
}

var _ Interface = (*sysfsPci)(nil)

// New creates an Interface backed by the sysfs tree rooted at 'root'.
func New(root string) Interface {
	return &sysfsPci{root}
}

func (p *sysfsPci) devicePath(slot string) string {
	return filepath.Join(p.root, "bus", "pci", "devices", slot)
}

// GetDevice reads the current state of the device in the given slot.
func (p *sysfsPci) GetDevice(slot string) (*Device, error) {
	devicePath := p.devicePath(slot)
	if _, err := os.Stat(devicePath); err != nil {
		return nil, fmt.Errorf("no PCI device in slot %v: %v", slot, err)
	}

	vendor, err := readHexID(filepath.Join(devicePath, "vendor"))
	if err != nil {
		return nil, fmt.Errorf("error reading vendor id: %v", err)
	}

	device, err := readHexID(filepath.Join(devicePath, "device"))
	if err != nil {
		return nil, fmt.Errorf("error reading device id: %v", err)
	}

	d := &Device{
		Slot:       slot,
		Vendor:     vendor,
		Device:     device,
		IommuGroup: -1,
	}

	// Both links are optional: a device may have no bound driver, and
	// platforms without an IOMMU expose no iommu_group link.
	if driver, err := os.Readlink(filepath.Join(devicePath, "driver")); err == nil {
		d.Driver = filepath.Base(driver)
	}
	if group, err := os.Readlink(filepath.Join(devicePath, "iommu_group")); err == nil {
		id, err := strconv.Atoi(filepath.Base(group))
		if err != nil {
			return nil, fmt.Errorf("error parsing iommu group %v: %v", group, err)
		}
		d.IommuGroup = id
	}

	return d, nil
}

// GetIommuGroupDevices returns the state of every device in the given IOMMU group.
func (p *sysfsPci) GetIommuGroupDevices(group int) ([]*Device, error) {
	groupPath := filepath.Join(p.root, "kernel", "iommu_groups", strconv.Itoa(group), "devices")
	entries, err := os.ReadDir(groupPath)
	if err != nil {
		return nil, fmt.Errorf("error listing devices of iommu group %v: %v", group, err)
	}

	var devices []*Device
	for _, entry := range entries {
		device, err := p.GetDevice(entry.Name())
		if err != nil {
			return nil, fmt.Errorf("error reading iommu group member %v: %v", entry.Name(), err)
		}
		devices = append(devices, device)
	}

	return devices, nil
}

// GetDriverOverride reads the device's driver_override attribute. An unset
// override reads back as "(null)" from the kernel; both that and an empty
// file are reported as "".
func (p *sysfsPci) GetDriverOverride(slot string) (string, error) {
	data, err := os.ReadFile(filepath.Join(p.devicePath(slot), "driver_override"))
	if err != nil {
		return "", fmt.Errorf("error reading driver_override for %v: %v", slot, err)
	}
	override := strings.TrimSpace(string(data))
	if override == "(null)" {
		override = ""
	}
	return override, nil
}

// SetDriverOverride forces which driver claims the device on the next probe.
func (p *sysfsPci) SetDriverOverride(slot string, driver string) error {
	err := os.WriteFile(filepath.Join(p.devicePath(slot), "driver_override"), []byte(driver), 0200)
	if err != nil {
		return fmt.Errorf("error setting driver_override for %v: %v", slot, err)
	}
	return nil
}

// ClearDriverOverride resets the device to normal driver auto-matching.
// The kernel clears the attribute when written a newline.
func (p *sysfsPci) ClearDriverOverride(slot string) error {
	err := os.WriteFile(filepath.Join(p.devicePath(slot), "driver_override"), []byte("\n"), 0200)
	if err != nil {
		return fmt.Errorf("error clearing driver_override for %v: %v", slot, err)
	}
	return nil
}

// Unbind detaches the device from its current driver through the device's
// own unbind attribute, leaving other devices on that driver untouched.
func (p *sysfsPci) Unbind(slot string) error {
	err := os.WriteFile(filepath.Join(p.devicePath(slot), "driver", "unbind"), []byte(slot), 0200)
	if err != nil {
		return fmt.Errorf("error unbinding %v: %v", slot, err)
	}
	return nil
}

// BindToDriver binds the device to the named driver directly.
func (p *sysfsPci) BindToDriver(slot string, driver string) error {
	err := os.WriteFile(filepath.Join(p.root, "bus", "pci", "drivers", driver, "bind"), []byte(slot), 0200)
	if err != nil {
		return fmt.Errorf("error binding %v to %v: %v", slot, driver, err)
	}
	return nil
}

// Probe asks the kernel to re-run driver matching for the device, honouring
// any driver_override currently set.
func (p *sysfsPci) Probe(slot string) error {
	err := os.WriteFile(filepath.Join(p.root, "bus", "pci", "drivers_probe"), []byte(slot), 0200)
	if err != nil {
		return fmt.Errorf("error probing drivers for %v: %v", slot, err)
	}
	return nil
}

func readHexID(path string) (uint16, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimSpace(string(data)), "0x"), 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(id), nil
}
