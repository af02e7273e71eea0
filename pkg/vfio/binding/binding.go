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

package binding

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vfio-tools/vfioctl/internal/pci"
)

// State is the driver-ownership state of a PCI device. Exactly one state
// holds for a slot at any point in time.
type State string

const (
	HostBound        State = "HOST_BOUND"
	PassthroughBound State = "PASSTHROUGH_BOUND"
	Unbound          State = "UNBOUND"
)

// Record is the binding state of a device at the moment it was read. It is
// re-derived from the device registry on every call and never cached: the
// true owner of the device can change outside this program's control.
type Record struct {
	Slot       string
	Vendor     uint16
	Device     uint16
	IommuGroup int
	Driver     string
	State      State
}

// Result reports the outcome of an attach or detach, carrying enough state
// for the caller to decide between retry and abort. On failure, FailedStep
// names the exact step and State is the known driver state the device was
// left in.
type Result struct {
	Slot       string
	State      State
	FailedStep string
	Warnings   []string
}

// Config configures a Manager. Zero values select the real PCI registry,
// the virsh hot-plug path and the nvidia host driver.
type Config struct {
	Pci             pci.Interface
	Hotplug         Hotplug
	HostDriver      string
	StrictIsolation bool
	// RebindOnDetach rebinds the host driver after a detach; when false
	// the device is left unbound, reserved for the next guest.
	RebindOnDetach bool
}

// Manager moves one PCI device at a time between the host driver and the
// passthrough driver.
type Manager struct {
	pci             pci.Interface
	hotplug         Hotplug
	hostDriver      string
	strictIsolation bool
	rebindOnDetach  bool
}

// New creates a Manager from the given Config.
func New(config Config) *Manager {
	if config.Pci == nil {
		config.Pci = pci.New(pci.DefaultSysfsRoot)
	}
	if config.Hotplug == nil {
		config.Hotplug = NewVirshHotplug()
	}
	if config.HostDriver == "" {
		config.HostDriver = "nvidia"
	}
	return &Manager{
		pci:             config.Pci,
		hotplug:         config.Hotplug,
		hostDriver:      config.HostDriver,
		strictIsolation: config.StrictIsolation,
		rebindOnDetach:  config.RebindOnDetach,
	}
}

// Current reads the device's binding state.
func (m *Manager) Current(slot string) (*Record, error) {
	device, err := m.pci.GetDevice(slot)
	if err != nil {
		return nil, err
	}

	record := &Record{
		Slot:       device.Slot,
		Vendor:     device.Vendor,
		Device:     device.Device,
		IommuGroup: device.IommuGroup,
		Driver:     device.Driver,
	}

	switch device.Driver {
	case "":
		record.State = Unbound
	case pci.VfioPciDriver:
		record.State = PassthroughBound
	default:
		// Any vendor driver counts as host ownership, not just the
		// one we would rebind to.
		record.State = HostBound
	}

	return record, nil
}

// sameCardFunction reports whether two slots are functions of the same
// physical device (same domain:bus:device, different function). A GPU's own
// audio or bridge functions sharing its IOMMU group are expected and safe.
func sameCardFunction(a, b string) bool {
	ai := strings.LastIndex(a, ".")
	bi := strings.LastIndex(b, ".")
	if ai < 0 || bi < 0 {
		return false
	}
	return a[:ai] == b[:bi]
}

// checkIsolation inspects the device's IOMMU group and returns a warning for
// every group member that is not the device itself or one of its sibling
// functions. Isolation is advisory by default: some platforms cannot avoid
// broad grouping.
func (m *Manager) checkIsolation(record *Record) ([]string, error) {
	if record.IommuGroup < 0 {
		return nil, fmt.Errorf("device %v has no IOMMU group; passthrough is not possible", record.Slot)
	}

	members, err := m.pci.GetIommuGroupDevices(record.IommuGroup)
	if err != nil {
		return nil, fmt.Errorf("error resolving IOMMU group %v: %v", record.IommuGroup, err)
	}

	var warnings []string
	for _, member := range members {
		if member.Slot == record.Slot || sameCardFunction(member.Slot, record.Slot) {
			continue
		}
		warnings = append(warnings, fmt.Sprintf("IOMMU group %v also contains %v (driver %q)", record.IommuGroup, member.Slot, member.Driver))
	}

	if len(warnings) > 0 && m.strictIsolation {
		return warnings, fmt.Errorf("IOMMU group %v is not isolated: %v", record.IommuGroup, strings.Join(warnings, "; "))
	}
	return warnings, nil
}

// Attach moves the device from the host driver to the passthrough driver and
// hands it to the guest's hot-plug path. It requires the device to be
// HOST_BOUND. On failure the device is left in the known state carried by
// the Result; a failed attach is never automatically reversed, because
// surfacing the state to the operator is judged safer than a second
// multi-step hardware rebind.
func (m *Manager) Attach(ctx context.Context, slot string, vm string) (*Result, error) {
	record, err := m.Current(slot)
	if err != nil {
		return nil, err
	}

	result := &Result{Slot: slot, State: record.State}

	if record.State != HostBound {
		result.FailedStep = "precondition"
		return result, fmt.Errorf("device %v is %v, expected %v", slot, record.State, HostBound)
	}

	warnings, err := m.checkIsolation(record)
	result.Warnings = warnings
	for _, w := range warnings {
		log.Warn(w)
	}
	if err != nil {
		result.FailedStep = "isolation"
		return result, err
	}

	if err := m.pci.Unbind(slot); err != nil {
		result.FailedStep = "unbind"
		result.State = HostBound
		return result, err
	}
	result.State = Unbound

	// A stale override left over from an earlier run would make the next
	// probe after an unexpected reboot bind the wrong driver.
	if err := m.pci.ClearDriverOverride(slot); err != nil {
		result.FailedStep = "clear-override"
		return result, err
	}

	if err := m.pci.SetDriverOverride(slot, pci.VfioPciDriver); err != nil {
		result.FailedStep = "set-override"
		return result, err
	}

	if err := m.pci.Probe(slot); err != nil {
		m.tryClearOverride(slot)
		result.FailedStep = "probe"
		return result, err
	}

	bound, err := m.Current(slot)
	if err != nil {
		m.tryClearOverride(slot)
		result.FailedStep = "verify"
		return result, err
	}
	if bound.State != PassthroughBound {
		m.tryClearOverride(slot)
		result.FailedStep = "verify"
		result.State = bound.State
		return result, fmt.Errorf("device %v bound to %q after probe, expected %v", slot, bound.Driver, pci.VfioPciDriver)
	}
	result.State = PassthroughBound

	if vm != "" {
		if err := m.hotplug.AttachDevice(ctx, vm, slot); err != nil {
			result.FailedStep = "hotplug"
			return result, err
		}
	}

	return result, nil
}

// Detach is the inverse of Attach: remove the device from the guest, unbind
// the passthrough driver, clear the override and, in flexible mode, rebind
// and verify the host driver. An empty vm skips the guest removal step.
func (m *Manager) Detach(ctx context.Context, slot string, vm string) (*Result, error) {
	record, err := m.Current(slot)
	if err != nil {
		return nil, err
	}

	result := &Result{Slot: slot, State: record.State}

	if record.State == HostBound {
		// Nothing to undo, but never leave a stale override behind a
		// host-bound device.
		if override, err := m.pci.GetDriverOverride(slot); err == nil && override != "" {
			if err := m.pci.ClearDriverOverride(slot); err != nil {
				result.FailedStep = "clear-override"
				return result, err
			}
		}
		return result, nil
	}

	if record.State == PassthroughBound {
		if vm != "" {
			if err := m.hotplug.DetachDevice(ctx, vm, slot); err != nil {
				result.FailedStep = "hotplug-detach"
				return result, err
			}
		}
		if err := m.pci.Unbind(slot); err != nil {
			result.FailedStep = "unbind"
			return result, err
		}
	}
	result.State = Unbound

	if err := m.pci.ClearDriverOverride(slot); err != nil {
		result.FailedStep = "clear-override"
		return result, err
	}

	if !m.rebindOnDetach {
		return result, nil
	}

	if err := m.pci.Probe(slot); err != nil {
		result.FailedStep = "rebind"
		return result, err
	}

	bound, err := m.Current(slot)
	if err != nil {
		result.FailedStep = "verify"
		return result, err
	}
	if bound.Driver != m.hostDriver {
		result.FailedStep = "verify"
		result.State = bound.State
		return result, fmt.Errorf("device %v bound to %q after rebind, expected %v", slot, bound.Driver, m.hostDriver)
	}
	result.State = HostBound

	return result, nil
}

func (m *Manager) tryClearOverride(slot string) {
	if err := m.pci.ClearDriverOverride(slot); err != nil {
		log.Warnf("error clearing driver_override for %v: %v", slot, err)
	}
}
