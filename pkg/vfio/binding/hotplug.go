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
	"os"
	"os/exec"
	"strings"
)

// Hotplug is the hypervisor hot-plug port: hand a passthrough-bound device
// to a running guest, or take it back.
type Hotplug interface {
	AttachDevice(ctx context.Context, vm string, slot string) error
	DetachDevice(ctx context.Context, vm string, slot string) error
}

type virshHotplug struct{}

var _ Hotplug = (*virshHotplug)(nil)

// NewVirshHotplug creates a Hotplug backed by the virsh CLI.
func NewVirshHotplug() Hotplug {
	return &virshHotplug{}
}

// hostdevXML renders the libvirt hostdev element for a PCI slot in
// domain:bus:device.function form.
func hostdevXML(slot string) (string, error) {
	var domain, bus, device, function uint32
	_, err := fmt.Sscanf(slot, "%04x:%02x:%02x.%x", &domain, &bus, &device, &function)
	if err != nil {
		return "", fmt.Errorf("error parsing PCI slot %v: %v", slot, err)
	}
	xml := fmt.Sprintf(`<hostdev mode='subsystem' type='pci' managed='no'>
  <source>
    <address domain='0x%04x' bus='0x%02x' slot='0x%02x' function='0x%x'/>
  </source>
</hostdev>
`, domain, bus, device, function)
	return xml, nil
}

func (h *virshHotplug) run(ctx context.Context, verb, vm, slot string) error {
	xml, err := hostdevXML(slot)
	if err != nil {
		return err
	}

	f, err := os.CreateTemp("", "vfioctl-hostdev-*.xml")
	if err != nil {
		return fmt.Errorf("error creating hostdev XML file: %v", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(xml); err != nil {
		f.Close()
		return fmt.Errorf("error writing hostdev XML file: %v", err)
	}
	f.Close()

	out, err := exec.CommandContext(ctx, "virsh", verb, vm, f.Name(), "--live").CombinedOutput()
	if err != nil {
		return fmt.Errorf("virsh %v failed for %v: %v: %s", verb, vm, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (h *virshHotplug) AttachDevice(ctx context.Context, vm string, slot string) error {
	return h.run(ctx, "attach-device", vm, slot)
}

func (h *virshHotplug) DetachDevice(ctx context.Context, vm string, slot string) error {
	return h.run(ctx, "detach-device", vm, slot)
}

// FakeHotplug is a Hotplug for tests, recording calls.
type FakeHotplug struct {
	AttachErr error
	DetachErr error
	Attached  []string
	Detached  []string
}

var _ Hotplug = (*FakeHotplug)(nil)

func (f *FakeHotplug) AttachDevice(_ context.Context, vm string, slot string) error {
	if f.AttachErr != nil {
		return f.AttachErr
	}
	f.Attached = append(f.Attached, vm+"/"+slot)
	return nil
}

func (f *FakeHotplug) DetachDevice(_ context.Context, vm string, slot string) error {
	if f.DetachErr != nil {
		return f.DetachErr
	}
	f.Detached = append(f.Detached, vm+"/"+slot)
	return nil
}
