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

package status

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/NVIDIA/go-nvlib/pkg/nvpci"
	"github.com/stretchr/testify/require"

	"github.com/vfio-tools/vfioctl/internal/pci"
	"github.com/vfio-tools/vfioctl/pkg/provision/phases"
	"github.com/vfio-tools/vfioctl/pkg/vfio/binding"
)

type fakeLister struct {
	gpus []*nvpci.NvidiaPCIDevice
	err  error
}

func (f *fakeLister) GetGPUs() ([]*nvpci.NvidiaPCIDevice, error) {
	return f.gpus, f.err
}

func newTestReporter(t *testing.T, addresses ...string) (*reporter, *pci.MockPci) {
	t.Helper()

	mock := pci.NewMockPci()
	var gpus []*nvpci.NvidiaPCIDevice
	for _, address := range addresses {
		gpus = append(gpus, &nvpci.NvidiaPCIDevice{Address: address})
	}

	r := &reporter{
		lister:  &fakeLister{gpus: gpus},
		manager: binding.New(binding.Config{Pci: mock, Hotplug: &binding.FakeHotplug{}}),
		runDir:  t.TempDir(),
	}
	return r, mock
}

func TestStatusReport(t *testing.T) {
	r, mock := newTestReporter(t, "0000:01:00.0", "0000:02:00.0")
	mock.AddDevice("0000:01:00.0", 0x10de, 0x20bf, 13, "nvidia")
	mock.AddDevice("0000:02:00.0", 0x10de, 0x20bf, 14, "vfio-pci")

	var buf bytes.Buffer
	require.Nil(t, r.report(&buf))

	out := buf.String()
	require.Contains(t, out, "0000:01:00.0")
	require.Contains(t, out, string(binding.HostBound))
	require.Contains(t, out, string(binding.PassthroughBound))
	require.NotContains(t, out, "reboot")
}

func TestStatusUnboundGPU(t *testing.T) {
	r, mock := newTestReporter(t, "0000:01:00.0")
	mock.AddDevice("0000:01:00.0", 0x10de, 0x20bf, 13, "")

	var buf bytes.Buffer
	require.Nil(t, r.report(&buf))
	require.Contains(t, buf.String(), string(binding.Unbound))
}

func TestStatusNoGPUs(t *testing.T) {
	r, _ := newTestReporter(t)

	var buf bytes.Buffer
	require.Nil(t, r.report(&buf))
	require.Contains(t, buf.String(), "No NVIDIA GPUs found")
}

func TestStatusReportsRebootMarker(t *testing.T) {
	r, mock := newTestReporter(t, "0000:01:00.0")
	mock.AddDevice("0000:01:00.0", 0x10de, 0x20bf, 13, "nvidia")
	require.Nil(t, os.WriteFile(filepath.Join(r.runDir, phases.RebootMarker), nil, 0644))

	var buf bytes.Buffer
	require.Nil(t, r.report(&buf))
	require.Contains(t, buf.String(), "A reboot is required")
}
