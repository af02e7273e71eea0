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

package phases

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/vfio-tools/vfioctl/internal/pkgmgr"
	"github.com/vfio-tools/vfioctl/internal/systemd"
	"github.com/vfio-tools/vfioctl/pkg/netmig"
	"github.com/vfio-tools/vfioctl/pkg/provision/ensure"
	"github.com/vfio-tools/vfioctl/pkg/provision/phase"
)

// Package sets per phase. Ubuntu server naming.
var (
	GPUDriverPackages  = []string{"nvidia-driver-550-server", "nvidia-utils-550-server"}
	HypervisorPackages = []string{"qemu-system-x86", "libvirt-daemon-system", "ovmf"}
	ToolPackages       = []string{"libvirt-clients", "virtinst"}
)

// VfioModules are loaded at boot once passthrough is enabled.
var VfioModules = []string{"vfio", "vfio_iommu_type1", "vfio-pci"}

// RebootMarker, relative to the run directory, signals that a reboot is
// required before passthrough can work.
const RebootMarker = "reboot-required"

// DefaultRunDir holds run-scoped state such as the reboot marker.
const DefaultRunDir = "/run/vfioctl"

// Deps carries the capability ports the phases act through. Zero values
// select the real host; tests substitute fakes and temp trees.
type Deps struct {
	Cfg      *phase.RunConfig
	Log      *logrus.Logger
	Pkg      pkgmgr.Interface
	Svc      systemd.Interface
	Migrator *netmig.Migrator
	// Execer runs host commands (modprobe, update-grub, update-initramfs,
	// reboot).
	Execer pkgmgr.Execer
	// EtcRoot, ProcModules and RunDir relocate the host paths for tests.
	EtcRoot     string
	ProcModules string
	RunDir      string
}

func (d *Deps) defaults() {
	if d.Log == nil {
		d.Log = logrus.New()
	}
	if d.Pkg == nil {
		d.Pkg = pkgmgr.NewAptManager()
	}
	if d.Execer == nil {
		d.Execer = pkgmgr.DefaultExecer
	}
	if d.EtcRoot == "" {
		d.EtcRoot = "/etc"
	}
	if d.ProcModules == "" {
		d.ProcModules = "/proc/modules"
	}
	if d.RunDir == "" {
		d.RunDir = DefaultRunDir
	}
}

func (d *Deps) run(ctx context.Context, name string, args ...string) error {
	out, err := d.Execer(ctx, name, args...)
	if err != nil {
		return fmt.Errorf("%v failed: %v: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// installAction builds one ensure action per package.
func installActions(ctx context.Context, d *Deps, names []string) []ensure.Action {
	var actions []ensure.Action
	for _, name := range names {
		name := name
		actions = append(actions, ensure.Action{
			Name:      fmt.Sprintf("package %v installed", name),
			Satisfied: ensure.PackageInstalled(ctx, d.Pkg, name),
			Run:       func() error { return d.Pkg.Install(ctx, name) },
		})
	}
	return actions
}

// Build assembles the five provisioning phases. Each phase is a sequence of
// idempotent actions over the capability ports; re-running a completed phase
// performs zero mutations.
func Build(d Deps) []phase.Descriptor {
	d.defaults()
	enforcer := ensure.New(d.Cfg.DryRun, d.Log)

	return []phase.Descriptor{
		{Number: 1, Name: "gpu-driver", Run: func(ctx context.Context) error {
			actions := installActions(ctx, &d, GPUDriverPackages)
			actions = append(actions, ensure.Action{
				Name:      "nvidia module loaded",
				Satisfied: ensure.ModuleLoaded(d.ProcModules, "nvidia"),
				Run:       func() error { return d.run(ctx, "modprobe", "nvidia") },
			})
			return enforcer.EnsureAll(actions)
		}},

		{Number: 2, Name: "hypervisor", Run: func(ctx context.Context) error {
			actions := installActions(ctx, &d, HypervisorPackages)
			actions = append(actions, ensure.Action{
				Name:      "libvirtd enabled and active",
				Satisfied: ensure.ServiceActive(d.Svc, "libvirtd.service"),
				Run:       func() error { return d.Svc.EnableAndStart("libvirtd.service") },
			})
			return enforcer.EnsureAll(actions)
		}},

		{Number: 3, Name: "iommu", Run: func(ctx context.Context) error {
			return d.runIommuPhase(ctx, enforcer)
		}},

		{Number: 4, Name: "network", Run: func(ctx context.Context) error {
			return enforcer.Ensure(ensure.Action{
				Name:      fmt.Sprintf("interface %v migrated onto bridge %v", d.Cfg.Interface, d.Cfg.BridgeName),
				Satisfied: func() bool { return d.Migrator.BridgeConfigured(d.Cfg.BridgeName) },
				Run: func() error {
					_, err := d.Migrator.Migrate(ctx, d.Cfg.Interface, d.Cfg.BridgeName)
					return err
				},
			})
		}},

		{Number: 5, Name: "tools", Run: func(ctx context.Context) error {
			return enforcer.EnsureAll(installActions(ctx, &d, ToolPackages))
		}},
	}
}

// runIommuPhase enables IOMMU on the kernel command line and arranges for
// the vfio modules to load at boot. Any mutation here is only effective
// after a reboot, so the phase records a reboot marker and, when the
// operator explicitly allowed it, reboots.
func (d *Deps) runIommuPhase(ctx context.Context, enforcer *ensure.Enforcer) error {
	grubPath := filepath.Join(d.EtcRoot, "default", "grub")
	modulesPath := filepath.Join(d.EtcRoot, "modules-load.d", "vfio.conf")
	modulesContent := strings.Join(VfioModules, "\n") + "\n"

	changed := false
	mark := func(run func() error) func() error {
		return func() error {
			changed = true
			return run()
		}
	}

	actions := []ensure.Action{
		{
			Name:      "IOMMU enabled on kernel command line",
			Satisfied: GrubHasTokens(grubPath, grubCmdlineVar, "intel_iommu=on", "iommu=pt"),
			Run: mark(func() error {
				if err := AddGrubTokens(grubPath, grubCmdlineVar, "intel_iommu=on", "iommu=pt"); err != nil {
					return err
				}
				return d.run(ctx, "update-grub")
			}),
		},
		{
			Name:      "vfio modules configured to load at boot",
			Satisfied: ensure.FileContainsLine(modulesPath, "vfio-pci"),
			Run: mark(func() error {
				if err := os.MkdirAll(filepath.Dir(modulesPath), 0755); err != nil {
					return err
				}
				if err := os.WriteFile(modulesPath, []byte(modulesContent), 0644); err != nil {
					return err
				}
				return d.run(ctx, "update-initramfs", "-u")
			}),
		},
	}
	if err := enforcer.EnsureAll(actions); err != nil {
		return err
	}

	if !changed || d.Cfg.DryRun {
		return nil
	}

	if err := os.MkdirAll(d.RunDir, 0755); err != nil {
		return fmt.Errorf("error creating %v: %v", d.RunDir, err)
	}
	marker := filepath.Join(d.RunDir, RebootMarker)
	if err := os.WriteFile(marker, []byte("reboot required for IOMMU changes\n"), 0644); err != nil {
		return fmt.Errorf("error writing reboot marker: %v", err)
	}
	d.Log.Warnf("IOMMU configuration changed; a reboot is required (marker: %v)", marker)

	if d.Cfg.AllowReboot {
		d.Log.Warn("rebooting now (--allow-reboot)")
		return d.run(ctx, "systemctl", "reboot")
	}
	return nil
}

// RebootRequired reports whether a previous run left a reboot marker.
func RebootRequired(runDir string) bool {
	if runDir == "" {
		runDir = DefaultRunDir
	}
	_, err := os.Stat(filepath.Join(runDir, RebootMarker))
	return err == nil
}
