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

package ensure

import (
	"context"
	"os"
	"strings"

	"github.com/vfio-tools/vfioctl/internal/pkgmgr"
	"github.com/vfio-tools/vfioctl/internal/systemd"
)

// FileExists probes for the presence of a path.
func FileExists(path string) Probe {
	return func() bool {
		_, err := os.Stat(path)
		return err == nil
	}
}

// FileContainsLine probes for an exact line inside a file.
func FileContainsLine(path, line string) Probe {
	return func() bool {
		data, err := os.ReadFile(path)
		if err != nil {
			return false
		}
		for _, l := range strings.Split(string(data), "\n") {
			if strings.TrimSpace(l) == line {
				return true
			}
		}
		return false
	}
}

// ModuleLoaded probes the loaded-module list (/proc/modules format) for a
// kernel module. Dashes and underscores are equivalent in module names.
func ModuleLoaded(procModules, module string) Probe {
	want := strings.ReplaceAll(module, "-", "_")
	return func() bool {
		data, err := os.ReadFile(procModules)
		if err != nil {
			return false
		}
		for _, line := range strings.Split(string(data), "\n") {
			fields := strings.Fields(line)
			if len(fields) > 0 && fields[0] == want {
				return true
			}
		}
		return false
	}
}

// PackageInstalled probes the package manager port.
func PackageInstalled(ctx context.Context, mgr pkgmgr.Interface, name string) Probe {
	return func() bool {
		installed, err := mgr.IsInstalled(ctx, name)
		if err != nil {
			return false
		}
		return installed
	}
}

// ServiceActive probes the service manager port for an active unit.
func ServiceActive(svc systemd.Interface, name string) Probe {
	return func() bool {
		active, err := svc.IsActive(name)
		if err != nil {
			return false
		}
		if !active {
			return false
		}
		enabled, err := svc.IsEnabled(name)
		if err != nil {
			return false
		}
		return enabled
	}
}
