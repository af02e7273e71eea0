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

package pkgmgr

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAptIsInstalled(t *testing.T) {
	installed := map[string]bool{"qemu-system-x86": true}

	m := NewAptManagerWithExecer(func(_ context.Context, name string, args ...string) ([]byte, error) {
		require.Equal(t, "dpkg-query", name)
		pkg := args[len(args)-1]
		if !installed[pkg] {
			// dpkg-query exits non-zero for packages it has never heard of.
			return []byte(fmt.Sprintf("dpkg-query: no packages found matching %v", pkg)), fmt.Errorf("exit status 1")
		}
		return []byte("install ok installed"), nil
	})

	ok, err := m.IsInstalled(context.Background(), "qemu-system-x86")
	require.Nil(t, err)
	require.True(t, ok)

	// An unknown package is a "no", not an error.
	ok, err = m.IsInstalled(context.Background(), "no-such-package")
	require.Nil(t, err)
	require.False(t, ok)
}

func TestAptIsInstalledRemovedPackage(t *testing.T) {
	m := NewAptManagerWithExecer(func(_ context.Context, _ string, _ ...string) ([]byte, error) {
		// Removed but not purged packages still have a dpkg status line.
		return []byte("deinstall ok config-files"), nil
	})

	ok, err := m.IsInstalled(context.Background(), "ovmf")
	require.Nil(t, err)
	require.False(t, ok)
}

func TestAptInstall(t *testing.T) {
	var commands []string
	m := NewAptManagerWithExecer(func(_ context.Context, name string, args ...string) ([]byte, error) {
		commands = append(commands, strings.Join(append([]string{name}, args...), " "))
		return nil, nil
	})

	require.Nil(t, m.Install(context.Background(), "libvirt-daemon-system", "ovmf"))
	require.Len(t, commands, 1)
	require.Equal(t, "apt-get install -y --no-install-recommends libvirt-daemon-system ovmf", commands[0])
}

func TestAptInstallFailure(t *testing.T) {
	m := NewAptManagerWithExecer(func(_ context.Context, _ string, _ ...string) ([]byte, error) {
		return []byte("E: Unable to locate package nope"), fmt.Errorf("exit status 100")
	})

	err := m.Install(context.Background(), "nope")
	require.NotNil(t, err)
	require.Contains(t, err.Error(), "Unable to locate package")
}
