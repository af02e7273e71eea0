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
	"os/exec"
	"strings"
)

// Interface is the package manager port used by the provisioning phases.
type Interface interface {
	IsInstalled(ctx context.Context, name string) (bool, error)
	Install(ctx context.Context, names ...string) error
}

// Execer runs a command and returns its combined output. Injected so that
// tests can run without a package database.
type Execer func(ctx context.Context, name string, args ...string) ([]byte, error)

// DefaultExecer runs commands for real.
func DefaultExecer(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

type aptManager struct {
	execer Execer
}

var _ Interface = (*aptManager)(nil)

// NewAptManager creates a package manager port backed by dpkg/apt-get.
func NewAptManager() Interface {
	return &aptManager{DefaultExecer}
}

// NewAptManagerWithExecer creates an apt port with a custom command runner.
func NewAptManagerWithExecer(execer Execer) Interface {
	return &aptManager{execer}
}

// IsInstalled queries the dpkg database for the package's install status.
func (m *aptManager) IsInstalled(ctx context.Context, name string) (bool, error) {
	out, err := m.execer(ctx, "dpkg-query", "-W", "-f=${Status}", name)
	if err != nil {
		// dpkg-query exits non-zero for unknown packages; that is a
		// normal "not installed" answer, not a failure.
		return false, nil
	}
	return strings.Contains(string(out), "install ok installed"), nil
}

// Install installs the named packages non-interactively.
func (m *aptManager) Install(ctx context.Context, names ...string) error {
	args := append([]string{"install", "-y", "--no-install-recommends"}, names...)
	out, err := m.execer(ctx, "apt-get", args...)
	if err != nil {
		return fmt.Errorf("error installing %v: %v: %s", strings.Join(names, ", "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Fake is a deterministic in-memory package manager for tests.
type Fake struct {
	Installed map[string]bool
	// FailInstall makes Install fail for the named package.
	FailInstall map[string]bool
	// Installs records every package passed to Install, in order.
	Installs []string
}

var _ Interface = (*Fake)(nil)

// NewFake creates an empty Fake.
func NewFake() *Fake {
	return &Fake{
		Installed:   make(map[string]bool),
		FailInstall: make(map[string]bool),
	}
}

func (f *Fake) IsInstalled(_ context.Context, name string) (bool, error) {
	return f.Installed[name], nil
}

func (f *Fake) Install(_ context.Context, names ...string) error {
	for _, name := range names {
		if f.FailInstall[name] {
			return fmt.Errorf("error installing %v: injected failure", name)
		}
		f.Installs = append(f.Installs, name)
		f.Installed[name] = true
	}
	return nil
}
