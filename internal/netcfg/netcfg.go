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

package netcfg

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// DefaultConfigDir is where netplan looks for configuration files.
const DefaultConfigDir = "/etc/netplan"

// Configurator is the network configurator port: it owns the configuration
// directory and knows how to apply its contents, either permanently or
// through the trial-then-confirm mechanism that auto-reverts on timeout.
type Configurator interface {
	ConfigDir() string
	WriteConfig(filename string, data []byte) error
	RemoveConfig(filename string) error
	// TryApply applies the configuration in trial mode and runs confirm
	// while the automatic revert timer is armed. The trial is accepted
	// only if confirm returns nil; otherwise the acceptance is withheld
	// and the previous configuration comes back on its own.
	TryApply(ctx context.Context, timeout time.Duration, confirm func(context.Context) error) error
	Apply(ctx context.Context) error
}

type netplanConfigurator struct {
	dir string
}

var _ Configurator = (*netplanConfigurator)(nil)

// NewNetplanConfigurator creates a Configurator backed by the netplan CLI
// and the given configuration directory.
func NewNetplanConfigurator(dir string) Configurator {
	return &netplanConfigurator{dir}
}

func (n *netplanConfigurator) ConfigDir() string {
	return n.dir
}

func (n *netplanConfigurator) WriteConfig(filename string, data []byte) error {
	// netplan refuses world-readable configuration since 0.106
	err := os.WriteFile(filepath.Join(n.dir, filename), data, 0600)
	if err != nil {
		return fmt.Errorf("error writing netplan config %v: %v", filename, err)
	}
	return nil
}

func (n *netplanConfigurator) RemoveConfig(filename string) error {
	err := os.Remove(filepath.Join(n.dir, filename))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("error removing netplan config %v: %v", filename, err)
	}
	return nil
}

// TryApply runs 'netplan try': the new configuration is applied and reverted
// automatically unless confirmed before the timeout expires. The accepting
// newline is written to netplan's stdin only after confirm has passed while
// the trial is still pending; if confirm fails, or this process dies with
// the host's connectivity, nobody accepts and netplan restores the previous
// configuration on its own.
func (n *netplanConfigurator) TryApply(ctx context.Context, timeout time.Duration, confirm func(context.Context) error) error {
	seconds := int(timeout / time.Second)
	cmd := exec.CommandContext(ctx, "netplan", "try", fmt.Sprintf("--timeout=%d", seconds))
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("error opening stdin for netplan try: %v", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("error starting netplan try: %v", err)
	}

	var confirmErr error
	if confirm != nil {
		confirmErr = confirm(ctx)
	}
	if confirmErr != nil {
		stdin.Close()
		_ = cmd.Wait()
		return confirmErr
	}

	if _, err := io.WriteString(stdin, "\n"); err != nil {
		stdin.Close()
		_ = cmd.Wait()
		return fmt.Errorf("error accepting netplan try: %v", err)
	}
	stdin.Close()

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("netplan try failed: %v: %s", err, strings.TrimSpace(out.String()))
	}
	return nil
}

// Apply runs 'netplan apply', making the current configuration permanent.
func (n *netplanConfigurator) Apply(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, "netplan", "apply").CombinedOutput()
	if err != nil {
		return fmt.Errorf("netplan apply failed: %v: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Fake is a Configurator for tests. Configuration files are written to a
// real (temporary) directory so displacement and rollback can be exercised;
// apply calls are recorded rather than executed.
type Fake struct {
	Dir        string
	TryErr     error
	ApplyErr   error
	TryCalls   int
	ApplyCalls int
	// Confirmed counts trials whose confirm callback passed.
	Confirmed int
	// TryTimeout records the timeout passed to the last TryApply call.
	TryTimeout time.Duration
	// TryHook, when set, runs when a trial starts, before the confirm
	// callback, so tests can model the trial configuration going live.
	TryHook func()
	// RevertHook, when set, runs when a trial's confirmation is withheld,
	// so tests can model the automatic restore of the pre-trial state.
	RevertHook func()
	// ApplyHook, when set, runs after every successful Apply so tests can
	// model the live state changing.
	ApplyHook func()
}

var _ Configurator = (*Fake)(nil)

// NewFake creates a Fake rooted at dir.
func NewFake(dir string) *Fake {
	return &Fake{Dir: dir}
}

func (f *Fake) ConfigDir() string {
	return f.Dir
}

func (f *Fake) WriteConfig(filename string, data []byte) error {
	return os.WriteFile(filepath.Join(f.Dir, filename), data, 0600)
}

func (f *Fake) RemoveConfig(filename string) error {
	err := os.Remove(filepath.Join(f.Dir, filename))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (f *Fake) TryApply(ctx context.Context, timeout time.Duration, confirm func(context.Context) error) error {
	f.TryCalls++
	f.TryTimeout = timeout
	if f.TryErr != nil {
		return f.TryErr
	}
	if f.TryHook != nil {
		f.TryHook()
	}
	if confirm != nil {
		if err := confirm(ctx); err != nil {
			if f.RevertHook != nil {
				f.RevertHook()
			}
			return err
		}
	}
	f.Confirmed++
	return nil
}

func (f *Fake) Apply(_ context.Context) error {
	f.ApplyCalls++
	if f.ApplyErr != nil {
		return f.ApplyErr
	}
	if f.ApplyHook != nil {
		f.ApplyHook()
	}
	return nil
}
