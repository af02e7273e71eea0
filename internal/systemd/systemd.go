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

package systemd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
)

// Interface is the service manager port used by the provisioning phases.
type Interface interface {
	IsActive(name string) (bool, error)
	IsEnabled(name string) (bool, error)
	EnableAndStart(name string) error
	Close() error
}

// Manager handles systemd operations using the D-Bus API.
type Manager struct {
	ctx context.Context

	conn *dbus.Conn
}

var _ Interface = (*Manager)(nil)

// NewManager creates a new Manager connected to the system D-Bus.
func NewManager(ctx context.Context) (*Manager, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd D-Bus: %w", err)
	}

	return &Manager{
		ctx:  ctx,
		conn: conn,
	}, nil
}

// Close closes the D-Bus connection.
func (sm *Manager) Close() error {
	if sm.conn != nil {
		sm.conn.Close()
	}
	return nil
}

func (sm *Manager) unitProperty(unit, property string) (string, error) {
	properties, err := sm.conn.GetAllPropertiesContext(sm.ctx, unit)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return "", nil
		}
		return "", fmt.Errorf("failed to get properties for unit %s: %w", unit, err)
	}
	value, _ := properties[property].(string)
	return value, nil
}

// IsActive reports whether the unit is currently active. An unknown unit is
// reported as inactive.
func (sm *Manager) IsActive(name string) (bool, error) {
	state, err := sm.unitProperty(name, "ActiveState")
	if err != nil {
		return false, err
	}
	return state == "active", nil
}

// IsEnabled reports whether the unit is enabled to start at boot.
func (sm *Manager) IsEnabled(name string) (bool, error) {
	state, err := sm.unitProperty(name, "UnitFileState")
	if err != nil {
		return false, err
	}
	return state == "enabled", nil
}

// EnableAndStart enables the unit and starts it, waiting for the start job
// to complete.
func (sm *Manager) EnableAndStart(name string) error {
	_, _, err := sm.conn.EnableUnitFilesContext(sm.ctx, []string{name}, false, true)
	if err != nil {
		return fmt.Errorf("failed to enable unit %s: %w", name, err)
	}

	if err := sm.conn.ReloadContext(sm.ctx); err != nil {
		return fmt.Errorf("failed to reload systemd daemon: %w", err)
	}

	ch := make(chan string, 1)
	_, err = sm.conn.StartUnitContext(sm.ctx, name, "replace", ch)
	if err != nil {
		return fmt.Errorf("failed to start unit %s: %w", name, err)
	}

	// Wait for the operation to complete
	select {
	case result := <-ch:
		if result != "done" {
			return fmt.Errorf("failed to start unit %s: %s", name, result)
		}
	case <-time.After(120 * time.Second):
		return fmt.Errorf("timeout starting unit %s", name)
	}

	return nil
}

// Fake is a deterministic in-memory service manager for tests.
type Fake struct {
	Active  map[string]bool
	Enabled map[string]bool
	// FailStart makes EnableAndStart fail for the named unit.
	FailStart map[string]bool
	// Starts records every unit passed to EnableAndStart, in order.
	Starts []string
}

var _ Interface = (*Fake)(nil)

// NewFake creates an empty Fake.
func NewFake() *Fake {
	return &Fake{
		Active:    make(map[string]bool),
		Enabled:   make(map[string]bool),
		FailStart: make(map[string]bool),
	}
}

func (f *Fake) IsActive(name string) (bool, error) {
	return f.Active[name], nil
}

func (f *Fake) IsEnabled(name string) (bool, error) {
	return f.Enabled[name], nil
}

func (f *Fake) EnableAndStart(name string) error {
	if f.FailStart[name] {
		return fmt.Errorf("failed to start unit %s: injected failure", name)
	}
	f.Starts = append(f.Starts, name)
	f.Active[name] = true
	f.Enabled[name] = true
	return nil
}

func (f *Fake) Close() error {
	return nil
}
