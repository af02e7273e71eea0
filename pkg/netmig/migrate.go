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

package netmig

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/vfio-tools/vfioctl/internal/netcfg"
)

const (
	// DefaultBackupRoot holds one timestamped subdirectory per migration
	// attempt. Backups are an audit trail and are never pruned.
	DefaultBackupRoot = "/var/lib/vfioctl/backups"

	// DefaultTrialTimeout bounds how long a trial-applied configuration
	// may stay unconfirmed before netplan reverts it on its own.
	DefaultTrialTimeout = 120 * time.Second

	backupTimestampLayout = "20060102-150405"
)

// DefaultResolvPaths is the preference-ordered list of resolver files DNS is
// captured from.
var DefaultResolvPaths = []string{
	"/run/systemd/resolve/resolv.conf",
	"/etc/resolv.conf",
}

// Pinger probes reachability of a host, bounded to a few seconds.
type Pinger func(ctx context.Context, host string) error

func execPinger(ctx context.Context, host string) error {
	out, err := exec.CommandContext(ctx, "ping", "-c", "1", "-W", "2", host).CombinedOutput()
	if err != nil {
		return fmt.Errorf("ping %v failed: %v: %s", host, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Config configures a Migrator. Zero values select the real netplan
// configurator, the netlink querier and the default locations.
type Config struct {
	Configurator netcfg.Configurator
	Querier      netcfg.Querier
	BackupRoot   string
	ResolvPaths  []string
	TrialTimeout time.Duration
	Pinger       Pinger
	DryRun       bool
	Log          *logrus.Logger
}

// Migrator moves a live network interface onto a bridge, atomically per run:
// on any failure it restores the displaced configuration so that a retry
// starts from the pre-migration state rather than a pile of partial changes.
type Migrator struct {
	cfg          netcfg.Configurator
	querier      netcfg.Querier
	backupRoot   string
	resolvPaths  []string
	trialTimeout time.Duration
	pinger       Pinger
	dryRun       bool
	log          *logrus.Logger
}

// New creates a Migrator from the given Config.
func New(config Config) *Migrator {
	if config.Configurator == nil {
		config.Configurator = netcfg.NewNetplanConfigurator(netcfg.DefaultConfigDir)
	}
	if config.Querier == nil {
		config.Querier = netcfg.NewNetlinkQuerier()
	}
	if config.BackupRoot == "" {
		config.BackupRoot = DefaultBackupRoot
	}
	if config.ResolvPaths == nil {
		config.ResolvPaths = DefaultResolvPaths
	}
	if config.TrialTimeout == 0 {
		config.TrialTimeout = DefaultTrialTimeout
	}
	if config.Pinger == nil {
		config.Pinger = execPinger
	}
	if config.Log == nil {
		config.Log = logrus.New()
	}
	return &Migrator{
		cfg:          config.Configurator,
		querier:      config.Querier,
		backupRoot:   config.BackupRoot,
		resolvPaths:  config.ResolvPaths,
		trialTimeout: config.TrialTimeout,
		pinger:       config.Pinger,
		dryRun:       config.DryRun,
		log:          config.Log,
	}
}

// BridgeConfigured reports whether a generated configuration for the bridge
// is already in place, which is how a completed migration looks to a re-run.
func (m *Migrator) BridgeConfigured(bridge string) bool {
	_, err := os.Stat(filepath.Join(m.cfg.ConfigDir(), BridgeFileName(bridge)))
	return err == nil
}

// Result reports the outcome of a migration attempt.
type Result struct {
	Interface  string
	Bridge     string
	Topology   Topology
	Captured   *InterfaceState
	BridgeFile string
	BackupDir  string
	// Displaced lists the configuration files moved into BackupDir.
	Displaced []string
	// RolledBack reports that a failure was compensated by restoring the
	// displaced files and removing the generated bridge file.
	RolledBack bool
	// GatewayReachable is the outcome of the post-migration reachability
	// probe. An unreachable gateway is a warning, not a failure.
	GatewayReachable bool
	Warnings         []string
}

// Migrate runs the full protocol for one interface/bridge pair: capture,
// displace, generate, trial-apply, confirm, verify.
func (m *Migrator) Migrate(ctx context.Context, iface, bridge string) (*Result, error) {
	state, err := Capture(m.querier, m.resolvPaths, iface)
	if err != nil {
		return nil, fmt.Errorf("error capturing state of %v: %v", iface, err)
	}

	result := &Result{
		Interface:  iface,
		Bridge:     bridge,
		Topology:   state.Topology(),
		Captured:   state,
		BridgeFile: BridgeFileName(bridge),
	}

	m.log.Infof("captured %v: mode=%v addr=%v gateway=%v on-link=%v dns=%v",
		iface, state.Mode, state.CIDR, state.Gateway, state.OnLink, state.DNS)

	data, err := RenderBridgeConfig(state, bridge)
	if err != nil {
		return result, err
	}

	if m.dryRun {
		m.log.Infof("dry-run: would displace configuration for %v, write %v and apply", iface, result.BridgeFile)
		return result, nil
	}

	// Refuse to touch any configuration file before the backup directory
	// is in place.
	backupDir := filepath.Join(m.backupRoot, time.Now().Format(backupTimestampLayout))
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return result, fmt.Errorf("error creating backup directory %v: %v", backupDir, err)
	}
	result.BackupDir = backupDir

	displaced, err := m.displace(iface, backupDir)
	result.Displaced = displaced
	if err != nil {
		m.rollback(ctx, result)
		return result, err
	}

	if err := m.cfg.WriteConfig(result.BridgeFile, data); err != nil {
		m.rollback(ctx, result)
		return result, err
	}

	m.log.Infof("trial-applying %v (auto-revert after %v unless the bridge verifies healthy)", result.BridgeFile, m.trialTimeout)
	err = m.cfg.TryApply(ctx, m.trialTimeout, func(context.Context) error {
		return m.trialHealthy(state, bridge)
	})
	if err != nil {
		m.rollback(ctx, result)
		return result, fmt.Errorf("trial apply failed (configuration auto-reverted): %v", err)
	}

	if err := m.cfg.Apply(ctx); err != nil {
		m.rollback(ctx, result)
		return result, fmt.Errorf("permanent apply failed: %v", err)
	}

	m.verify(ctx, state, bridge, result)
	return result, nil
}

// trialHealthy gates acceptance of a trial-applied configuration: while the
// revert timer is still armed, the bridge must be up, carry the captured
// address and be the egress for the default route. Any failure here means
// the acceptance is withheld and the trial reverts on its own. Gateway
// reachability is not part of the gate; it is probed after confirmation and
// reported as a warning, because the bridge can be correctly configured
// while the gateway is transiently unreachable.
func (m *Migrator) trialHealthy(state *InterfaceState, bridge string) error {
	up, err := m.querier.LinkIsUp(bridge)
	if err != nil {
		return fmt.Errorf("bridge %v not found during trial: %v", bridge, err)
	}
	if !up {
		return fmt.Errorf("bridge %v is not up during trial", bridge)
	}

	if state.Mode != ModeDHCP {
		addrs, err := m.querier.LinkAddrs(bridge)
		if err != nil {
			return fmt.Errorf("error listing addresses of %v during trial: %v", bridge, err)
		}
		found := false
		for _, addr := range addrs {
			if addr.CIDR == state.CIDR {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("bridge %v does not carry %v during trial", bridge, state.CIDR)
		}
	}

	route, err := m.querier.DefaultRoute()
	if err != nil {
		return fmt.Errorf("error reading default route during trial: %v", err)
	}
	if route == nil || (route.Dev != "" && route.Dev != bridge) {
		return fmt.Errorf("default route does not egress via %v during trial", bridge)
	}

	return nil
}

// displace moves every configuration file referencing the interface into the
// backup directory. Moving rather than copying matters: netplan refuses to
// apply when two files both claim a default route for the same interface, so
// leaving the old file in place is equivalent to not having migrated at all.
func (m *Migrator) displace(iface, backupDir string) ([]string, error) {
	entries, err := os.ReadDir(m.cfg.ConfigDir())
	if err != nil {
		return nil, fmt.Errorf("error listing %v: %v", m.cfg.ConfigDir(), err)
	}

	var displaced []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		path := filepath.Join(m.cfg.ConfigDir(), name)
		references, err := fileReferencesInterface(path, iface)
		if err != nil {
			// An unparseable file may still claim the interface's
			// address or route; displace it.
			m.log.Warnf("displacing unparseable config %v: %v", name, err)
			references = true
		}
		if !references {
			continue
		}
		m.log.Infof("displacing %v into %v", name, backupDir)
		if err := os.Rename(path, filepath.Join(backupDir, name)); err != nil {
			return displaced, fmt.Errorf("error displacing %v: %v", name, err)
		}
		displaced = append(displaced, name)
	}

	return displaced, nil
}

// fileReferencesInterface reports whether the YAML document mentions the
// interface anywhere, as a key or a value.
func fileReferencesInterface(path, iface string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return false, err
	}
	return yamlMentions(doc, iface), nil
}

func yamlMentions(node interface{}, want string) bool {
	switch v := node.(type) {
	case map[interface{}]interface{}:
		for key, value := range v {
			if s, ok := key.(string); ok && s == want {
				return true
			}
			if yamlMentions(value, want) {
				return true
			}
		}
	case []interface{}:
		for _, item := range v {
			if yamlMentions(item, want) {
				return true
			}
		}
	case string:
		return v == want
	}
	return false
}

// rollback compensates a failed migration: the generated bridge file is
// removed, the displaced files are moved back, and the restored
// configuration is re-applied best-effort. The net effect must be
// indistinguishable from never having attempted the migration.
func (m *Migrator) rollback(ctx context.Context, result *Result) {
	m.log.Warnf("migration failed, rolling back from %v", result.BackupDir)

	ok := true
	if err := m.cfg.RemoveConfig(result.BridgeFile); err != nil {
		ok = false
		result.Warnings = append(result.Warnings, fmt.Sprintf("rollback: error removing %v: %v", result.BridgeFile, err))
	}
	for _, name := range result.Displaced {
		err := os.Rename(filepath.Join(result.BackupDir, name), filepath.Join(m.cfg.ConfigDir(), name))
		if err != nil {
			ok = false
			result.Warnings = append(result.Warnings, fmt.Sprintf("rollback: error restoring %v: %v", name, err))
		}
	}
	if len(result.Displaced) > 0 && ok {
		if err := m.cfg.Apply(ctx); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("rollback: error re-applying restored configuration: %v", err))
		}
	}

	result.RolledBack = ok
	if ok {
		m.log.Infof("rollback complete: pre-migration configuration restored")
	} else {
		m.log.Errorf("rollback incomplete: %v", strings.Join(result.Warnings, "; "))
	}
}

// verify confirms the bridge is up, carries the expected address and is the
// egress for the default route. Gateway reachability is probed but only
// warned about: the bridge may be correct while the gateway is transiently
// unreachable.
func (m *Migrator) verify(ctx context.Context, state *InterfaceState, bridge string, result *Result) {
	up, err := m.querier.LinkIsUp(bridge)
	if err != nil || !up {
		result.Warnings = append(result.Warnings, fmt.Sprintf("bridge %v is not up after apply", bridge))
	}

	if state.Mode != ModeDHCP {
		addrs, err := m.querier.LinkAddrs(bridge)
		found := false
		if err == nil {
			for _, addr := range addrs {
				if addr.CIDR == state.CIDR {
					found = true
					break
				}
			}
		}
		if !found {
			result.Warnings = append(result.Warnings, fmt.Sprintf("bridge %v does not carry %v", bridge, state.CIDR))
		}
	}

	route, err := m.querier.DefaultRoute()
	if err != nil || route == nil || (route.Dev != "" && route.Dev != bridge) {
		result.Warnings = append(result.Warnings, fmt.Sprintf("default route does not egress via %v", bridge))
	}

	if state.Gateway != "" {
		if err := m.pinger(ctx, state.Gateway); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("gateway %v not reachable: %v", state.Gateway, err))
		} else {
			result.GatewayReachable = true
		}
	}

	for _, w := range result.Warnings {
		m.log.Warn(w)
	}
}
