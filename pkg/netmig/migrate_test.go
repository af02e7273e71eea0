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
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vfio-tools/vfioctl/internal/netcfg"
)

type testRig struct {
	migrator *Migrator
	cfg      *netcfg.Fake
	querier  *netcfg.FakeQuerier
	cfgDir   string
	backups  string
}

// newMigrationRig builds a Migrator over fakes: eno1 static point-to-point,
// two pre-existing config files both referencing eno1, and a querier that
// will report the bridge healthy after apply.
func newMigrationRig(t *testing.T) *testRig {
	t.Helper()

	cfgDir := t.TempDir()
	backups := t.TempDir()

	require.Nil(t, os.WriteFile(filepath.Join(cfgDir, "50-cloud-init.yaml"), []byte(`network:
  version: 2
  ethernets:
    eno1:
      addresses: [203.0.113.10/32]
      routes:
        - to: default
          via: 203.0.113.1
          on-link: true
`), 0600))
	require.Nil(t, os.WriteFile(filepath.Join(cfgDir, "51-extra.yaml"), []byte(`network:
  version: 2
  ethernets:
    eno1:
      dhcp4: false
`), 0600))
	require.Nil(t, os.WriteFile(filepath.Join(cfgDir, "10-unrelated.yaml"), []byte(`network:
  version: 2
  ethernets:
    eno2:
      dhcp4: true
`), 0600))

	resolv := filepath.Join(t.TempDir(), "resolv.conf")
	require.Nil(t, os.WriteFile(resolv, []byte("nameserver 185.12.64.1\nnameserver 185.12.64.2\n"), 0644))

	querier := netcfg.NewFakeQuerier()
	querier.Links["eno1"] = true
	querier.Addrs["eno1"] = []netcfg.Addr{{CIDR: "203.0.113.10/32", Permanent: true}}
	querier.Links["br0"] = true
	querier.Addrs["br0"] = []netcfg.Addr{{CIDR: "203.0.113.10/32", Permanent: true}}
	querier.Route = &netcfg.Route{Gateway: "203.0.113.1", OnLink: true, Dev: "eno1"}

	cfg := netcfg.NewFake(cfgDir)
	// The trial apply moves the default route onto the bridge; withholding
	// the acceptance moves it back.
	cfg.TryHook = func() { querier.Route.Dev = "br0" }
	cfg.RevertHook = func() { querier.Route.Dev = "eno1" }
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	migrator := New(Config{
		Configurator: cfg,
		Querier:      querier,
		BackupRoot:   backups,
		ResolvPaths:  []string{resolv},
		TrialTimeout: 5 * time.Second,
		Pinger:       func(context.Context, string) error { return nil },
		Log:          log,
	})

	return &testRig{migrator, cfg, querier, cfgDir, backups}
}

func (r *testRig) configFiles(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(r.cfgDir)
	require.Nil(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestMigrateSuccess(t *testing.T) {
	r := newMigrationRig(t)

	result, err := r.migrator.Migrate(context.Background(), "eno1", "br0")
	require.Nil(t, err)

	require.Equal(t, TopologyPointToPoint, result.Topology)
	require.Equal(t, ModeStaticPointToPoint, result.Captured.Mode)
	require.ElementsMatch(t, []string{"50-cloud-init.yaml", "51-extra.yaml"}, result.Displaced)
	require.Equal(t, 1, r.cfg.TryCalls)
	require.Equal(t, 1, r.cfg.Confirmed)
	require.Equal(t, 1, r.cfg.ApplyCalls)
	require.Equal(t, 5*time.Second, r.cfg.TryTimeout)
	require.False(t, result.RolledBack)

	// Only the generated bridge file and the unrelated file remain; the
	// primary interface's address lives nowhere else.
	require.ElementsMatch(t, []string{"10-unrelated.yaml", "60-br0.yaml"}, r.configFiles(t))

	// The displaced files are preserved in the backup directory.
	for _, name := range result.Displaced {
		_, err := os.Stat(filepath.Join(result.BackupDir, name))
		require.Nil(t, err)
	}

	data, err := os.ReadFile(filepath.Join(r.cfgDir, "60-br0.yaml"))
	require.Nil(t, err)
	require.Contains(t, string(data), "on-link: true")
	require.Contains(t, string(data), "stp: false")
}

func TestMigrateSuccessVerifiesGateway(t *testing.T) {
	r := newMigrationRig(t)

	result, err := r.migrator.Migrate(context.Background(), "eno1", "br0")
	require.Nil(t, err)
	require.True(t, result.GatewayReachable)
	require.Empty(t, result.Warnings)
}

func TestMigrateUnreachableGatewayIsWarning(t *testing.T) {
	r := newMigrationRig(t)
	r.migrator.pinger = func(context.Context, string) error {
		return errors.New("no route to host")
	}

	result, err := r.migrator.Migrate(context.Background(), "eno1", "br0")
	require.Nil(t, err)
	require.False(t, result.GatewayReachable)
	require.NotEmpty(t, result.Warnings)
}

func TestMigrateUnhealthyTrialIsNotAccepted(t *testing.T) {
	r := newMigrationRig(t)
	// The trial config comes up but the default route never moves onto
	// the bridge.
	r.cfg.TryHook = func() {}

	before := r.configFiles(t)
	result, err := r.migrator.Migrate(context.Background(), "eno1", "br0")
	require.NotNil(t, err)
	require.Contains(t, err.Error(), "default route")

	// The acceptance was withheld, so the revert timer stays in charge.
	require.Equal(t, 1, r.cfg.TryCalls)
	require.Equal(t, 0, r.cfg.Confirmed)
	require.True(t, result.RolledBack)
	require.ElementsMatch(t, before, r.configFiles(t))
	_, statErr := os.Stat(filepath.Join(r.cfgDir, "60-br0.yaml"))
	require.True(t, os.IsNotExist(statErr))
}

func TestMigrateDownedBridgeIsNotAccepted(t *testing.T) {
	r := newMigrationRig(t)
	r.querier.Links["br0"] = false

	result, err := r.migrator.Migrate(context.Background(), "eno1", "br0")
	require.NotNil(t, err)
	require.Contains(t, err.Error(), "not up")
	require.Equal(t, 0, r.cfg.Confirmed)
	require.True(t, result.RolledBack)
}

func TestMigrateTrialFailureRollsBack(t *testing.T) {
	r := newMigrationRig(t)
	r.cfg.TryErr = errors.New("lost carrier")

	before := r.configFiles(t)
	result, err := r.migrator.Migrate(context.Background(), "eno1", "br0")
	require.NotNil(t, err)
	require.True(t, result.RolledBack)

	// The net effect is indistinguishable from never having migrated.
	require.ElementsMatch(t, before, r.configFiles(t))
	_, statErr := os.Stat(filepath.Join(r.cfgDir, "60-br0.yaml"))
	require.True(t, os.IsNotExist(statErr))
}

func TestMigrateConfirmFailureRollsBack(t *testing.T) {
	r := newMigrationRig(t)
	r.cfg.ApplyErr = errors.New("daemon not responding")

	before := r.configFiles(t)
	result, err := r.migrator.Migrate(context.Background(), "eno1", "br0")
	require.NotNil(t, err)
	require.True(t, result.RolledBack)
	require.ElementsMatch(t, before, r.configFiles(t))
	_, statErr := os.Stat(filepath.Join(r.cfgDir, "60-br0.yaml"))
	require.True(t, os.IsNotExist(statErr))
}

func TestMigrateDisplacesUnparseableConfig(t *testing.T) {
	r := newMigrationRig(t)
	// Broken YAML that still carries the primary interface's address.
	require.Nil(t, os.WriteFile(filepath.Join(r.cfgDir, "55-bad.yaml"), []byte("network: [unclosed\n  eno1: 203.0.113.10/32\n"), 0600))

	result, err := r.migrator.Migrate(context.Background(), "eno1", "br0")
	require.Nil(t, err)

	// The file it cannot rule out is displaced with the rest; no second
	// claim on the address survives the migration.
	require.Contains(t, result.Displaced, "55-bad.yaml")
	require.ElementsMatch(t, []string{"10-unrelated.yaml", "60-br0.yaml"}, r.configFiles(t))
	_, statErr := os.Stat(filepath.Join(result.BackupDir, "55-bad.yaml"))
	require.Nil(t, statErr)
}

func TestMigrateDryRun(t *testing.T) {
	r := newMigrationRig(t)
	r.migrator.dryRun = true

	before := r.configFiles(t)
	result, err := r.migrator.Migrate(context.Background(), "eno1", "br0")
	require.Nil(t, err)

	// No file moved, nothing written, nothing applied.
	require.ElementsMatch(t, before, r.configFiles(t))
	require.Equal(t, 0, r.cfg.TryCalls)
	require.Equal(t, 0, r.cfg.ApplyCalls)
	require.Empty(t, result.Displaced)

	backups, err := os.ReadDir(r.backups)
	require.Nil(t, err)
	require.Empty(t, backups)
}

func TestMigrateMissingInterface(t *testing.T) {
	r := newMigrationRig(t)

	_, err := r.migrator.Migrate(context.Background(), "eno9", "br0")
	require.NotNil(t, err)
	require.Equal(t, 0, r.cfg.TryCalls)
}
