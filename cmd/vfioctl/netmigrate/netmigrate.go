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

package netmigrate

import (
	"fmt"

	"github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"

	v1 "github.com/vfio-tools/vfioctl/api/config/v1"
	"github.com/vfio-tools/vfioctl/pkg/netmig"
)

var log = logrus.New()

func GetLogger() *logrus.Logger {
	return log
}

type Flags struct {
	ConfigFile string
	Interface  string
	BridgeName string
	DryRun     bool
}

func BuildCommand() *cli.Command {
	// Create a flags struct to hold our flags
	migrateFlags := Flags{}

	// Create the 'migrate-network' command
	migrate := cli.Command{}
	migrate.Name = "migrate-network"
	migrate.Usage = "Move the primary network interface onto a bridge, with automatic rollback on connectivity loss"
	migrate.Action = func(c *cli.Context) error {
		return migrateWrapper(c, &migrateFlags)
	}

	// Setup the flags for this command
	migrate.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:        "interface",
			Aliases:     []string{"i"},
			Usage:       "The network interface to migrate onto the bridge",
			Destination: &migrateFlags.Interface,
			EnvVars:     []string{"VFIOCTL_INTERFACE"},
		},
		&cli.StringFlag{
			Name:        "bridge",
			Aliases:     []string{"b"},
			Usage:       "The name of the bridge to create",
			Destination: &migrateFlags.BridgeName,
			EnvVars:     []string{"VFIOCTL_BRIDGE"},
		},
		&cli.StringFlag{
			Name:        "config-file",
			Aliases:     []string{"f"},
			Usage:       "Path to the configuration file",
			Destination: &migrateFlags.ConfigFile,
			EnvVars:     []string{"VFIOCTL_CONFIG_FILE"},
		},
		&cli.BoolFlag{
			Name:        "dry-run",
			Aliases:     []string{"n"},
			Usage:       "Capture and render the bridge configuration without applying anything",
			Destination: &migrateFlags.DryRun,
			EnvVars:     []string{"VFIOCTL_DRY_RUN"},
		},
	}

	return &migrate
}

// CheckFlags merges the configuration file into the flags and validates
// the result. Flags win over the file.
func CheckFlags(f *Flags) error {
	if f.ConfigFile != "" {
		spec, err := v1.ParseFile(f.ConfigFile)
		if err != nil {
			return err
		}
		if f.Interface == "" {
			f.Interface = spec.Provision.Interface
		}
		if f.BridgeName == "" {
			f.BridgeName = spec.Provision.BridgeName
		}
	}

	if f.Interface == "" {
		return fmt.Errorf("missing required flag 'interface'")
	}
	if f.BridgeName == "" {
		return fmt.Errorf("missing required flag 'bridge'")
	}
	return nil
}

func migrateWrapper(c *cli.Context, f *Flags) error {
	err := CheckFlags(f)
	if err != nil {
		cli.ShowSubcommandHelp(c)
		return err
	}

	migrator := netmig.New(netmig.Config{
		DryRun: f.DryRun,
		Log:    log,
	})

	if migrator.BridgeConfigured(f.BridgeName) {
		fmt.Printf("Bridge '%v' is already configured, nothing to do\n", f.BridgeName)
		return nil
	}

	result, err := migrator.Migrate(c.Context, f.Interface, f.BridgeName)
	if err != nil {
		if result != nil && result.RolledBack {
			return fmt.Errorf("migration failed and was rolled back: %v", err)
		}
		return fmt.Errorf("error migrating %v onto %v: %v", f.Interface, f.BridgeName, err)
	}

	for _, w := range result.Warnings {
		log.Warn(w)
	}

	if f.DryRun {
		fmt.Printf("Would migrate %v onto %v (%v topology), no changes were made\n",
			f.Interface, f.BridgeName, result.Topology)
		return nil
	}

	log.Infof("Displaced %d configuration file(s) into %v", len(result.Displaced), result.BackupDir)
	fmt.Printf("Interface %v migrated onto bridge %v (%v topology)\n",
		f.Interface, f.BridgeName, result.Topology)
	return nil
}
