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

package provision

import (
	"fmt"

	"github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"

	v1 "github.com/vfio-tools/vfioctl/api/config/v1"
	"github.com/vfio-tools/vfioctl/internal/systemd"
	"github.com/vfio-tools/vfioctl/pkg/netmig"
	"github.com/vfio-tools/vfioctl/pkg/provision/phase"
	"github.com/vfio-tools/vfioctl/pkg/provision/phases"
)

var log = logrus.New()

func GetLogger() *logrus.Logger {
	return log
}

type Flags struct {
	ConfigFile  string
	DryRun      bool
	AllowReboot bool
	Interface   string
	BridgeName  string
	SkipPhases  cli.StringSlice
}

func BuildCommand() *cli.Command {
	// Create a flags struct to hold our flags
	provisionFlags := Flags{}

	// Create the 'provision' command
	provision := cli.Command{}
	provision.Name = "provision"
	provision.Usage = "Walk the host through every phase needed for GPU passthrough, applying only what is missing"
	provision.Action = func(c *cli.Context) error {
		return provisionWrapper(c, &provisionFlags)
	}

	// Setup the flags for this command
	provision.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:        "config-file",
			Aliases:     []string{"f"},
			Usage:       "Path to the configuration file",
			Destination: &provisionFlags.ConfigFile,
			EnvVars:     []string{"VFIOCTL_CONFIG_FILE"},
		},
		&cli.BoolFlag{
			Name:        "dry-run",
			Aliases:     []string{"n"},
			Usage:       "Report the actions that would run without mutating the host",
			Destination: &provisionFlags.DryRun,
			EnvVars:     []string{"VFIOCTL_DRY_RUN"},
		},
		&cli.BoolFlag{
			Name:        "allow-reboot",
			Usage:       "Reboot the host immediately if a phase requires it",
			Destination: &provisionFlags.AllowReboot,
			EnvVars:     []string{"VFIOCTL_ALLOW_REBOOT"},
		},
		&cli.StringFlag{
			Name:        "interface",
			Aliases:     []string{"i"},
			Usage:       "The network interface to migrate onto the bridge",
			Destination: &provisionFlags.Interface,
			EnvVars:     []string{"VFIOCTL_INTERFACE"},
		},
		&cli.StringFlag{
			Name:        "bridge",
			Aliases:     []string{"b"},
			Usage:       "The name of the bridge to create",
			Destination: &provisionFlags.BridgeName,
			EnvVars:     []string{"VFIOCTL_BRIDGE"},
		},
		&cli.StringSliceFlag{
			Name:        "skip-phase",
			Aliases:     []string{"s"},
			Usage:       "Phase name or number to skip (can be repeated)",
			Destination: &provisionFlags.SkipPhases,
			EnvVars:     []string{"VFIOCTL_SKIP_PHASES"},
		},
	}

	return &provision
}

// BuildRunConfig merges the configuration file (if any) with the command
// line. Flags win over the file for scalar settings; skip sets are unioned.
func BuildRunConfig(f *Flags) (*phase.RunConfig, error) {
	cfg := &phase.RunConfig{
		DryRun:      f.DryRun,
		AllowReboot: f.AllowReboot,
		Interface:   f.Interface,
		BridgeName:  f.BridgeName,
		Skip:        make(map[string]bool),
	}

	if f.ConfigFile != "" {
		spec, err := v1.ParseFile(f.ConfigFile)
		if err != nil {
			return nil, err
		}
		if cfg.Interface == "" {
			cfg.Interface = spec.Provision.Interface
		}
		if cfg.BridgeName == "" {
			cfg.BridgeName = spec.Provision.BridgeName
		}
		cfg.AllowReboot = cfg.AllowReboot || spec.Provision.AllowReboot
		for _, p := range spec.Provision.SkipPhases {
			cfg.Skip[p] = true
		}
		cfg.HostDriver = spec.Binding.HostDriver
		cfg.GPUMode = phase.GPUMode(spec.Binding.GPUMode)
		cfg.StrictIsolation = spec.Binding.StrictIsolation
	}

	for _, p := range f.SkipPhases.Value() {
		cfg.Skip[p] = true
	}

	if cfg.GPUMode == "" {
		cfg.GPUMode = phase.GPUModeExclusive
	}

	if cfg.Interface == "" || cfg.BridgeName == "" {
		if !cfg.Skip["network"] && !cfg.Skip["4"] {
			return nil, fmt.Errorf("an interface and a bridge name are required unless the network phase is skipped")
		}
	}

	return cfg, nil
}

func provisionWrapper(c *cli.Context, f *Flags) error {
	cfg, err := BuildRunConfig(f)
	if err != nil {
		cli.ShowSubcommandHelp(c)
		return err
	}

	svc, err := systemd.NewManager(c.Context)
	if err != nil {
		return fmt.Errorf("error connecting to systemd: %v", err)
	}
	defer svc.Close()

	deps := phases.Deps{
		Cfg: cfg,
		Log: log,
		Svc: svc,
		Migrator: netmig.New(netmig.Config{
			DryRun: cfg.DryRun,
			Log:    log,
		}),
	}

	results, err := phase.NewRunner(log).RunAll(c.Context, cfg, phases.Build(deps))
	for _, r := range results {
		log.Infof("Phase %d (%v): %v", r.Number, r.Name, r.Status)
	}
	if err != nil {
		return err
	}

	if cfg.DryRun {
		fmt.Println("Dry run complete, no changes were made")
		return nil
	}

	fmt.Println("Host provisioned successfully")
	if phases.RebootRequired(phases.DefaultRunDir) {
		log.Warnf("A reboot is required before GPU passthrough becomes available")
	}
	return nil
}
