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

package attach

import (
	"fmt"

	"github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"

	v1 "github.com/vfio-tools/vfioctl/api/config/v1"
	"github.com/vfio-tools/vfioctl/cmd/vfioctl/util"
	"github.com/vfio-tools/vfioctl/pkg/provision/phase"
	"github.com/vfio-tools/vfioctl/pkg/vfio/binding"
)

var log = logrus.New()

func GetLogger() *logrus.Logger {
	return log
}

type Flags struct {
	ConfigFile      string
	Gpu             string
	VMName          string
	HostDriver      string
	GPUMode         string
	StrictIsolation bool
}

func BuildCommand() *cli.Command {
	// Create a flags struct to hold our flags
	attachFlags := Flags{}

	// Create the 'attach' command
	attach := cli.Command{}
	attach.Name = "attach"
	attach.Usage = "Move a GPU from the host driver to vfio-pci, optionally hot-plugging it into a running VM"
	attach.Action = func(c *cli.Context) error {
		return attachWrapper(c, &attachFlags)
	}

	// Setup the flags for this command
	attach.Flags = BuildFlags(&attachFlags)

	return &attach
}

// BuildFlags builds the flag set shared by the attach and detach commands.
func BuildFlags(f *Flags) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "gpu",
			Aliases:     []string{"g"},
			Usage:       "PCI address of the GPU (e.g. 0000:01:00.0)",
			Destination: &f.Gpu,
			EnvVars:     []string{"VFIOCTL_GPU"},
		},
		&cli.StringFlag{
			Name:        "vm",
			Usage:       "Name of a running libvirt domain to hot-plug the GPU into",
			Destination: &f.VMName,
			EnvVars:     []string{"VFIOCTL_VM"},
		},
		&cli.StringFlag{
			Name:        "config-file",
			Aliases:     []string{"f"},
			Usage:       "Path to the configuration file",
			Destination: &f.ConfigFile,
			EnvVars:     []string{"VFIOCTL_CONFIG_FILE"},
		},
		&cli.StringFlag{
			Name:        "host-driver",
			Usage:       "The driver that owns the GPU when it is not passed through",
			Destination: &f.HostDriver,
			EnvVars:     []string{"VFIOCTL_HOST_DRIVER"},
		},
		&cli.StringFlag{
			Name:        "gpu-mode",
			Usage:       "One of 'exclusive' or 'flexible'",
			Destination: &f.GPUMode,
			EnvVars:     []string{"VFIOCTL_GPU_MODE"},
		},
		&cli.BoolFlag{
			Name:        "strict-isolation",
			Usage:       "Refuse to attach when foreign devices share the IOMMU group",
			Destination: &f.StrictIsolation,
			EnvVars:     []string{"VFIOCTL_STRICT_ISOLATION"},
		},
	}
}

// CheckFlags validates the shared attach/detach flag set.
func CheckFlags(f *Flags) error {
	if f.Gpu == "" {
		return fmt.Errorf("missing required flag 'gpu'")
	}
	switch phase.GPUMode(f.GPUMode) {
	case "", phase.GPUModeExclusive, phase.GPUModeFlexible:
	default:
		return fmt.Errorf("unknown gpu-mode: %v", f.GPUMode)
	}
	return nil
}

// BuildBindingManager merges the configuration file into the flags and
// builds a binding manager from the result. Flags win over the file.
func BuildBindingManager(f *Flags) (*binding.Manager, error) {
	hostDriver := f.HostDriver
	mode := phase.GPUMode(f.GPUMode)
	strict := f.StrictIsolation

	if f.ConfigFile != "" {
		spec, err := v1.ParseFile(f.ConfigFile)
		if err != nil {
			return nil, err
		}
		if hostDriver == "" {
			hostDriver = spec.Binding.HostDriver
		}
		if mode == "" {
			mode = phase.GPUMode(spec.Binding.GPUMode)
		}
		strict = strict || spec.Binding.StrictIsolation
	}

	return binding.New(binding.Config{
		HostDriver:      hostDriver,
		StrictIsolation: strict,
		RebindOnDetach:  mode == phase.GPUModeFlexible,
	}), nil
}

func attachWrapper(c *cli.Context, f *Flags) error {
	err := CheckFlags(f)
	if err != nil {
		cli.ShowSubcommandHelp(c)
		return err
	}

	slot, err := util.NormalizeSlot(f.Gpu)
	if err != nil {
		return err
	}

	manager, err := BuildBindingManager(f)
	if err != nil {
		return err
	}

	result, err := manager.Attach(c.Context, slot, f.VMName)
	if err != nil {
		if result != nil {
			return fmt.Errorf("error attaching %v at step '%v' (device is %v): %v", slot, result.FailedStep, result.State, err)
		}
		return fmt.Errorf("error attaching %v: %v", slot, err)
	}

	if f.VMName != "" {
		fmt.Printf("GPU %v attached to VM '%v'\n", slot, f.VMName)
	} else {
		fmt.Printf("GPU %v bound to vfio-pci\n", slot)
	}
	return nil
}
