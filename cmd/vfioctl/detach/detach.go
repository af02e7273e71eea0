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

package detach

import (
	"fmt"

	"github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"

	"github.com/vfio-tools/vfioctl/cmd/vfioctl/attach"
	"github.com/vfio-tools/vfioctl/cmd/vfioctl/util"
	"github.com/vfio-tools/vfioctl/pkg/vfio/binding"
)

var log = logrus.New()

func GetLogger() *logrus.Logger {
	return log
}

type Flags = attach.Flags

func BuildCommand() *cli.Command {
	// Create a flags struct to hold our flags
	detachFlags := Flags{}

	// Create the 'detach' command
	detach := cli.Command{}
	detach.Name = "detach"
	detach.Usage = "Return a GPU from vfio-pci to the host, optionally hot-unplugging it from a running VM first"
	detach.Action = func(c *cli.Context) error {
		return detachWrapper(c, &detachFlags)
	}

	// The attach and detach commands act on the same settings.
	detach.Flags = attach.BuildFlags(&detachFlags)

	return &detach
}

func detachWrapper(c *cli.Context, f *Flags) error {
	err := attach.CheckFlags(f)
	if err != nil {
		cli.ShowSubcommandHelp(c)
		return err
	}

	slot, err := util.NormalizeSlot(f.Gpu)
	if err != nil {
		return err
	}

	manager, err := attach.BuildBindingManager(f)
	if err != nil {
		return err
	}

	result, err := manager.Detach(c.Context, slot, f.VMName)
	if err != nil {
		if result != nil {
			return fmt.Errorf("error detaching %v at step '%v' (device is %v): %v", slot, result.FailedStep, result.State, err)
		}
		return fmt.Errorf("error detaching %v: %v", slot, err)
	}

	switch result.State {
	case binding.HostBound:
		fmt.Printf("GPU %v returned to the host driver\n", slot)
	default:
		fmt.Printf("GPU %v detached and left unbound\n", slot)
	}
	return nil
}
