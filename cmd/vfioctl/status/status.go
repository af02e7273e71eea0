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

package status

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/NVIDIA/go-nvlib/pkg/nvpci"
	"github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"

	"github.com/vfio-tools/vfioctl/pkg/provision/phases"
	"github.com/vfio-tools/vfioctl/pkg/vfio/binding"
)

var log = logrus.New()

func GetLogger() *logrus.Logger {
	return log
}

// gpuLister is the slice of the nvpci interface the status command needs.
type gpuLister interface {
	GetGPUs() ([]*nvpci.NvidiaPCIDevice, error)
}

type reporter struct {
	lister  gpuLister
	manager *binding.Manager
	runDir  string
}

func BuildCommand() *cli.Command {
	// Create the 'status' command
	status := cli.Command{}
	status.Name = "status"
	status.Usage = "Report every NVIDIA GPU on the host and its current binding state"
	status.Action = func(c *cli.Context) error {
		r := &reporter{
			lister:  nvpci.New(),
			manager: binding.New(binding.Config{}),
			runDir:  phases.DefaultRunDir,
		}
		return r.report(os.Stdout)
	}

	return &status
}

func (r *reporter) report(w io.Writer) error {
	gpus, err := r.lister.GetGPUs()
	if err != nil {
		return fmt.Errorf("error enumerating GPUs: %v", err)
	}

	if len(gpus) == 0 {
		fmt.Fprintln(w, "No NVIDIA GPUs found")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tDEVICE\tDRIVER\tIOMMU GROUP\tSTATE")
	for _, gpu := range gpus {
		record, err := r.manager.Current(gpu.Address)
		if err != nil {
			return fmt.Errorf("error reading binding state of %v: %v", gpu.Address, err)
		}
		driver := record.Driver
		if driver == "" {
			driver = "-"
		}
		fmt.Fprintf(tw, "%v\t%04x:%04x\t%v\t%d\t%v\n",
			record.Slot, record.Vendor, record.Device, driver, record.IommuGroup, record.State)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if phases.RebootRequired(r.runDir) {
		fmt.Fprintln(w, "\nA reboot is required before GPU passthrough becomes available")
	}
	return nil
}
