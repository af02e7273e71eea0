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

package phase

import (
	"context"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"
)

// Status is the lifecycle state of a phase within one run.
type Status string

const (
	Pending  Status = "PENDING"
	Skipped  Status = "SKIPPED"
	Running  Status = "RUNNING"
	Complete Status = "COMPLETE"
	Failed   Status = "FAILED"
)

// GPUMode selects what detach rebinds a GPU to.
type GPUMode string

const (
	// GPUModeExclusive leaves a detached GPU unbound, reserved for guests.
	GPUModeExclusive GPUMode = "exclusive"
	// GPUModeFlexible rebinds a detached GPU to the host driver.
	GPUModeFlexible GPUMode = "flexible"
)

// RunConfig is the run-scoped configuration shared by every phase and
// action. It is built once from flags and the configuration file, and
// read-only afterward.
type RunConfig struct {
	DryRun          bool
	AllowReboot     bool
	GPUMode         GPUMode
	Interface       string
	BridgeName      string
	HostDriver      string
	StrictIsolation bool

	// Skip holds phase names and numbers (as strings) to hard-skip.
	Skip map[string]bool
}

// Skips reports whether the descriptor is marked skipped in this run.
func (c *RunConfig) Skips(d Descriptor) bool {
	if c.Skip == nil {
		return false
	}
	return c.Skip[d.Name] || c.Skip[strconv.Itoa(d.Number)]
}

// Descriptor is a named, numbered unit of provisioning work. Numbering
// defines the only ordering guarantee between phases.
type Descriptor struct {
	Number int
	Name   string
	Run    func(ctx context.Context) error
}

// Result records the outcome of one phase.
type Result struct {
	Number int
	Name   string
	Status Status
	Err    error
}

// Runner executes phases strictly in order.
type Runner struct {
	log *logrus.Logger
}

// NewRunner creates a Runner.
func NewRunner(log *logrus.Logger) *Runner {
	return &Runner{log}
}

// RunAll executes the given phases in order. A phase whose skip flag is set
// transitions straight to SKIPPED without invoking any action. On the first
// failure no subsequent phase is attempted: later phases assume the
// invariants established by earlier ones. The failing phase's error is
// returned wrapped, with the remaining phases reported as PENDING.
func (r *Runner) RunAll(ctx context.Context, cfg *RunConfig, phases []Descriptor) ([]Result, error) {
	results := make([]Result, 0, len(phases))

	for i, p := range phases {
		if cfg.Skips(p) {
			r.log.Infof("Phase %d (%v): skipped", p.Number, p.Name)
			results = append(results, Result{p.Number, p.Name, Skipped, nil})
			continue
		}

		r.log.Infof("Phase %d (%v): running", p.Number, p.Name)
		if err := p.Run(ctx); err != nil {
			results = append(results, Result{p.Number, p.Name, Failed, err})
			for _, rest := range phases[i+1:] {
				results = append(results, Result{rest.Number, rest.Name, Pending, nil})
			}
			return results, fmt.Errorf("phase %d (%v) failed: %w", p.Number, p.Name, err)
		}

		r.log.Infof("Phase %d (%v): complete", p.Number, p.Name)
		results = append(results, Result{p.Number, p.Name, Complete, nil})
	}

	return results, nil
}
