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

package ensure

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Probe is a side-effect-free boolean query over host state. Probes fail
// closed: when the underlying resource is absent or unreadable, the probe
// answers "not satisfied" rather than raising, so the enclosing action
// defaults to running its mutation.
type Probe func() bool

// Mutate performs the state change an action exists for.
type Mutate func() error

// Action pairs a probe with the mutation that makes it true.
type Action struct {
	Name      string
	Satisfied Probe
	Run       Mutate
}

// Enforcer applies actions idempotently, honouring a global dry-run flag.
type Enforcer struct {
	dryRun bool
	log    *logrus.Logger
}

// New creates an Enforcer.
func New(dryRun bool, log *logrus.Logger) *Enforcer {
	return &Enforcer{dryRun, log}
}

// Ensure makes the action's condition true. If the probe already reports
// satisfied, nothing runs. In dry-run mode the would-be mutation is logged
// and skipped, so dry-run output is a strict superset prediction of the
// mutations a real run would perform.
func (e *Enforcer) Ensure(a Action) error {
	if a.Satisfied != nil && a.Satisfied() {
		e.log.Infof("%v: already satisfied", a.Name)
		return nil
	}
	if e.dryRun {
		e.log.Infof("%v: would run (dry-run)", a.Name)
		return nil
	}
	e.log.Infof("%v: running", a.Name)
	if err := a.Run(); err != nil {
		return fmt.Errorf("error applying '%v': %v", a.Name, err)
	}
	return nil
}

// EnsureAll applies actions in order, stopping at the first failure.
func (e *Enforcer) EnsureAll(actions []Action) error {
	for _, a := range actions {
		if err := e.Ensure(a); err != nil {
			return err
		}
	}
	return nil
}
