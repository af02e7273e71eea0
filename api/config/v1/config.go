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

package v1

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"sigs.k8s.io/yaml"
)

// Version indicates the version of the 'Spec' struct used to hold host
// configuration for vfioctl.
const Version = "v1"

// Spec is a versioned struct used to hold the host configuration file.
type Spec struct {
	Version   string        `json:"version"             yaml:"version"`
	Provision ProvisionSpec `json:"provision,omitempty" yaml:"provision,omitempty"`
	Binding   BindingSpec   `json:"binding,omitempty"   yaml:"binding,omitempty"`
}

// ProvisionSpec configures the provisioning phase sequence.
type ProvisionSpec struct {
	Interface   string   `json:"interface,omitempty"    yaml:"interface,omitempty"`
	BridgeName  string   `json:"bridge-name,omitempty"  yaml:"bridge-name,omitempty"`
	AllowReboot bool     `json:"allow-reboot,omitempty" yaml:"allow-reboot,omitempty"`
	SkipPhases  []string `json:"skip-phases,omitempty"  yaml:"skip-phases,flow,omitempty"`
}

// BindingSpec configures the GPU binding state machine.
type BindingSpec struct {
	HostDriver      string `json:"host-driver,omitempty"      yaml:"host-driver,omitempty"`
	GPUMode         string `json:"gpu-mode,omitempty"         yaml:"gpu-mode,omitempty"         validate:"omitempty,oneof=exclusive flexible"`
	StrictIsolation bool   `json:"strict-isolation,omitempty" yaml:"strict-isolation,omitempty"`
}

// UnmarshalJSON unmarshals raw bytes into a versioned 'Spec'.
func (s *Spec) UnmarshalJSON(b []byte) error {
	spec := make(map[string]json.RawMessage)
	err := json.Unmarshal(b, &spec)
	if err != nil {
		return err
	}

	if !containsKey(spec, "version") && len(spec) > 0 {
		return fmt.Errorf("unable to parse with missing 'version' field")
	}

	result := Spec{}
	for k, v := range spec {
		switch k {
		case "version":
			var version string
			err := json.Unmarshal(v, &version)
			if err != nil {
				return err
			}
			result.Version = version
		}
	}

	if result.Version != Version {
		return fmt.Errorf("unknown version: %v", result.Version)
	}

	delete(spec, "version")
	for k, v := range spec {
		switch k {
		case "provision":
			err := json.Unmarshal(v, &result.Provision)
			if err != nil {
				return err
			}
		case "binding":
			err := json.Unmarshal(v, &result.Binding)
			if err != nil {
				return err
			}
		default:
			return fmt.Errorf("unexpected field: %v", k)
		}
	}

	*s = result
	return nil
}

func containsKey(m map[string]json.RawMessage, k string) bool {
	_, exists := m[k]
	return exists
}

// Validate checks the field-level constraints of the spec.
func (s *Spec) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// ParseFile reads, unmarshals and validates a YAML configuration file.
func ParseFile(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %v", err)
	}

	var spec Spec
	err = yaml.Unmarshal(data, &spec)
	if err != nil {
		return nil, fmt.Errorf("error unmarshalling config file: %v", err)
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}

	return &spec, nil
}
