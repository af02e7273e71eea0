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

package phases

import (
	"fmt"
	"os"
	"strings"

	"github.com/vfio-tools/vfioctl/pkg/provision/ensure"
)

const grubCmdlineVar = "GRUB_CMDLINE_LINUX_DEFAULT"

// grubVarTokens parses the space-separated value of a variable inside a
// GRUB defaults file. A missing file or variable parses as no tokens.
func grubVarTokens(path, varName string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, varName+"=") {
			continue
		}
		value := strings.TrimPrefix(trimmed, varName+"=")
		value = strings.Trim(value, `"'`)
		return strings.Fields(value)
	}
	return nil
}

// GrubHasTokens probes whether every token is present in the variable's
// value.
func GrubHasTokens(path, varName string, tokens ...string) ensure.Probe {
	return func() bool {
		present := make(map[string]bool)
		for _, t := range grubVarTokens(path, varName) {
			present[t] = true
		}
		for _, t := range tokens {
			if !present[t] {
				return false
			}
		}
		return true
	}
}

// AddGrubTokens appends the missing tokens to the variable's value,
// preserving the rest of the file. The variable line is created when absent.
func AddGrubTokens(path, varName string, tokens ...string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("error reading %v: %v", path, err)
	}

	present := make(map[string]bool)
	for _, t := range grubVarTokens(path, varName) {
		present[t] = true
	}
	var missing []string
	for _, t := range tokens {
		if !present[t] {
			missing = append(missing, t)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	lines := strings.Split(string(data), "\n")
	found := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, varName+"=") {
			continue
		}
		value := strings.Trim(strings.TrimPrefix(trimmed, varName+"="), `"'`)
		value = strings.TrimSpace(value + " " + strings.Join(missing, " "))
		lines[i] = fmt.Sprintf(`%v="%v"`, varName, value)
		found = true
		break
	}
	if !found {
		lines = append(lines, fmt.Sprintf(`%v="%v"`, varName, strings.Join(missing, " ")))
	}

	err = os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0644)
	if err != nil {
		return fmt.Errorf("error writing %v: %v", path, err)
	}
	return nil
}
