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

package util

import (
	"fmt"
	"strings"
)

func Capitalize(s string) string {
	return strings.ToUpper(s[0:1]) + s[1:]
}

// NormalizeSlot expands a PCI address into its full 'domain:bus:device.function'
// form. Addresses without a domain get the default domain 0000.
func NormalizeSlot(slot string) (string, error) {
	if strings.Count(slot, ":") == 1 {
		slot = "0000:" + slot
	}

	var domain, bus, device uint16
	var function uint8
	n, err := fmt.Sscanf(slot, "%04x:%02x:%02x.%x", &domain, &bus, &device, &function)
	if err != nil || n != 4 {
		return "", fmt.Errorf("malformed PCI address '%v'", slot)
	}

	return fmt.Sprintf("%04x:%02x:%02x.%x", domain, bus, device, function), nil
}
