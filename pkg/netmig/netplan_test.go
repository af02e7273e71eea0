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

package netmig

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"
)

func TestRenderPointToPointBridge(t *testing.T) {
	state := &InterfaceState{
		Name:    "eno1",
		Mode:    ModeStaticPointToPoint,
		CIDR:    "203.0.113.10/32",
		Gateway: "203.0.113.1",
		OnLink:  true,
		DNS:     []string{"185.12.64.1", "185.12.64.2"},
	}

	data, err := RenderBridgeConfig(state, "br0")
	require.Nil(t, err)

	rendered := string(data)
	require.Contains(t, rendered, "via: 203.0.113.1")
	require.Contains(t, rendered, "on-link: true")
	require.Contains(t, rendered, "stp: false")
	require.Contains(t, rendered, "forward-delay: 0")
	require.NotContains(t, rendered, "stp: true")
	require.Contains(t, rendered, "203.0.113.10/32")

	// The rendered document must round-trip as valid YAML.
	var doc map[string]interface{}
	require.Nil(t, yaml.Unmarshal(data, &doc))
}

func TestRenderStandardStaticBridge(t *testing.T) {
	state := &InterfaceState{
		Name:    "eno1",
		Mode:    ModeStaticSubnet,
		CIDR:    "192.168.1.100/24",
		Gateway: "192.168.1.1",
		DNS:     []string{"192.168.1.1"},
	}

	data, err := RenderBridgeConfig(state, "br0")
	require.Nil(t, err)

	rendered := string(data)
	require.Contains(t, rendered, "192.168.1.100/24")
	require.Contains(t, rendered, "via: 192.168.1.1")
	require.Contains(t, rendered, "stp: true")
	require.Contains(t, rendered, "forward-delay: 15")
	require.NotContains(t, rendered, "on-link")
}

func TestRenderDHCPBridge(t *testing.T) {
	state := &InterfaceState{
		Name: "eno1",
		Mode: ModeDHCP,
	}

	data, err := RenderBridgeConfig(state, "br0")
	require.Nil(t, err)

	rendered := string(data)
	require.Contains(t, rendered, "dhcp4: true")
	require.Contains(t, rendered, "stp: true")
	require.NotContains(t, rendered, "addresses")
	require.NotContains(t, rendered, "routes")
}

func TestRenderEnslavesInterface(t *testing.T) {
	state := &InterfaceState{Name: "eno1", Mode: ModeDHCP}

	data, err := RenderBridgeConfig(state, "br0")
	require.Nil(t, err)

	var file netplanFile
	require.Nil(t, yaml.Unmarshal(data, &file))
	require.Equal(t, []string{"eno1"}, file.Network.Bridges["br0"].Interfaces)
	require.Contains(t, file.Network.Ethernets, "eno1")
	require.False(t, file.Network.Ethernets["eno1"].DHCP4)
	require.Equal(t, 2, file.Network.Version)
}
