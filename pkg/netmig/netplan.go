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
	"fmt"

	"gopkg.in/yaml.v2"
)

const (
	// standardForwardDelay is the STP forward delay for a multi-port LAN
	// bridge.
	standardForwardDelay = 15
)

type netplanFile struct {
	Network netplanNetwork `yaml:"network"`
}

type netplanNetwork struct {
	Version   int                        `yaml:"version"`
	Renderer  string                     `yaml:"renderer,omitempty"`
	Ethernets map[string]netplanEthernet `yaml:"ethernets,omitempty"`
	Bridges   map[string]netplanBridge   `yaml:"bridges,omitempty"`
}

type netplanEthernet struct {
	DHCP4 bool `yaml:"dhcp4"`
}

type netplanBridge struct {
	Interfaces  []string            `yaml:"interfaces,flow"`
	DHCP4       bool                `yaml:"dhcp4"`
	Addresses   []string            `yaml:"addresses,flow,omitempty"`
	Routes      []netplanRoute      `yaml:"routes,omitempty"`
	Nameservers *netplanNameservers `yaml:"nameservers,omitempty"`
	Parameters  netplanParameters   `yaml:"parameters"`
}

type netplanRoute struct {
	To     string `yaml:"to"`
	Via    string `yaml:"via"`
	OnLink bool   `yaml:"on-link,omitempty"`
}

type netplanNameservers struct {
	Addresses []string `yaml:"addresses,flow"`
}

type netplanParameters struct {
	STP          bool `yaml:"stp"`
	ForwardDelay int  `yaml:"forward-delay"`
}

// BridgeFileName is the netplan file the migration writes for a bridge.
func BridgeFileName(bridge string) string {
	return fmt.Sprintf("60-%v.yaml", bridge)
}

// RenderBridgeConfig synthesizes the netplan configuration that moves the
// captured interface posture onto the named bridge. The shape follows the
// state's topology: a standard bridge keeps STP with the usual forward
// delay, a point-to-point bridge pins its default route on-link and disables
// STP with zero forward delay.
func RenderBridgeConfig(state *InterfaceState, bridge string) ([]byte, error) {
	b := netplanBridge{
		Interfaces: []string{state.Name},
	}

	switch state.Mode {
	case ModeDHCP:
		b.DHCP4 = true
		b.Parameters = netplanParameters{STP: true, ForwardDelay: standardForwardDelay}
	case ModeStaticSubnet:
		b.Addresses = []string{state.CIDR}
		b.Routes = []netplanRoute{{To: "default", Via: state.Gateway}}
		b.Parameters = netplanParameters{STP: true, ForwardDelay: standardForwardDelay}
	case ModeStaticPointToPoint:
		b.Addresses = []string{state.CIDR}
		b.Routes = []netplanRoute{{To: "default", Via: state.Gateway, OnLink: true}}
		b.Parameters = netplanParameters{STP: false, ForwardDelay: 0}
	default:
		return nil, fmt.Errorf("unknown addressing mode: %v", state.Mode)
	}

	if state.Mode != ModeDHCP && len(state.DNS) > 0 {
		b.Nameservers = &netplanNameservers{Addresses: state.DNS}
	}

	file := netplanFile{
		Network: netplanNetwork{
			Version:  2,
			Renderer: "networkd",
			Ethernets: map[string]netplanEthernet{
				state.Name: {DHCP4: false},
			},
			Bridges: map[string]netplanBridge{
				bridge: b,
			},
		},
	}

	data, err := yaml.Marshal(file)
	if err != nil {
		return nil, fmt.Errorf("error marshalling bridge config: %v", err)
	}
	return data, nil
}
