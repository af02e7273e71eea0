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
	"os"
	"strings"

	"github.com/vfio-tools/vfioctl/internal/netcfg"
)

// AddressingMode is how the primary interface gets its address.
type AddressingMode string

const (
	ModeDHCP               AddressingMode = "dhcp"
	ModeStaticSubnet       AddressingMode = "static-subnet"
	ModeStaticPointToPoint AddressingMode = "static-point-to-point"
)

// InterfaceState is the address/route/DNS posture of the primary interface,
// captured once at the start of a migration. It is both the template for the
// bridge configuration and the rollback target; it is never mutated after
// capture, and a retry requires a fresh capture.
type InterfaceState struct {
	Name    string
	Mode    AddressingMode
	CIDR    string
	Gateway string
	OnLink  bool
	DNS     []string
}

// Topology returns the bridge topology this state calls for.
func (s *InterfaceState) Topology() Topology {
	if s.Mode == ModeStaticPointToPoint {
		return TopologyPointToPoint
	}
	return TopologyStandard
}

// Capture reads the live state of the named interface: first IPv4 address,
// default route and DNS servers. DNS is read from the resolver paths in
// order, preferring the resolver service's generated file over the static
// resolver configuration.
func Capture(q netcfg.Querier, resolvPaths []string, name string) (*InterfaceState, error) {
	exists, err := q.LinkExists(name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("interface %v does not exist", name)
	}

	addrs, err := q.LinkAddrs(name)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("interface %v carries no IPv4 address", name)
	}
	addr := addrs[0]

	state := &InterfaceState{
		Name: name,
		CIDR: addr.CIDR,
		DNS:  readNameservers(resolvPaths),
	}

	route, err := q.DefaultRoute()
	if err != nil {
		return nil, err
	}
	if route != nil && (route.Dev == "" || route.Dev == name) {
		state.Gateway = route.Gateway
		state.OnLink = route.OnLink
	}

	topology, err := DetectTopology(state.CIDR, state.OnLink)
	if err != nil {
		return nil, err
	}

	switch {
	case !addr.Permanent:
		state.Mode = ModeDHCP
	case topology == TopologyPointToPoint:
		state.Mode = ModeStaticPointToPoint
	default:
		state.Mode = ModeStaticSubnet
	}

	if state.Mode != ModeDHCP && state.Gateway == "" {
		return nil, fmt.Errorf("interface %v is static but has no default route; refusing to migrate", name)
	}

	return state, nil
}

// readNameservers returns the nameserver entries of the first readable
// resolver file. Absent files resolve to no DNS, not an error.
func readNameservers(paths []string) []string {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var servers []string
		for _, line := range strings.Split(string(data), "\n") {
			fields := strings.Fields(line)
			if len(fields) == 2 && fields[0] == "nameserver" {
				servers = append(servers, fields[1])
			}
		}
		if len(servers) > 0 {
			return servers
		}
	}
	return nil
}
