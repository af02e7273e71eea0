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
	"net"
)

// Topology is the addressing topology of the primary interface, which
// decides the shape of the generated bridge configuration.
type Topology string

const (
	// TopologyStandard is a conventional subnet: prefix shorter than /32
	// with the gateway inside the subnet. The bridge runs spanning tree
	// with a non-zero forward delay.
	TopologyStandard Topology = "standard"
	// TopologyPointToPoint is a /32 host address with an on-link default
	// route, typical of bare-metal hosting providers. The bridge must
	// mark its default route on-link and disable spanning tree: STP
	// negotiation on a single point-to-point link only adds outage time.
	TopologyPointToPoint Topology = "point-to-point"
)

// DetectTopology classifies an address/prefix and its default route. Only
// the combination of a /32 prefix AND an on-link route is point-to-point; a
// /32 with a conventional route is observed on some hosts and must fall
// through to standard handling.
func DetectTopology(cidr string, onLink bool) (Topology, error) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return "", fmt.Errorf("error parsing address %v: %v", cidr, err)
	}
	ones, bits := ipnet.Mask.Size()
	if ones == bits && onLink {
		return TopologyPointToPoint, nil
	}
	return TopologyStandard, nil
}
