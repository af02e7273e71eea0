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

package netcfg

import (
	"fmt"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// Addr is one address carried by a link.
type Addr struct {
	// CIDR is the address in address/prefix form.
	CIDR string
	// Permanent is false for addresses installed by a DHCP client.
	Permanent bool
}

// Route describes a default route.
type Route struct {
	Gateway string
	OnLink  bool
	// Dev is the name of the egress link.
	Dev string
}

// Querier is the live network state port: read-only questions about the
// interfaces, addresses and routes currently programmed into the kernel.
type Querier interface {
	LinkExists(name string) (bool, error)
	LinkIsUp(name string) (bool, error)
	LinkAddrs(name string) ([]Addr, error)
	DefaultRoute() (*Route, error)
}

type netlinkQuerier struct{}

var _ Querier = (*netlinkQuerier)(nil)

// NewNetlinkQuerier creates a Querier backed by rtnetlink.
func NewNetlinkQuerier() Querier {
	return &netlinkQuerier{}
}

func (q *netlinkQuerier) LinkExists(name string) (bool, error) {
	_, err := netlink.LinkByName(name)
	if err != nil {
		if _, ok := err.(netlink.LinkNotFoundError); ok {
			return false, nil
		}
		return false, fmt.Errorf("error looking up link %v: %v", name, err)
	}
	return true, nil
}

func (q *netlinkQuerier) LinkIsUp(name string) (bool, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return false, fmt.Errorf("error looking up link %v: %v", name, err)
	}
	return link.Attrs().Flags&unix.IFF_UP != 0, nil
}

func (q *netlinkQuerier) LinkAddrs(name string) ([]Addr, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("error looking up link %v: %v", name, err)
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("error listing addresses of %v: %v", name, err)
	}
	var result []Addr
	for _, addr := range addrs {
		result = append(result, Addr{
			CIDR:      addr.IPNet.String(),
			Permanent: addr.Flags&unix.IFA_F_PERMANENT != 0,
		})
	}
	return result, nil
}

// DefaultRoute returns the IPv4 default route, or nil if none is programmed.
func (q *netlinkQuerier) DefaultRoute() (*Route, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("error listing routes: %v", err)
	}
	for _, r := range routes {
		if r.Dst != nil {
			continue
		}
		if r.Gw == nil {
			continue
		}
		route := &Route{
			Gateway: r.Gw.String(),
			OnLink:  r.Flags&int(netlink.FLAG_ONLINK) != 0,
		}
		if link, err := netlink.LinkByIndex(r.LinkIndex); err == nil {
			route.Dev = link.Attrs().Name
		}
		return route, nil
	}
	return nil, nil
}

// FakeQuerier is a deterministic Querier for tests.
type FakeQuerier struct {
	Links map[string]bool // name -> up
	Addrs map[string][]Addr
	Route *Route
}

var _ Querier = (*FakeQuerier)(nil)

// NewFakeQuerier creates an empty FakeQuerier.
func NewFakeQuerier() *FakeQuerier {
	return &FakeQuerier{
		Links: make(map[string]bool),
		Addrs: make(map[string][]Addr),
	}
}

func (f *FakeQuerier) LinkExists(name string) (bool, error) {
	_, ok := f.Links[name]
	return ok, nil
}

func (f *FakeQuerier) LinkIsUp(name string) (bool, error) {
	up, ok := f.Links[name]
	if !ok {
		return false, fmt.Errorf("error looking up link %v: not found", name)
	}
	return up, nil
}

func (f *FakeQuerier) LinkAddrs(name string) ([]Addr, error) {
	if _, ok := f.Links[name]; !ok {
		return nil, fmt.Errorf("error looking up link %v: not found", name)
	}
	return f.Addrs[name], nil
}

func (f *FakeQuerier) DefaultRoute() (*Route, error) {
	return f.Route, nil
}
