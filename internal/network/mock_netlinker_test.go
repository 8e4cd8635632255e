// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package network

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/vishvananda/netlink"
)

type MockNetlinker struct {
	mock.Mock
}

func (m *MockNetlinker) LinkByName(name string) (netlink.Link, error) {
	args := m.Called(name)
	link, _ := args.Get(0).(netlink.Link)
	return link, args.Error(1)
}

func (m *MockNetlinker) RouteAdd(route *netlink.Route) error {
	return m.Called(route).Error(0)
}

func (m *MockNetlinker) RouteDel(route *netlink.Route) error {
	return m.Called(route).Error(0)
}

func (m *MockNetlinker) LinkSubscribe(ctx context.Context, ch chan<- netlink.LinkUpdate) error {
	return m.Called(ctx, ch).Error(0)
}

type fakeFirewall struct {
	added   []string
	removed []string
	active  map[string]bool
}

func newFakeFirewall() *fakeFirewall {
	return &fakeFirewall{active: make(map[string]bool)}
}

func (f *fakeFirewall) AddGateway(ifname string) error {
	f.added = append(f.added, ifname)
	f.active[ifname] = true
	return nil
}

func (f *fakeFirewall) RemoveGateway(ifname string) error {
	f.removed = append(f.removed, ifname)
	delete(f.active, ifname)
	return nil
}

// dst matches a route by destination and, when gw is non-empty, gateway.
func dst(prefix, gw string) any {
	return mock.MatchedBy(func(r *netlink.Route) bool {
		if r.Dst == nil || r.Dst.String() != prefix {
			return false
		}
		if gw == "" {
			return r.Gw == nil
		}
		return r.Gw != nil && r.Gw.String() == gw
	})
}

func link(name string, index int) netlink.Link {
	return &netlink.Device{LinkAttrs: netlink.LinkAttrs{Name: name, Index: index}}
}
