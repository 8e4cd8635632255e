// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package network

import (
	"context"
	"net/netip"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

// Netlinker is the subset of netlink the route reconciler and link
// watchers depend on.
type Netlinker interface {
	LinkByName(name string) (netlink.Link, error)
	RouteAdd(route *netlink.Route) error
	RouteDel(route *netlink.Route) error
	LinkSubscribe(ctx context.Context, ch chan<- netlink.LinkUpdate) error
}

// Addresser assigns interface addresses.
type Addresser interface {
	AddrReplace(ifname string, addr netip.Prefix) error
	AddrDel(ifname string, addr netip.Prefix) error
}

// RealNetlinker talks to the kernel. The zero value works in the current
// network namespace.
type RealNetlinker struct {
	handle *netlink.Handle
	ns     *netns.NsHandle
}

// DefaultNetlinker is the default RealNetlinker instance.
var DefaultNetlinker = &RealNetlinker{}

// NewNetlinkerAt returns a netlinker bound to the namespace ns. The caller
// keeps ownership of ns and must call Close on the result.
func NewNetlinkerAt(ns netns.NsHandle) (*RealNetlinker, error) {
	h, err := netlink.NewHandleAt(ns)
	if err != nil {
		return nil, err
	}
	return &RealNetlinker{handle: h, ns: &ns}, nil
}

// Close releases the namespace handle, if any.
func (n *RealNetlinker) Close() {
	if n.handle != nil {
		n.handle.Close()
	}
}

func (n *RealNetlinker) LinkByName(name string) (netlink.Link, error) {
	if n.handle != nil {
		return n.handle.LinkByName(name)
	}
	return netlink.LinkByName(name)
}

func (n *RealNetlinker) RouteAdd(route *netlink.Route) error {
	if n.handle != nil {
		return n.handle.RouteAdd(route)
	}
	return netlink.RouteAdd(route)
}

func (n *RealNetlinker) RouteDel(route *netlink.Route) error {
	if n.handle != nil {
		return n.handle.RouteDel(route)
	}
	return netlink.RouteDel(route)
}

// LinkSubscribe delivers link updates until ctx is done. The current state
// of every link is replayed first.
func (n *RealNetlinker) LinkSubscribe(ctx context.Context, ch chan<- netlink.LinkUpdate) error {
	return netlink.LinkSubscribeWithOptions(ch, ctx.Done(), netlink.LinkSubscribeOptions{
		Namespace:    n.ns,
		ListExisting: true,
	})
}

func (n *RealNetlinker) AddrReplace(ifname string, addr netip.Prefix) error {
	link, a, err := n.addr(ifname, addr)
	if err != nil {
		return err
	}
	if n.handle != nil {
		return n.handle.AddrReplace(link, a)
	}
	return netlink.AddrReplace(link, a)
}

func (n *RealNetlinker) AddrDel(ifname string, addr netip.Prefix) error {
	link, a, err := n.addr(ifname, addr)
	if err != nil {
		return err
	}
	if n.handle != nil {
		return n.handle.AddrDel(link, a)
	}
	return netlink.AddrDel(link, a)
}

func (n *RealNetlinker) addr(ifname string, addr netip.Prefix) (netlink.Link, *netlink.Addr, error) {
	link, err := n.LinkByName(ifname)
	if err != nil {
		return nil, nil, err
	}
	a, err := netlink.ParseAddr(addr.String())
	if err != nil {
		return nil, nil, err
	}
	return link, a, nil
}

// LinkRunning reports whether a link is administratively up with carrier.
func LinkRunning(link netlink.Link) bool {
	if link == nil {
		return false
	}
	attrs := link.Attrs()
	return attrs.OperState == netlink.OperUp || attrs.RawFlags&unix.IFF_RUNNING != 0
}
