// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dhcp

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/nclient4"
)

// Lease is the part of a DHCP acknowledgement the plugin acts on.
type Lease struct {
	Address  netip.Prefix
	Routers  []netip.Addr
	DNS      []netip.Addr
	Duration time.Duration
}

func (l *Lease) equal(o *Lease) bool {
	return l.Address == o.Address && addrsEqual(l.Routers, o.Routers) && addrsEqual(l.DNS, o.DNS)
}

func addrsEqual(a, b []netip.Addr) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Client runs the DHCPv4 exchange for one interface. It keeps the current
// lease between calls.
type Client interface {
	Request(ctx context.Context) (*Lease, error)
	Renew(ctx context.Context) (*Lease, error)
	Release() error
	Close() error
}

// Dialer opens a client on an interface.
type Dialer func(ifname string, hostname string, timeout time.Duration, retries int) (Client, error)

type nclient struct {
	c     *nclient4.Client
	mods  []dhcpv4.Modifier
	lease *nclient4.Lease
}

// Dial opens a raw-socket DHCPv4 client.
func Dial(ifname string, hostname string, timeout time.Duration, retries int) (Client, error) {
	c, err := nclient4.New(ifname, nclient4.WithTimeout(timeout), nclient4.WithRetry(retries))
	if err != nil {
		return nil, err
	}
	n := &nclient{c: c}
	if hostname != "" {
		n.mods = append(n.mods, dhcpv4.WithOption(dhcpv4.OptHostName(hostname)))
	}
	return n, nil
}

func (n *nclient) Request(ctx context.Context) (*Lease, error) {
	l, err := n.c.Request(ctx, n.mods...)
	if err != nil {
		return nil, err
	}
	n.lease = l
	return leaseFromACK(l.ACK)
}

func (n *nclient) Renew(ctx context.Context) (*Lease, error) {
	l, err := n.c.Renew(ctx, n.lease, n.mods...)
	if err != nil {
		return nil, err
	}
	n.lease = l
	return leaseFromACK(l.ACK)
}

func (n *nclient) Release() error {
	if n.lease == nil {
		return nil
	}
	return n.c.Release(n.lease)
}

func (n *nclient) Close() error {
	return n.c.Close()
}

func leaseFromACK(ack *dhcpv4.DHCPv4) (*Lease, error) {
	ip, ok := netip.AddrFromSlice(ack.YourIPAddr.To4())
	if !ok || ip.IsUnspecified() {
		return nil, errNoAddress
	}
	bits := 32
	if mask := ack.SubnetMask(); mask != nil {
		if ones, size := mask.Size(); size == 32 {
			bits = ones
		}
	}
	return &Lease{
		Address:  netip.PrefixFrom(ip, bits),
		Routers:  toAddrs(ack.Router()),
		DNS:      toAddrs(ack.DNS()),
		Duration: ack.IPAddressLeaseTime(defaultLeaseTime),
	}, nil
}

func toAddrs(ips []net.IP) []netip.Addr {
	var out []netip.Addr
	for _, ip := range ips {
		if a, ok := netip.AddrFromSlice(ip.To4()); ok && !a.IsUnspecified() {
			out = append(out, a)
		}
	}
	return out
}
