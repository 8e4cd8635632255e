// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dhcp

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"

	"grimm.is/uplink/internal/connection"
	"grimm.is/uplink/internal/errors"
)

type fakeNetlinker struct {
	ch chan<- netlink.LinkUpdate
}

func (f *fakeNetlinker) LinkByName(name string) (netlink.Link, error) { return nil, nil }
func (f *fakeNetlinker) RouteAdd(*netlink.Route) error { return nil }
func (f *fakeNetlinker) RouteDel(*netlink.Route) error { return nil }
func (f *fakeNetlinker) LinkSubscribe(ctx context.Context, ch chan<- netlink.LinkUpdate) error {
	f.ch = ch
	return nil
}

func (f *fakeNetlinker) up(name string) {
	f.ch <- netlink.LinkUpdate{Link: &netlink.Device{LinkAttrs: netlink.LinkAttrs{Name: name, OperState: netlink.OperUp}}}
}

type fakeAddresser struct {
	mu    sync.Mutex
	addrs map[string]netip.Prefix
	err   error
}

func (f *fakeAddresser) AddrReplace(ifname string, addr netip.Prefix) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.addrs[ifname] = addr
	return nil
}

func (f *fakeAddresser) AddrDel(ifname string, addr netip.Prefix) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.addrs, ifname)
	return nil
}

func (f *fakeAddresser) get(ifname string) (netip.Prefix, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.addrs[ifname]
	return a, ok
}

type fakeClient struct {
	mu       sync.Mutex
	lease    *Lease
	renewed  []*Lease
	err      error
	released bool
	closed   bool
}

func (c *fakeClient) Request(ctx context.Context) (*Lease, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.lease, nil
}

func (c *fakeClient) Renew(ctx context.Context) (*Lease, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.renewed) == 0 {
		return nil, fmt.Errorf("no response")
	}
	l := c.renewed[0]
	c.renewed = c.renewed[1:]
	return l, nil
}

func (c *fakeClient) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = true
	return nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeClient) done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released && c.closed
}

func body(t *testing.T, src string) hcl.Body {
	t.Helper()
	f, diags := hclparse.NewParser().ParseHCL([]byte(src), "test.hcl")
	require.False(t, diags.HasErrors(), diags.Error())
	return f.Body
}

type events struct{ ch chan string }

func (e *events) callbacks() connection.Callbacks {
	return connection.Callbacks{
		OnAvailable:   func() { e.ch <- "available" },
		OnUnavailable: func(reason string) { e.ch <- reason },
	}
}

func (e *events) next(t *testing.T) string {
	t.Helper()
	select {
	case s := <-e.ch:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("no availability callback")
		return ""
	}
}

var testLease = &Lease{
	Address:  netip.MustParsePrefix("192.0.2.10/24"),
	Routers:  []netip.Addr{netip.MustParseAddr("192.0.2.1")},
	DNS:      []netip.Addr{netip.MustParseAddr("192.0.2.53"), netip.MustParseAddr("192.0.2.54")},
	Duration: time.Hour,
}

func newTestPlugin(t *testing.T, src string, client *fakeClient) (*Plugin, *fakeNetlinker, *fakeAddresser, *events) {
	t.Helper()
	nl := &fakeNetlinker{}
	addrs := &fakeAddresser{addrs: map[string]netip.Prefix{}}
	ev := &events{ch: make(chan string, 8)}
	p, err := NewWithDeps(connection.PluginConfig{ConnectionID: "lan", Options: body(t, src)}, ev.callbacks(), Deps{
		Netlinker: nl,
		Addresser: addrs,
		Dial: func(ifname, hostname string, timeout time.Duration, retries int) (Client, error) {
			return client, nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(p.Dispose)
	return p, nl, addrs, ev
}

func TestActivate(t *testing.T) {
	client := &fakeClient{lease: testLease}
	p, nl, addrs, ev := newTestPlugin(t, `interface = "eth0"`, client)

	nl.up("eth0")
	assert.Equal(t, "available", ev.next(t))

	fs, err := p.Activate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"eth0"}, fs.ManagedInterfaces)
	assert.Equal(t, []string{"192.0.2.53", "192.0.2.54"}, fs.DefaultNameserver)
	require.NotNil(t, fs.DefaultGateway)
	assert.Equal(t, "192.0.2.1", fs.DefaultGateway.NextHop.String())
	assert.Equal(t, "eth0", fs.DefaultGateway.Interface)

	addr, ok := addrs.get("eth0")
	require.True(t, ok)
	assert.Equal(t, testLease.Address, addr)

	require.NoError(t, p.Deactivate())
	_, ok = addrs.get("eth0")
	assert.False(t, ok)
	assert.True(t, client.done())
}

func TestActivate_IgnoreDNS(t *testing.T) {
	p, _, _, _ := newTestPlugin(t, `
interface  = "eth0"
ignore_dns = true
`, &fakeClient{lease: testLease})

	fs, err := p.Activate(context.Background())
	require.NoError(t, err)
	assert.Empty(t, fs.DefaultNameserver)
	assert.NotNil(t, fs.DefaultGateway)
}

func TestActivate_NoLease(t *testing.T) {
	p, _, addrs, _ := newTestPlugin(t, `interface = "eth0"`, &fakeClient{err: fmt.Errorf("timed out")})

	_, err := p.Activate(context.Background())
	assert.Equal(t, errors.KindNotAvailable, errors.GetKind(err))
	_, ok := addrs.get("eth0")
	assert.False(t, ok)
	assert.NoError(t, p.Deactivate())
}

func TestActivate_AssignFails(t *testing.T) {
	client := &fakeClient{lease: testLease}
	p, _, addrs, _ := newTestPlugin(t, `interface = "eth0"`, client)
	addrs.err = fmt.Errorf("permission denied")

	_, err := p.Activate(context.Background())
	assert.Equal(t, errors.KindKernel, errors.GetKind(err))
	assert.True(t, client.done())
}

func TestRenewal(t *testing.T) {
	old := minRenewInterval
	minRenewInterval = 10 * time.Millisecond
	defer func() { minRenewInterval = old }()

	short := *testLease
	short.Duration = 0
	changed := short
	changed.Address = netip.MustParsePrefix("192.0.2.11/24")

	client := &fakeClient{lease: &short, renewed: []*Lease{&short, &changed}}
	p, nl, _, ev := newTestPlugin(t, `interface = "eth0"`, client)
	nl.up("eth0")
	assert.Equal(t, "available", ev.next(t))

	_, err := p.Activate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "DHCP lease on eth0 changed", ev.next(t))
	assert.Equal(t, "available", ev.next(t))
	require.NoError(t, p.Deactivate())
}

func TestRenewal_Fails(t *testing.T) {
	old := minRenewInterval
	minRenewInterval = 10 * time.Millisecond
	defer func() { minRenewInterval = old }()

	short := *testLease
	short.Duration = 0
	p, _, _, ev := newTestPlugin(t, `interface = "eth0"`, &fakeClient{lease: &short})

	_, err := p.Activate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "DHCP lease on eth0 expired", ev.next(t))
	assert.Empty(t, ev.ch, "link never came up so the connection is not offered again")
}

func TestCancelActivate(t *testing.T) {
	block := make(chan struct{})
	nl := &fakeNetlinker{}
	p, err := NewWithDeps(connection.PluginConfig{ConnectionID: "lan", Options: body(t, `interface = "eth0"`)},
		(&events{ch: make(chan string, 8)}).callbacks(), Deps{
			Netlinker: nl,
			Addresser: &fakeAddresser{addrs: map[string]netip.Prefix{}},
			Dial: func(string, string, time.Duration, int) (Client, error) {
				return &blockingClient{block: block}, nil
			},
		})
	require.NoError(t, err)
	defer p.Dispose()

	done := make(chan error, 1)
	go func() {
		_, err := p.Activate(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.cancel != nil
	}, 5*time.Second, 10*time.Millisecond)
	p.CancelActivate()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("activation did not stop")
	}
	close(block)
}

type blockingClient struct {
	fakeClient
	block chan struct{}
}

func (c *blockingClient) Request(ctx context.Context) (*Lease, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.block:
		return nil, fmt.Errorf("unblocked")
	}
}

func TestNew_Invalid(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"missing interface", `hostname = "laptop"`},
		{"bad timeout", `
interface = "eth0"
timeout   = "soon"
`},
		{"bad probe", `
interface = "eth0"
probe {
  host = ""
}
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewWithDeps(connection.PluginConfig{ConnectionID: "lan", Options: body(t, tt.src)},
				connection.Callbacks{OnAvailable: func() {}, OnUnavailable: func(string) {}},
				Deps{Netlinker: &fakeNetlinker{}})
			assert.Error(t, err)
		})
	}
}

func TestLeaseFromACK(t *testing.T) {
	ack, err := dhcpv4.New(
		dhcpv4.WithYourIP(net.IPv4(192, 0, 2, 10)),
		dhcpv4.WithNetmask(net.CIDRMask(24, 32)),
		dhcpv4.WithRouter(net.IPv4(192, 0, 2, 1)),
		dhcpv4.WithDNS(net.IPv4(192, 0, 2, 53)),
		dhcpv4.WithLeaseTime(600),
	)
	require.NoError(t, err)

	l, err := leaseFromACK(ack)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.10/24", l.Address.String())
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("192.0.2.1")}, l.Routers)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("192.0.2.53")}, l.DNS)
	assert.Equal(t, 10*time.Minute, l.Duration)

	empty, err := dhcpv4.New()
	require.NoError(t, err)
	_, err = leaseFromACK(empty)
	assert.Error(t, err)
}

func TestRegistered(t *testing.T) {
	_, ok := connection.Lookup(Name)
	assert.True(t, ok)
}
