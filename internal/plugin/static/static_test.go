// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package static

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

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

func (f *fakeNetlinker) send(name string, running bool) {
	attrs := netlink.LinkAttrs{Name: name, OperState: netlink.OperDown}
	if running {
		attrs.OperState = netlink.OperUp
		attrs.RawFlags = unix.IFF_RUNNING
	}
	f.ch <- netlink.LinkUpdate{Link: &netlink.Device{LinkAttrs: attrs}}
}

type events struct {
	ch chan string
}

func newEvents() *events { return &events{ch: make(chan string, 8)} }

func (e *events) callbacks() connection.Callbacks {
	return connection.Callbacks{
		OnAvailable:   func() { e.ch <- "available" },
		OnUnavailable: func(reason string) { e.ch <- "unavailable: " + reason },
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

func body(t *testing.T, src string) hcl.Body {
	t.Helper()
	f, diags := hclparse.NewParser().ParseHCL([]byte(src), "test.hcl")
	require.False(t, diags.HasErrors(), diags.Error())
	return f.Body
}

func TestOptions_FactSet(t *testing.T) {
	ev := newEvents()
	p, err := NewWithNetlinker(connection.PluginConfig{
		ConnectionID: "office",
		Options: body(t, `
default_nameserver = ["192.168.1.1"]
default_gateway {
  next_hop  = "192.168.1.1"
  interface = "eth0"
}
nameserver {
  targets = ["10.0.0.53"]
  domains = ["corp.example"]
}
gateway {
  interface = "tun0"
  networks  = ["10.0.0.0/255.0.0.0"]
}
`),
	}, ev.callbacks(), &fakeNetlinker{})
	require.NoError(t, err)
	defer p.Dispose()

	assert.Equal(t, "available", ev.next(t))
	assert.Equal(t, connection.Wired, p.NetworkType())

	fs, err := p.Activate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"192.168.1.1"}, fs.DefaultNameserver)
	require.NotNil(t, fs.DefaultGateway)
	assert.Equal(t, netip.MustParseAddr("192.168.1.1"), fs.DefaultGateway.NextHop)
	require.Len(t, fs.Nameservers, 1)
	assert.Equal(t, []string{"corp.example"}, fs.Nameservers[0].Domains)
	require.Len(t, fs.Gateways, 1)
	assert.Equal(t, "tun0", fs.Gateways[0].Target.Interface)
	assert.NoError(t, p.Deactivate())
}

func TestOptions_Invalid(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"bad next hop", `default_gateway { next_hop = "router" }`},
		{"empty gateway", `gateway { networks = ["10.0.0.0/8"] }`},
		{"bad network", `gateway {
  interface = "tun0"
  networks  = ["10.0.0.0"]
}`},
		{"bad settle", `settle_time = "soon"`},
		{"unknown attribute", `colour = "blue"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewWithNetlinker(connection.PluginConfig{ConnectionID: "x", Options: body(t, tt.src)},
				newEvents().callbacks(), &fakeNetlinker{})
			assert.Error(t, err)
		})
	}
}

func TestPlugin_FollowsLinkState(t *testing.T) {
	nl := &fakeNetlinker{}
	ev := newEvents()
	p, err := NewWithNetlinker(connection.PluginConfig{
		ConnectionID: "office",
		NetworkType:  connection.Wireless,
		Options:      body(t, `interface = "wlan0"`),
	}, ev.callbacks(), nl)
	require.NoError(t, err)
	defer p.Dispose()
	assert.Equal(t, connection.Wireless, p.NetworkType())

	nl.send("eth0", true)
	nl.send("wlan0", false)
	nl.send("wlan0", true)
	assert.Equal(t, "available", ev.next(t))
	nl.send("wlan0", true)
	nl.send("wlan0", false)
	assert.Equal(t, "unavailable: link wlan0 is down", ev.next(t))

	fs, err := p.Activate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"wlan0"}, fs.ManagedInterfaces)
}

func TestPlugin_CancelActivate(t *testing.T) {
	p, err := NewWithNetlinker(connection.PluginConfig{
		ConnectionID: "slow",
		Options:      body(t, `settle_time = "1h"`),
	}, newEvents().callbacks(), &fakeNetlinker{})
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
}

type fakePinger struct{ recv int }

func (f fakePinger) Ping(ctx context.Context, host string, count int, timeout time.Duration, privileged bool) (int, error) {
	return f.recv, nil
}

func TestPlugin_Probe(t *testing.T) {
	src := `
default_nameserver = ["192.168.1.1"]
probe {
  host    = "192.168.1.1"
  timeout = "100ms"
}
`
	p, err := newPlugin(connection.PluginConfig{ConnectionID: "office", Options: body(t, src)},
		newEvents().callbacks(), &fakeNetlinker{}, fakePinger{})
	require.NoError(t, err)
	defer p.Dispose()

	_, err = p.Activate(context.Background())
	assert.Equal(t, errors.KindNotAvailable, errors.GetKind(err))

	p2, err := newPlugin(connection.PluginConfig{ConnectionID: "office", Options: body(t, src)},
		newEvents().callbacks(), &fakeNetlinker{}, fakePinger{recv: 2})
	require.NoError(t, err)
	defer p2.Dispose()

	fs, err := p2.Activate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"192.168.1.1"}, fs.DefaultNameserver)

	_, err = newPlugin(connection.PluginConfig{ConnectionID: "office", Options: body(t, `probe {}`)},
		newEvents().callbacks(), &fakeNetlinker{}, nil)
	assert.Error(t, err)
}

func TestRegistered(t *testing.T) {
	_, ok := connection.Lookup(Name)
	assert.True(t, ok)
}
