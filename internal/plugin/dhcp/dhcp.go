// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package dhcp is a connection plugin that leases an IPv4 address on one
// interface and reports the offered router and nameservers as facts.
//
//	connection "lan" {
//	  plugin   = "dhcp"
//	  priority = 1
//
//	  interface = "eth0"
//	  hostname  = "laptop"
//	}
//
// The lease is renewed at half its lifetime. A failed renewal, or one that
// changes the address, router or nameservers, reports the connection
// unavailable so it is re-activated with a fresh lease.
package dhcp

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"golang.org/x/sys/unix"

	"grimm.is/uplink/internal/connection"
	"grimm.is/uplink/internal/errors"
	"grimm.is/uplink/internal/facts"
	"grimm.is/uplink/internal/logging"
	"grimm.is/uplink/internal/network"
	"grimm.is/uplink/internal/plugin/linkstate"
	"grimm.is/uplink/internal/plugin/probe"
)

// Name is the registry name of this plugin.
const Name = "dhcp"

const (
	defaultTimeout   = 5 * time.Second
	defaultRetries   = 3
	defaultLeaseTime = time.Hour
)

var (
	minRenewInterval = 30 * time.Second
	errNoAddress     = errors.New(errors.KindNotAvailable, "acknowledgement carries no address")
)

func init() {
	connection.Register(Name, New)
}

// Options is the plugin specific part of a connection block.
type Options struct {
	Interface string `hcl:"interface"`
	Hostname  string `hcl:"hostname,optional"`
	Timeout   string `hcl:"timeout,optional"`
	Retries   int    `hcl:"retries,optional"`

	// IgnoreDNS keeps the offered nameservers out of the fact set.
	IgnoreDNS bool `hcl:"ignore_dns,optional"`

	Probe *probe.Config `hcl:"probe,block"`
}

// Deps are the system facilities the plugin uses.
type Deps struct {
	Netlinker network.Netlinker
	Addresser network.Addresser
	Dial      Dialer
	Pinger    probe.Pinger
}

// Plugin implements connection.Plugin.
type Plugin struct {
	id      string
	typ     connection.NetworkType
	opts    Options
	timeout time.Duration
	retries int

	cb     connection.Callbacks
	deps   Deps
	prober *probe.Prober
	logger *logging.Logger
	link   *linkstate.Watcher

	mu        sync.Mutex
	cancel    context.CancelFunc
	client    Client
	lease     *Lease
	stopRenew context.CancelFunc
	renewWG   sync.WaitGroup
}

// New is the registered factory.
func New(cfg connection.PluginConfig, cb connection.Callbacks) (connection.Plugin, error) {
	return NewWithDeps(cfg, cb, Deps{})
}

// NewWithDeps builds the plugin on explicit system facilities. Zero fields
// fall back to the kernel and a raw-socket client.
func NewWithDeps(cfg connection.PluginConfig, cb connection.Callbacks, deps Deps) (*Plugin, error) {
	var opts Options
	if cfg.Options == nil {
		return nil, errors.New(errors.KindValidation, "dhcp plugin requires an interface")
	}
	if diags := gohcl.DecodeBody(cfg.Options, nil, &opts); diags.HasErrors() {
		return nil, errors.Wrap(diags, errors.KindValidation, "invalid dhcp plugin options")
	}
	if opts.Interface == "" {
		return nil, errors.New(errors.KindValidation, "dhcp plugin requires an interface")
	}
	if deps.Netlinker == nil {
		deps.Netlinker = network.DefaultNetlinker
	}
	if deps.Addresser == nil {
		deps.Addresser = network.DefaultNetlinker
	}
	if deps.Dial == nil {
		deps.Dial = Dial
	}

	p := &Plugin{
		id:      cfg.ConnectionID,
		typ:     cfg.NetworkType,
		opts:    opts,
		timeout: defaultTimeout,
		retries: opts.Retries,
		cb:      cb,
		deps:    deps,
		logger: logging.WithComponent("plugin.dhcp").WithFields(map[string]any{
			"connection": cfg.ConnectionID,
			"interface":  opts.Interface,
		}),
	}
	if p.typ == "" {
		p.typ = connection.Wired
	}
	if p.retries <= 0 {
		p.retries = defaultRetries
	}
	if opts.Timeout != "" {
		d, err := time.ParseDuration(opts.Timeout)
		if err != nil || d <= 0 {
			return nil, errors.Errorf(errors.KindValidation, "invalid timeout %q", opts.Timeout)
		}
		p.timeout = d
	}
	prober, err := probe.New(opts.Probe, deps.Pinger)
	if err != nil {
		return nil, err
	}
	p.prober = prober

	p.link, err = linkstate.Watch(deps.Netlinker, opts.Interface, cb, p.logger)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Plugin) NetworkType() connection.NetworkType { return p.typ }

// Activate leases an address, assigns it and returns the lease as facts.
func (p *Plugin) Activate(ctx context.Context) (*facts.FactSet, error) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
	defer cancel()

	iface := p.opts.Interface
	client, err := p.deps.Dial(iface, p.opts.Hostname, p.timeout, p.retries)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindNotAvailable, "failed to open DHCP client on %s", iface)
	}
	lease, err := client.Request(ctx)
	if err != nil {
		_ = client.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrapf(err, errors.KindNotAvailable, "no DHCP lease on %s", iface)
	}
	if err := p.deps.Addresser.AddrReplace(iface, lease.Address); err != nil {
		_ = client.Release()
		_ = client.Close()
		return nil, errors.Wrapf(err, errors.KindKernel, "failed to assign %s to %s", lease.Address, iface)
	}
	if err := p.prober.Check(ctx); err != nil {
		_ = p.release(client, lease)
		return nil, err
	}
	p.logger.Info("Lease acquired", "address", lease.Address, "routers", lease.Routers,
		"dns", lease.DNS, "lease_time", lease.Duration)

	renewCtx, stop := context.WithCancel(context.Background())
	p.mu.Lock()
	p.client, p.lease, p.stopRenew = client, lease, stop
	p.mu.Unlock()
	p.renewWG.Add(1)
	go p.renew(renewCtx, client, lease)

	return p.factSet(lease), nil
}

func (p *Plugin) factSet(l *Lease) *facts.FactSet {
	fs := &facts.FactSet{ManagedInterfaces: []string{p.opts.Interface}}
	if !p.opts.IgnoreDNS {
		for _, a := range l.DNS {
			fs.DefaultNameserver = append(fs.DefaultNameserver, a.String())
		}
	}
	if len(l.Routers) > 0 {
		fs.DefaultGateway = &facts.GatewayTarget{NextHop: l.Routers[0], Interface: p.opts.Interface}
	}
	return fs
}

func renewAfter(d time.Duration) time.Duration {
	if d/2 < minRenewInterval {
		return minRenewInterval
	}
	return d / 2
}

// renew keeps the lease alive until ctx is cancelled or the lease is lost.
func (p *Plugin) renew(ctx context.Context, client Client, lease *Lease) {
	defer p.renewWG.Done()
	for {
		t := time.NewTimer(renewAfter(lease.Duration))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		next, err := client.Renew(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			p.logger.Warn("Lease renewal failed", "error", err)
			p.lost("DHCP lease on " + p.opts.Interface + " expired")
			return
		}
		if !next.equal(lease) {
			p.logger.Info("Lease changed on renewal", "address", next.Address, "routers", next.Routers)
			p.lost("DHCP lease on " + p.opts.Interface + " changed")
			return
		}
		p.logger.Debug("Lease renewed", "lease_time", next.Duration)
		lease = next
		p.mu.Lock()
		p.lease = next
		p.mu.Unlock()
	}
}

// lost withdraws the connection. It is offered again straight away when
// the link is still up, which lets the arbitrator pick it with a new lease.
func (p *Plugin) lost(reason string) {
	p.cb.OnUnavailable(reason)
	if p.link.Running() {
		p.cb.OnAvailable()
	}
}

func (p *Plugin) CancelActivate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
}

// Deactivate stops renewal, releases the lease and removes the address.
func (p *Plugin) Deactivate() error {
	p.mu.Lock()
	client, lease, stop := p.client, p.lease, p.stopRenew
	p.client, p.lease, p.stopRenew = nil, nil, nil
	p.mu.Unlock()

	if stop != nil {
		stop()
		p.renewWG.Wait()
	}
	if client == nil {
		return nil
	}
	return p.release(client, lease)
}

// release gives the lease back. Only failing to remove the address is an
// error; the server may already be out of reach.
func (p *Plugin) release(client Client, lease *Lease) error {
	defer client.Close()
	if err := client.Release(); err != nil {
		p.logger.Warn("Failed to release lease", "error", err)
	}
	err := p.deps.Addresser.AddrDel(p.opts.Interface, lease.Address)
	if err != nil && !errors.Is(err, unix.EADDRNOTAVAIL) {
		return errors.Wrapf(err, errors.KindKernel, "failed to remove %s from %s", lease.Address, p.opts.Interface)
	}
	return nil
}

// Dispose stops the link watcher and drops any lease still held.
func (p *Plugin) Dispose() {
	_ = p.Deactivate()
	p.link.Stop()
}
