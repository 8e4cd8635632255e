// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package static is a connection plugin whose facts come straight from
// configuration. Availability follows the running state of one interface,
// or is permanent when no interface is named. An optional probe block must
// get a ping reply before activation succeeds.
//
//	connection "office" {
//	  plugin       = "static"
//	  network_type = "wired"
//	  priority     = 1
//
//	  interface          = "eth0"
//	  default_nameserver = ["192.168.1.1"]
//	  default_gateway {
//	    next_hop  = "192.168.1.1"
//	    interface = "eth0"
//	  }
//	  nameserver {
//	    targets = ["10.0.0.53"]
//	    domains = ["corp.example"]
//	  }
//	}
package static

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"

	"grimm.is/uplink/internal/connection"
	"grimm.is/uplink/internal/errors"
	"grimm.is/uplink/internal/facts"
	"grimm.is/uplink/internal/logging"
	"grimm.is/uplink/internal/network"
	"grimm.is/uplink/internal/plugin/linkstate"
	"grimm.is/uplink/internal/plugin/probe"
)

// Name is the registry name of this plugin.
const Name = "static"

func init() {
	connection.Register(Name, New)
}

// Options is the plugin section of a connection block.
type Options struct {
	// Interface whose running state drives availability.
	Interface         string            `hcl:"interface,optional"`
	ManagedInterfaces []string          `hcl:"managed_interfaces,optional"`
	DefaultNameserver []string          `hcl:"default_nameserver,optional"`
	DefaultGateway    *GatewayBlock     `hcl:"default_gateway,block"`
	Nameservers       []NameserverBlock `hcl:"nameserver,block"`
	Gateways          []GatewayBlock    `hcl:"gateway,block"`

	// SettleTime delays activation, e.g. to let a link negotiate.
	SettleTime string `hcl:"settle_time,optional"`

	// Probe, when set, must get a reply before activation succeeds.
	Probe *probe.Config `hcl:"probe,block"`
}

type GatewayBlock struct {
	NextHop   string   `hcl:"next_hop,optional"`
	Interface string   `hcl:"interface,optional"`
	Networks  []string `hcl:"networks,optional"`
}

type NameserverBlock struct {
	Targets []string `hcl:"targets"`
	Domains []string `hcl:"domains"`
}

// Plugin implements connection.Plugin.
type Plugin struct {
	id     string
	typ    connection.NetworkType
	opts   Options
	facts  *facts.FactSet
	settle time.Duration

	prober *probe.Prober
	logger *logging.Logger
	link   *linkstate.Watcher

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New is the registered factory.
func New(cfg connection.PluginConfig, cb connection.Callbacks) (connection.Plugin, error) {
	return NewWithNetlinker(cfg, cb, network.DefaultNetlinker)
}

// NewWithNetlinker builds the plugin on an explicit netlink handle.
func NewWithNetlinker(cfg connection.PluginConfig, cb connection.Callbacks, nl network.Netlinker) (*Plugin, error) {
	return newPlugin(cfg, cb, nl, nil)
}

func newPlugin(cfg connection.PluginConfig, cb connection.Callbacks, nl network.Netlinker, pinger probe.Pinger) (*Plugin, error) {
	var opts Options
	if cfg.Options != nil {
		if diags := gohcl.DecodeBody(cfg.Options, nil, &opts); diags.HasErrors() {
			return nil, errors.Wrap(diags, errors.KindValidation, "invalid static plugin options")
		}
	}
	fs, err := opts.FactSet()
	if err != nil {
		return nil, err
	}

	prober, err := probe.New(opts.Probe, pinger)
	if err != nil {
		return nil, err
	}

	p := &Plugin{
		id:     cfg.ConnectionID,
		typ:    cfg.NetworkType,
		opts:   opts,
		facts:  fs,
		prober: prober,
		logger: logging.WithComponent("plugin.static").WithFields(map[string]any{"connection": cfg.ConnectionID}),
	}
	if p.typ == "" {
		p.typ = connection.Wired
	}
	if opts.SettleTime != "" {
		d, err := time.ParseDuration(opts.SettleTime)
		if err != nil || d < 0 {
			return nil, errors.Errorf(errors.KindValidation, "invalid settle_time %q", opts.SettleTime)
		}
		p.settle = d
	}

	p.link, err = linkstate.Watch(nl, opts.Interface, cb, p.logger)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// FactSet converts the options into the fact set reported on activation.
func (o Options) FactSet() (*facts.FactSet, error) {
	fs := &facts.FactSet{
		ManagedInterfaces: o.ManagedInterfaces,
		DefaultNameserver: o.DefaultNameserver,
	}
	if o.ManagedInterfaces == nil && o.Interface != "" {
		fs.ManagedInterfaces = []string{o.Interface}
	}
	if o.DefaultGateway != nil {
		t, err := o.DefaultGateway.target()
		if err != nil {
			return nil, err
		}
		fs.DefaultGateway = &t
	}
	for _, ns := range o.Nameservers {
		fs.Nameservers = append(fs.Nameservers, facts.Nameserver{Targets: ns.Targets, Domains: ns.Domains})
	}
	for _, gw := range o.Gateways {
		t, err := gw.target()
		if err != nil {
			return nil, err
		}
		for _, n := range gw.Networks {
			if _, err := facts.ParsePrefix(n); err != nil {
				return nil, errors.Wrapf(err, errors.KindValidation, "invalid gateway network %q", n)
			}
		}
		fs.Gateways = append(fs.Gateways, facts.Gateway{Target: t, Networks: gw.Networks})
	}
	return fs, nil
}

func (g GatewayBlock) target() (facts.GatewayTarget, error) {
	t := facts.GatewayTarget{Interface: g.Interface}
	if g.NextHop != "" {
		addr, err := netip.ParseAddr(g.NextHop)
		if err != nil {
			return t, errors.Wrapf(err, errors.KindValidation, "invalid next_hop %q", g.NextHop)
		}
		t.NextHop = addr
	}
	if !t.Valid() {
		return t, errors.New(errors.KindValidation, "gateway needs next_hop or interface")
	}
	return t, nil
}

func (p *Plugin) NetworkType() connection.NetworkType { return p.typ }

// Activate returns a copy of the configured facts after the settle time.
func (p *Plugin) Activate(ctx context.Context) (*facts.FactSet, error) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
	defer cancel()

	if p.settle > 0 {
		t := time.NewTimer(p.settle)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := p.prober.Check(ctx); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fs := *p.facts
	return &fs, nil
}

func (p *Plugin) CancelActivate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
}

// Deactivate has nothing to undo: the fact group owns every side effect.
func (p *Plugin) Deactivate() error { return nil }

// Dispose stops the link watcher.
func (p *Plugin) Dispose() {
	p.link.Stop()
}
