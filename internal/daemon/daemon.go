// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package daemon runs the control loop that owns the arbitrator and every
// fact group. All arbitration and reconciliation happens on one goroutine;
// plugin callbacks, activation results and facility events are posted to it.
package daemon

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/google/nftables"
	"github.com/prometheus/client_golang/prometheus"

	"grimm.is/uplink/internal/config"
	"grimm.is/uplink/internal/connection"
	"grimm.is/uplink/internal/errors"
	"grimm.is/uplink/internal/factgroup"
	"grimm.is/uplink/internal/facts"
	"grimm.is/uplink/internal/firewall"
	"grimm.is/uplink/internal/logging"
	"grimm.is/uplink/internal/metrics"
	"grimm.is/uplink/internal/network"
	"grimm.is/uplink/internal/resolvconf"
	"grimm.is/uplink/internal/services/dns"
	"grimm.is/uplink/internal/services/hostmanager"
	"grimm.is/uplink/internal/supervisor"
)

const eventQueueSize = 256

// Options wires a Daemon. Only Config is required; the rest default to the
// real system facilities.
type Options struct {
	Config     *config.Config
	ConfigPath string
	Logger     *logging.Logger
	Registry   *prometheus.Registry

	Netlinker     network.Netlinker
	Firewall      network.Firewall
	Runner        dns.Runner
	Placeholder   connection.Placeholder
	StartFacility factgroup.StartFunc

	// NewGroup replaces the fact group factory.
	NewGroup connection.GroupFactory
}

// Status is a point-in-time view of the arbitrator.
type Status struct {
	Current     string            `json:"current,omitempty"`
	State       string            `json:"state"`
	Enabled     bool              `json:"enabled"`
	Connections []connection.Info `json:"connections"`
	Hosts       map[string]string `json:"hosts,omitempty"`
}

// Daemon is the uplink control loop.
type Daemon struct {
	opts       Options
	cfg        *config.Config
	logger     *logging.Logger
	metrics    *metrics.Metrics
	registry   *prometheus.Registry
	arb        *connection.Arbitrator
	hosts      *hostmanager.Manager
	supervisor *supervisor.Supervisor

	events chan func()
	quit   chan struct{}
	done   chan struct{}
}

// New builds the daemon and registers every configured connection. Plugins
// may begin reporting availability immediately; reports queue until Run.
func New(opts Options) (*Daemon, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New(errors.KindValidation, "daemon requires a configuration")
	}
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("daemon")
	}
	logger := opts.Logger

	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	m := metrics.New()
	if err := m.Register(opts.Registry); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to register metrics")
	}

	if opts.Netlinker == nil {
		opts.Netlinker = network.DefaultNetlinker
	}
	if opts.Firewall == nil {
		conn, err := nftables.New()
		if err != nil {
			return nil, errors.Wrap(err, errors.KindKernel, "failed to open nftables connection")
		}
		opts.Firewall = firewall.NewGatewayRulesWithConn(conn, cfg.Firewall.Table, logger.WithComponent("firewall"))
		if err := opts.Registry.Register(metrics.NewGatewayCollector(conn, cfg.Firewall.Table)); err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "failed to register firewall metrics")
		}
	}
	if opts.Runner == nil {
		opts.Runner = &dns.DnsmasqRunner{
			Path:   cfg.Resolver.Binary,
			Logger: logger.WithComponent("dnsmasq"),
		}
	}
	if opts.Placeholder == nil {
		p, err := resolvconf.New(cfg.ResolvConf, cfg.PlaceholderNameserver)
		if err != nil {
			return nil, err
		}
		opts.Placeholder = p
	}

	d := &Daemon{
		opts:       opts,
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
		registry:   opts.Registry,
		hosts:      hostmanager.New(logger.WithComponent("hosts")),
		supervisor: supervisor.New(supervisor.DefaultConfig()),
		events:     make(chan func(), eventQueueSize),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	newGroup := opts.NewGroup
	if newGroup == nil {
		newGroup = d.newGroup
	}
	d.arb = connection.NewArbitrator(connection.Options{
		Logger:      logger.WithComponent("arbitrator"),
		Metrics:     m,
		Post:        d.post,
		Placeholder: opts.Placeholder,
		NewGroup:    newGroup,
		Policy:      cfg.Policy(),
	})

	for _, desc := range cfg.ConnectionDescriptors() {
		if _, err := d.arb.Add(desc); err != nil {
			d.arb.Shutdown()
			return nil, err
		}
		logger.Debug("Connection registered", "connection", desc.ID, "plugin", desc.Plugin)
	}
	return d, nil
}

// post queues f for the control goroutine. Once shutdown has begun queued
// work is dropped so plugin and facility goroutines never block.
func (d *Daemon) post(f func()) {
	select {
	case d.events <- f:
	case <-d.quit:
	}
}

// Run drives the control loop until ctx is cancelled, then deactivates the
// current connection and disposes every plugin.
func (d *Daemon) Run(ctx context.Context) error {
	defer close(d.done)

	srv, err := d.serveMetrics()
	if err != nil {
		close(d.quit)
		d.arb.Shutdown()
		return err
	}

	d.logger.Info("Daemon started", "connections", len(d.arb.ConnectionIDs()), "enabled", d.arb.Policy().Enabled)
	d.arb.OnConfigChanged(d.arb.Policy())

	for {
		select {
		case f := <-d.events:
			f()
		case <-ctx.Done():
			d.logger.Info("Shutting down")
			close(d.quit)
			d.arb.Shutdown()
			if srv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = srv.Shutdown(shutdownCtx)
				cancel()
			}
			return nil
		}
	}
}

func (d *Daemon) serveMetrics() (*http.Server, error) {
	addr := d.cfg.Metrics.Listen
	if addr == "" {
		return nil, nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(d.registry))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindStartup, "failed to listen on %s", addr)
	}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			d.logger.Error("Metrics listener failed", "addr", addr, "error", err)
		}
	}()
	d.logger.Info("Serving metrics", "addr", addr)
	return srv, nil
}

// Do runs f on the control goroutine and waits for it to return.
func (d *Daemon) Do(ctx context.Context, f func()) error {
	finished := make(chan struct{})
	select {
	case d.events <- func() { f(); close(finished) }:
	case <-d.quit:
		return errors.New(errors.KindUnavailable, "daemon is shutting down")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-d.quit:
		return errors.New(errors.KindUnavailable, "daemon is shutting down")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Activate manually activates a connection.
func (d *Daemon) Activate(ctx context.Context, id string) error {
	var err error
	if doErr := d.Do(ctx, func() { err = d.arb.Activate(id) }); doErr != nil {
		return doErr
	}
	return err
}

// Deactivate deactivates the current connection.
func (d *Daemon) Deactivate(ctx context.Context) error {
	return d.Do(ctx, d.arb.Deactivate)
}

// Status snapshots the arbitrator.
func (d *Daemon) Status(ctx context.Context) (Status, error) {
	var st Status
	err := d.Do(ctx, func() {
		st.Current = d.arb.CurrentID()
		st.State = d.arb.State().String()
		st.Enabled = d.arb.Policy().Enabled
		for _, id := range d.arb.ConnectionIDs() {
			info, err := d.arb.ConnectionInfo(id)
			if err == nil {
				st.Connections = append(st.Connections, info)
			}
		}
		if hosts := d.hosts.Hosts(); len(hosts) > 0 {
			st.Hosts = make(map[string]string, len(hosts))
			for name, addr := range hosts {
				st.Hosts[name] = addr.String()
			}
		}
	})
	return st, err
}

// Reload re-reads the configuration file and applies its policy.
func (d *Daemon) Reload() {
	d.post(d.reload)
}

func (d *Daemon) reload() {
	if d.opts.ConfigPath == "" {
		d.logger.Warn("Reload requested but no configuration file is set")
		return
	}
	cfg, err := config.LoadFile(d.opts.ConfigPath)
	if err != nil {
		d.logger.Error("Reload failed, keeping current configuration", "path", d.opts.ConfigPath, "error", err)
		return
	}
	if !sameConnections(d.cfg, cfg) {
		d.logger.Warn("Connection definitions changed; restart to apply them")
	}
	d.cfg = cfg
	d.arb.OnConfigChanged(cfg.Policy())
	d.logger.Info("Configuration reloaded", "enabled", cfg.Policy().Enabled,
		"disabled_network_types", cfg.DisabledNetworkTypes)
}

func sameConnections(a, b *config.Config) bool {
	if len(a.Connections) != len(b.Connections) {
		return false
	}
	for i := range a.Connections {
		ca, cb := a.Connections[i], b.Connections[i]
		if ca.ID != cb.ID || ca.Plugin != cb.Plugin || *ca.Priority != *cb.Priority ||
			ca.NetworkType != cb.NetworkType || *ca.AutoActivate != *cb.AutoActivate {
			return false
		}
	}
	return true
}

// newGroup builds a fact group with its own resolver and route reconciler.
func (d *Daemon) newGroup(c *connection.Connection, fs *facts.FactSet) (connection.Group, error) {
	cfg := d.cfg
	logger := d.logger.WithFields(map[string]any{"connection": c.ID()})

	resolver := dns.NewResolver(dns.Options{
		Logger:         logger.WithComponent("resolver"),
		Metrics:        d.metrics,
		StateDir:       cfg.StateDir,
		Runner:         d.opts.Runner,
		RestartTimeout: cfg.ProbeTimeout(),
	})
	routes := network.NewGateways(d.opts.Netlinker, d.opts.Firewall, logger.WithComponent("routes"), d.metrics)

	g, err := factgroup.New(fs, factgroup.Options{
		Logger:       logger.WithComponent("factgroup"),
		Metrics:      d.metrics,
		Resolver:     resolver,
		Routes:       routes,
		Hosts:        d.hosts,
		Facilities:   c.Facilities(),
		FactPriority: *cfg.FactPriority,
		Post:         d.post,
		Start:        d.opts.StartFacility,
		Supervisor:   d.supervisor,
	})
	if err != nil {
		return nil, err
	}
	return boundedGroup{Group: g, timeout: cfg.ProbeTimeout()}, nil
}

// boundedGroup limits how long group start may wait for the resolver.
type boundedGroup struct {
	*factgroup.Group
	timeout time.Duration
}

func (g boundedGroup) Start(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return g.Group.Start(ctx)
}
