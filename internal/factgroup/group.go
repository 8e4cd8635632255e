// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package factgroup binds an active connection's facts and its traffic
// facilities to the resolver, route and host reconcilers.
package factgroup

import (
	"context"
	"sort"

	"grimm.is/uplink/internal/errors"
	"grimm.is/uplink/internal/facility"
	"grimm.is/uplink/internal/facts"
	"grimm.is/uplink/internal/logging"
	"grimm.is/uplink/internal/metrics"
	"grimm.is/uplink/internal/supervisor"
)

// DefaultFactPriority is the priority of facts reported by the plugin.
const DefaultFactPriority = 50

// Resolver is the DNS reconciler.
type Resolver interface {
	Start(ctx context.Context) error
	Stop() error
	Port() int
	NameserverNew(id string, priority int, targets, domains []string) error
	NameserverNewDefault(id string, priority int, targets []string) error
	NameserverUpdate(id string, domains []string) error
	NameserverDelete(id string) error
}

// Routes is the route reconciler.
type Routes interface {
	Start() error
	Stop() error
	GatewayNew(id string, priority int, target facts.GatewayTarget, networks []string) error
	GatewayNewDefault(id string, priority int, target facts.GatewayTarget) error
	GatewayUpdate(id string, networks []string) error
	GatewayDelete(id string) error
}

// Hosts tracks host facts.
type Hosts interface {
	HostNew(id string, priority int, hostname, address string) error
	HostUpdate(id, address string) error
	HostDelete(id string) error
}

// Facility is a running facility process.
type Facility interface {
	Name() string
	Stop() error
	Done() <-chan struct{}
	Exit() supervisor.ExitEvent
}

// StartFunc launches a facility.
type StartFunc func(desc facility.Descriptor, h facility.Handlers) (Facility, error)

// Options wires a Group to its reconcilers.
type Options struct {
	Logger     *logging.Logger
	Metrics    *metrics.Metrics
	Resolver   Resolver
	Routes     Routes
	Hosts      Hosts
	Facilities []facility.Descriptor

	// FactPriority applies to the plugin's facts.
	FactPriority int

	// Post runs f on the control goroutine. Facility callbacks arrive on
	// reader goroutines and are handed over through it.
	Post func(f func())

	// Start launches facilities. Defaults to facility.Start.
	Start StartFunc

	// Supervisor, when set, tracks facility crashes across groups.
	Supervisor *supervisor.Supervisor
}

type running struct {
	desc facility.Descriptor
	proc Facility
}

// Group is the live fact state of one active connection. All methods must
// be called from the control goroutine.
type Group struct {
	opts   Options
	logger *logging.Logger
	router *facility.Router

	resolverStarted bool
	routesStarted   bool
	running         map[string]*running
	retired         []Facility
	closed          bool

	// unwinding suppresses per-fact resolver and route deletes; both
	// reconcilers are stopped as a whole afterwards.
	unwinding bool
}

// New builds a group and seeds it with the plugin's facts. Nothing external
// is touched until Start.
func New(fs *facts.FactSet, opts Options) (*Group, error) {
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("factgroup")
	}
	if opts.Post == nil {
		opts.Post = func(f func()) { f() }
	}
	if opts.Start == nil {
		logger := opts.Logger
		opts.Start = func(desc facility.Descriptor, h facility.Handlers) (Facility, error) {
			p, err := facility.Start(desc, h, logger.WithComponent("facility"))
			if err != nil {
				return nil, err
			}
			return p, nil
		}
	}
	g := &Group{
		opts:    opts,
		logger:  opts.Logger,
		running: make(map[string]*running),
	}
	g.router = facility.NewRouter(g, opts.Logger, opts.Metrics)

	if fs != nil {
		if err := g.seed(fs); err != nil {
			return nil, errors.Wrap(err, errors.KindStartup, "invalid connection facts")
		}
	}
	return g, nil
}

func (g *Group) seed(fs *facts.FactSet) error {
	prio := g.opts.FactPriority
	if len(fs.DefaultNameserver) > 0 {
		if err := g.opts.Resolver.NameserverNewDefault(facts.MainID(0), prio, fs.DefaultNameserver); err != nil {
			return err
		}
	}
	for i, ns := range fs.Nameservers {
		if err := g.opts.Resolver.NameserverNew(facts.MainID(i), prio, ns.Targets, ns.Domains); err != nil {
			return err
		}
	}
	if fs.DefaultGateway != nil {
		if err := g.opts.Routes.GatewayNewDefault(facts.MainID(0), prio, *fs.DefaultGateway); err != nil {
			return err
		}
	}
	for i, gw := range fs.Gateways {
		if err := g.opts.Routes.GatewayNew(facts.MainID(i), prio, gw.Target, gw.Networks); err != nil {
			return err
		}
	}
	return nil
}

// Start brings up the resolver, routes and facilities in that order. On
// failure everything already started is torn down in reverse order.
func (g *Group) Start(ctx context.Context) error {
	if err := g.opts.Resolver.Start(ctx); err != nil {
		return errors.Wrap(err, errors.KindStartup, "resolver failed to start")
	}
	g.resolverStarted = true
	g.logger.Info("Resolver started", "port", g.opts.Resolver.Port())

	if err := g.opts.Routes.Start(); err != nil {
		g.unwind()
		return errors.Wrap(err, errors.KindStartup, "route reconciler failed to start")
	}
	g.routesStarted = true
	g.logger.Info("Route reconciler started")

	for _, desc := range g.opts.Facilities {
		if err := ctx.Err(); err != nil {
			g.unwind()
			return errors.Wrap(err, errors.KindStartup, "fact group start cancelled")
		}
		if err := g.startFacility(desc); err != nil {
			g.unwind()
			return errors.Wrapf(err, errors.KindStartup, "facility %s failed to start", desc.Name)
		}
	}
	return nil
}

func (g *Group) startFacility(desc facility.Descriptor) error {
	r := &running{desc: desc}
	h := facility.Handlers{
		Event: func(ev facility.Event) {
			g.opts.Post(func() { g.onEvent(r, ev) })
		},
		Closed: func(err error) {
			g.opts.Post(func() { g.onClosed(r, err) })
		},
	}
	proc, err := g.opts.Start(desc, h)
	if err != nil {
		return err
	}
	r.proc = proc
	g.running[desc.Name] = r
	return nil
}

func (g *Group) onEvent(r *running, ev facility.Event) {
	if g.closed || g.running[r.desc.Name] != r {
		return
	}
	if err := g.router.Dispatch(r.desc.Name, r.desc.Priority, ev); err != nil {
		g.violation(r, err)
	}
}

func (g *Group) onClosed(r *running, err error) {
	if g.closed || g.running[r.desc.Name] != r {
		return
	}
	g.violation(r, err)
}

// violation ends one facility's session: its facts are withdrawn and the
// process is stopped. Other facilities and the connection are unaffected.
func (g *Group) violation(r *running, err error) {
	name := r.desc.Name
	delete(g.running, name)
	g.opts.Metrics.FacilityViolation(name)
	n := g.router.Withdraw(name)
	g.logger.Error("Facility session terminated", "facility", name, "error", err, "withdrawn", n)

	select {
	case <-r.proc.Done():
		g.recordExit(r.proc)
		return
	default:
	}

	g.retired = append(g.retired, r.proc)
	proc := r.proc
	go func() {
		proc.Stop()
		g.opts.Post(func() { g.recordExit(proc) })
	}()
}

func (g *Group) recordExit(proc Facility) {
	exit := proc.Exit()
	if exit.IsCrash() {
		g.logger.Warn("Facility crashed", "facility", proc.Name(), "exit", exit.String())
	}
	if g.opts.Supervisor != nil && g.opts.Supervisor.RecordExit(exit) {
		g.logger.Error("Facility is crash-looping", "facility", proc.Name(),
			"crashes", g.opts.Supervisor.Crashes(proc.Name()))
	}
}

// Close tears the group down in reverse start order. It is idempotent.
func (g *Group) Close() {
	if g.closed {
		return
	}
	g.closed = true
	g.unwind()
}

func (g *Group) unwind() {
	g.unwinding = true
	defer func() { g.unwinding = false }()

	names := make([]string, 0, len(g.running))
	for name := range g.running {
		names = append(names, name)
	}
	// Reverse of configured start order.
	order := make(map[string]int, len(g.opts.Facilities))
	for i, d := range g.opts.Facilities {
		order[d.Name] = i
	}
	sort.Slice(names, func(i, j int) bool { return order[names[i]] > order[names[j]] })

	for _, name := range names {
		r := g.running[name]
		if err := r.proc.Stop(); err != nil {
			g.logger.Warn("Failed to stop facility", "facility", name, "error", err)
		}
		g.router.Withdraw(name)
		delete(g.running, name)
	}
	for _, proc := range g.retired {
		<-proc.Done()
	}
	g.retired = nil

	if g.routesStarted {
		if err := g.opts.Routes.Stop(); err != nil {
			g.logger.Error("Failed to remove routes", "error", err)
		}
		g.routesStarted = false
	}
	if g.resolverStarted {
		if err := g.opts.Resolver.Stop(); err != nil {
			g.logger.Warn("Failed to stop resolver", "error", err)
		}
		g.resolverStarted = false
	}
}

// ResolverPort returns the local resolver port, or 0 before Start.
func (g *Group) ResolverPort() int {
	return g.opts.Resolver.Port()
}

// Facilities returns the names of facilities with a live session.
func (g *Group) Facilities() []string {
	out := make([]string, 0, len(g.running))
	for name := range g.running {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Sink implementation used by the router.

func (g *Group) HostNew(id string, priority int, hostname, address string) error {
	if g.opts.Hosts == nil {
		return nil
	}
	return g.opts.Hosts.HostNew(id, priority, hostname, address)
}

func (g *Group) HostUpdate(id, address string) error {
	if g.opts.Hosts == nil {
		return nil
	}
	return g.opts.Hosts.HostUpdate(id, address)
}

func (g *Group) HostDelete(id string) error {
	if g.opts.Hosts == nil {
		return nil
	}
	return g.opts.Hosts.HostDelete(id)
}

func (g *Group) NameserverNew(id string, priority int, targets, domains []string) error {
	return g.opts.Resolver.NameserverNew(id, priority, targets, domains)
}

func (g *Group) NameserverNewDefault(id string, priority int, targets []string) error {
	return g.opts.Resolver.NameserverNewDefault(id, priority, targets)
}

func (g *Group) NameserverUpdate(id string, domains []string) error {
	return g.opts.Resolver.NameserverUpdate(id, domains)
}

func (g *Group) NameserverDelete(id string) error {
	if g.unwinding {
		return nil
	}
	return g.opts.Resolver.NameserverDelete(id)
}

func (g *Group) GatewayNew(id string, priority int, target facts.GatewayTarget, networks []string) error {
	return g.opts.Routes.GatewayNew(id, priority, target, networks)
}

func (g *Group) GatewayNewDefault(id string, priority int, target facts.GatewayTarget) error {
	return g.opts.Routes.GatewayNewDefault(id, priority, target)
}

func (g *Group) GatewayUpdate(id string, networks []string) error {
	return g.opts.Routes.GatewayUpdate(id, networks)
}

func (g *Group) GatewayDelete(id string) error {
	if g.unwinding {
		return nil
	}
	return g.opts.Routes.GatewayDelete(id)
}
