// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dns

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/pmezard/go-difflib/difflib"

	"grimm.is/uplink/internal/errors"
	"grimm.is/uplink/internal/logging"
	"grimm.is/uplink/internal/merge"
	"grimm.is/uplink/internal/metrics"
)

const (
	configFileName = "l2-dnsmasq.conf"
	pidFileName    = "l2-dnsmasq.pid"
)

// RunSpec describes one resolver process instance.
type RunSpec struct {
	Port       int
	ConfigPath string
	PIDFile    string
}

// Runner launches the caching resolver.
type Runner interface {
	Start(ctx context.Context, spec RunSpec) (Process, error)
}

// Process is a running resolver.
type Process interface {
	Stop() error
}

// Options configures a Resolver.
type Options struct {
	Logger   *logging.Logger
	Metrics  *metrics.Metrics
	StateDir string
	Runner   Runner

	// FreePort picks the listening port. Defaults to FreeLocalPort.
	FreePort func() (int, error)

	// RestartTimeout bounds restarts triggered by fact mutations.
	RestartTimeout time.Duration
}

type nameserver struct {
	priority int
	targets  []string
	domains  []string
}

// Resolver merges nameserver facts and drives the caching resolver.
//
// A single default slot holds catch-all upstreams: the default with the
// lowest priority (then lowest id) is selected. Domain-scoped nameservers go
// into a merge table keyed by domain. Any mutation re-renders the
// configuration and restarts the resolver when it is running.
type Resolver struct {
	logger   *logging.Logger
	metrics  *metrics.Metrics
	stateDir string
	runner   Runner
	freePort func() (int, error)
	timeout  time.Duration

	named    map[string]nameserver
	defaults map[string]nameserver
	table    *merge.Table[[]string]

	port       int
	proc       Process
	lastConfig string
}

// NewResolver creates a stopped resolver.
func NewResolver(opts Options) *Resolver {
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("dns")
	}
	if opts.FreePort == nil {
		opts.FreePort = FreeLocalPort
	}
	if opts.RestartTimeout == 0 {
		opts.RestartTimeout = 5 * time.Second
	}
	return &Resolver{
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		stateDir: opts.StateDir,
		runner:   opts.Runner,
		freePort: opts.FreePort,
		timeout:  opts.RestartTimeout,
		named:    make(map[string]nameserver),
		defaults: make(map[string]nameserver),
		table:    merge.New[[]string](),
	}
}

// Port returns the resolver port, or 0 when stopped.
func (r *Resolver) Port() int {
	return r.port
}

// Running reports whether Start has succeeded and Stop has not been called.
func (r *Resolver) Running() bool {
	return r.port != 0
}

// Start picks a port and launches the resolver. Calling Start on a running
// resolver is a no-op.
func (r *Resolver) Start(ctx context.Context) error {
	if r.Running() {
		return nil
	}
	port, err := r.freePort()
	if err != nil {
		return errors.Wrap(err, errors.KindStartup, "failed to pick resolver port")
	}
	r.port = port
	if err := r.run(ctx); err != nil {
		r.port = 0
		return errors.Wrap(err, errors.KindStartup, "failed to start resolver")
	}
	r.logger.Info("Resolver started", "port", port)
	return nil
}

// Stop terminates the resolver and removes its files.
func (r *Resolver) Stop() error {
	if !r.Running() {
		return nil
	}
	err := r.halt()
	r.port = 0
	r.lastConfig = ""
	r.logger.Info("Resolver stopped")
	return err
}

// NameserverNew records a domain-scoped nameserver.
func (r *Resolver) NameserverNew(id string, priority int, targets, domains []string) error {
	if _, ok := r.named[id]; ok {
		return errors.Errorf(errors.KindConflict, "nameserver %q duplicates", id)
	}
	if err := validateTargets(targets); err != nil {
		return err
	}
	domains, err := normalizeDomains(domains)
	if err != nil {
		return err
	}
	for _, d := range domains {
		if err := r.table.Set(id, priority, d, targets); err != nil {
			r.table.RemoveBySource(id)
			return err
		}
	}
	r.named[id] = nameserver{priority: priority, targets: targets, domains: domains}
	r.reconfigure()
	return nil
}

// NameserverNewDefault records a catch-all nameserver candidate.
func (r *Resolver) NameserverNewDefault(id string, priority int, targets []string) error {
	if _, ok := r.defaults[id]; ok {
		return errors.Errorf(errors.KindConflict, "default nameserver %q duplicates", id)
	}
	if priority < merge.MinPriority || priority > merge.MaxPriority {
		return errors.Errorf(errors.KindValidation, "priority %d out of range", priority)
	}
	if err := validateTargets(targets); err != nil {
		return err
	}
	r.defaults[id] = nameserver{priority: priority, targets: targets}
	r.reconfigure()
	return nil
}

// NameserverUpdate replaces the domain list of a named nameserver.
func (r *Resolver) NameserverUpdate(id string, domains []string) error {
	ns, ok := r.named[id]
	if !ok {
		return errors.Errorf(errors.KindNotFound, "nameserver %q not found", id)
	}
	domains, err := normalizeDomains(domains)
	if err != nil {
		return err
	}
	r.table.RemoveBySource(id)
	for _, d := range domains {
		if err := r.table.Set(id, ns.priority, d, ns.targets); err != nil {
			return err
		}
	}
	ns.domains = domains
	r.named[id] = ns
	r.reconfigure()
	return nil
}

// NameserverDelete removes a named or default nameserver.
func (r *Resolver) NameserverDelete(id string) error {
	if _, ok := r.defaults[id]; ok {
		delete(r.defaults, id)
	} else if _, ok := r.named[id]; ok {
		r.table.RemoveBySource(id)
		delete(r.named, id)
	} else {
		return errors.Errorf(errors.KindNotFound, "nameserver %q not found", id)
	}
	r.reconfigure()
	return nil
}

// selectDefault returns the default with the lowest priority, ties broken
// by id.
func (r *Resolver) selectDefault() (nameserver, bool) {
	ids := make([]string, 0, len(r.defaults))
	for id := range r.defaults {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var best nameserver
	found := false
	for _, id := range ids {
		ns := r.defaults[id]
		if !found || ns.priority < best.priority {
			best, found = ns, true
		}
	}
	return best, found
}

// Render returns the resolver configuration for the current state.
func (r *Resolver) Render() string {
	def, hasDefault := r.selectDefault()
	minPriority := merge.MinPriority
	var upstreams []string
	if hasDefault {
		minPriority = def.priority + 1
		upstreams = def.targets
	}
	return renderConfig(upstreams, r.table.Snapshot(minPriority))
}

func (r *Resolver) reconfigure() {
	if !r.Running() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.halt(); err != nil {
		r.logger.Warn("Failed to stop resolver cleanly", "error", err)
	}
	if err := r.run(ctx); err != nil {
		r.metrics.ResolverRestart("failure")
		r.logger.Error("Resolver restart failed", "error", err)
		return
	}
	r.metrics.ResolverRestart("success")
}

func (r *Resolver) run(ctx context.Context) error {
	conf := r.Render()
	if r.lastConfig != "" && r.lastConfig != conf {
		diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        difflib.SplitLines(r.lastConfig),
			B:        difflib.SplitLines(conf),
			FromFile: "previous",
			ToFile:   "current",
			Context:  1,
		})
		r.logger.Debug("Resolver configuration changed", "diff", diff)
	}

	if err := os.MkdirAll(r.stateDir, 0755); err != nil {
		return err
	}
	spec := RunSpec{
		Port:       r.port,
		ConfigPath: filepath.Join(r.stateDir, configFileName),
		PIDFile:    filepath.Join(r.stateDir, pidFileName),
	}
	if err := os.WriteFile(spec.ConfigPath, []byte(conf), 0644); err != nil {
		return err
	}

	proc, err := r.runner.Start(ctx, spec)
	if err != nil {
		os.Remove(spec.ConfigPath)
		return err
	}
	r.proc = proc
	r.lastConfig = conf
	return nil
}

func (r *Resolver) halt() error {
	var err error
	if r.proc != nil {
		err = r.proc.Stop()
		r.proc = nil
	}
	os.Remove(filepath.Join(r.stateDir, pidFileName))
	os.Remove(filepath.Join(r.stateDir, configFileName))
	return err
}

func validateTargets(targets []string) error {
	if len(targets) == 0 {
		return errors.New(errors.KindValidation, "nameserver without targets")
	}
	for _, t := range targets {
		if strings.TrimSpace(t) == "" || strings.ContainsAny(t, " \t\n/") {
			return errors.Errorf(errors.KindValidation, "invalid nameserver target %q", t)
		}
	}
	return nil
}

func normalizeDomains(domains []string) ([]string, error) {
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		if _, ok := dns.IsDomainName(d); !ok || d == "" || d == "." || strings.ContainsAny(d, " \t\n/#") {
			return nil, errors.Errorf(errors.KindValidation, "invalid domain %q", d)
		}
		out = append(out, strings.TrimSuffix(strings.ToLower(dns.Fqdn(d)), "."))
	}
	return out, nil
}
