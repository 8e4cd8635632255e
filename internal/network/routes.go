// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package network

import (
	"net"
	"net/netip"
	"sort"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"grimm.is/uplink/internal/errors"
	"grimm.is/uplink/internal/facts"
	"grimm.is/uplink/internal/logging"
	"grimm.is/uplink/internal/merge"
	"grimm.is/uplink/internal/metrics"
)

// DefaultPrefix is the IPv4 catch-all destination.
var DefaultPrefix = netip.MustParsePrefix("0.0.0.0/0")

// Firewall installs per-interface gateway rules.
type Firewall interface {
	AddGateway(ifname string) error
	RemoveGateway(ifname string) error
}

type gateway struct {
	priority int
	target   facts.GatewayTarget
	networks []netip.Prefix
}

// route is an entry resolved against the live interface table.
type route struct {
	prefix    netip.Prefix
	target    facts.GatewayTarget
	linkIndex int
}

func (r route) equal(o route) bool {
	return r.prefix == o.prefix && r.target == o.target && r.linkIndex == o.linkIndex
}

func (r route) netlink() *netlink.Route {
	nr := &netlink.Route{
		Dst: &net.IPNet{
			IP:   net.IP(r.prefix.Addr().AsSlice()),
			Mask: net.CIDRMask(r.prefix.Bits(), r.prefix.Addr().BitLen()),
		},
		LinkIndex: r.linkIndex,
		Family:    netlink.FAMILY_V4,
	}
	if r.target.NextHop.IsValid() {
		nr.Gw = net.IP(r.target.NextHop.AsSlice())
	}
	if r.prefix.Addr().Is6() {
		nr.Family = netlink.FAMILY_V6
	}
	return nr
}

// Gateways merges gateway facts into the kernel main route table and keeps
// per-interface firewall rules in step with the set of gateway interfaces.
type Gateways struct {
	nl      Netlinker
	fw      Firewall
	logger  *logging.Logger
	metrics *metrics.Metrics

	named    map[string]gateway
	defaults map[string]gateway
	table    *merge.Table[facts.GatewayTarget]

	started   bool
	applied   map[netip.Prefix]route
	installed map[string]bool
}

// NewGateways creates a stopped reconciler. fw may be nil.
func NewGateways(nl Netlinker, fw Firewall, logger *logging.Logger, m *metrics.Metrics) *Gateways {
	if nl == nil {
		nl = DefaultNetlinker
	}
	if logger == nil {
		logger = logging.WithComponent("routes")
	}
	return &Gateways{
		nl:        nl,
		fw:        fw,
		logger:    logger,
		metrics:   m,
		named:     make(map[string]gateway),
		defaults:  make(map[string]gateway),
		table:     merge.New[facts.GatewayTarget](),
		applied:   make(map[netip.Prefix]route),
		installed: make(map[string]bool),
	}
}

// Start installs the current routes and firewall rules.
func (g *Gateways) Start() error {
	if g.started {
		return nil
	}
	g.started = true
	g.syncFirewall()
	if err := g.Refresh(); err != nil {
		return errors.Wrap(err, errors.KindStartup, "failed to install routes")
	}
	return nil
}

// Stop removes every route and firewall rule the reconciler installed.
func (g *Gateways) Stop() error {
	if !g.started {
		return nil
	}
	g.started = false
	err := g.Refresh()
	g.syncFirewall()
	return err
}

// GatewayNew records a gateway for a list of destination networks.
func (g *Gateways) GatewayNew(id string, priority int, target facts.GatewayTarget, networks []string) error {
	if _, ok := g.named[id]; ok {
		return errors.Errorf(errors.KindConflict, "gateway %q duplicates", id)
	}
	if !target.Valid() {
		return errors.Errorf(errors.KindValidation, "gateway %q has no next hop or interface", id)
	}
	prefixes, err := parseNetworks(networks)
	if err != nil {
		return err
	}
	for _, p := range prefixes {
		if err := g.table.Set(id, priority, p.String(), target); err != nil {
			g.table.RemoveBySource(id)
			return err
		}
	}
	g.named[id] = gateway{priority: priority, target: target, networks: prefixes}
	g.apply()
	return nil
}

// GatewayNewDefault records a default gateway candidate.
func (g *Gateways) GatewayNewDefault(id string, priority int, target facts.GatewayTarget) error {
	if _, ok := g.defaults[id]; ok {
		return errors.Errorf(errors.KindConflict, "default gateway %q duplicates", id)
	}
	if !target.Valid() {
		return errors.Errorf(errors.KindValidation, "default gateway %q has no next hop or interface", id)
	}
	if priority < merge.MinPriority || priority > merge.MaxPriority {
		return errors.Errorf(errors.KindValidation, "priority %d out of range", priority)
	}
	g.defaults[id] = gateway{priority: priority, target: target}
	g.apply()
	return nil
}

// GatewayUpdate replaces the network list of a named gateway.
func (g *Gateways) GatewayUpdate(id string, networks []string) error {
	gw, ok := g.named[id]
	if !ok {
		return errors.Errorf(errors.KindNotFound, "gateway %q not found", id)
	}
	prefixes, err := parseNetworks(networks)
	if err != nil {
		return err
	}
	g.table.RemoveBySource(id)
	for _, p := range prefixes {
		if err := g.table.Set(id, gw.priority, p.String(), gw.target); err != nil {
			return err
		}
	}
	gw.networks = prefixes
	g.named[id] = gw
	g.apply()
	return nil
}

// GatewayDelete removes a named or default gateway.
func (g *Gateways) GatewayDelete(id string) error {
	if _, ok := g.defaults[id]; ok {
		delete(g.defaults, id)
	} else if _, ok := g.named[id]; ok {
		g.table.RemoveBySource(id)
		delete(g.named, id)
	} else {
		return errors.Errorf(errors.KindNotFound, "gateway %q not found", id)
	}
	g.apply()
	return nil
}

// Applied returns the committed route set.
func (g *Gateways) Applied() map[netip.Prefix]facts.GatewayTarget {
	out := make(map[netip.Prefix]facts.GatewayTarget, len(g.applied))
	for p, r := range g.applied {
		out[p] = r.target
	}
	return out
}

// Interfaces returns the interfaces that currently carry firewall rules.
func (g *Gateways) Interfaces() []string {
	out := make([]string, 0, len(g.installed))
	for name := range g.installed {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// apply runs a reconciliation pass after a fact mutation. Kernel failures
// are not the contributor's fault so they are logged rather than returned.
func (g *Gateways) apply() {
	g.syncFirewall()
	if err := g.Refresh(); err != nil {
		g.logger.Error("Route reconciliation failed", "error", err)
	}
}

func (g *Gateways) selectDefault() (gateway, bool) {
	ids := make([]string, 0, len(g.defaults))
	for id := range g.defaults {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var best gateway
	found := false
	for _, id := range ids {
		gw := g.defaults[id]
		if !found || gw.priority < best.priority {
			best, found = gw, true
		}
	}
	return best, found
}

func (g *Gateways) desired() map[netip.Prefix]facts.GatewayTarget {
	if !g.started {
		return make(map[netip.Prefix]facts.GatewayTarget)
	}
	return g.Plan()
}

// Plan returns the route set the current facts call for, whether or not the
// reconciler is started.
func (g *Gateways) Plan() map[netip.Prefix]facts.GatewayTarget {
	out := make(map[netip.Prefix]facts.GatewayTarget)
	if def, ok := g.selectDefault(); ok {
		out[DefaultPrefix] = def.target
	}
	for key, target := range g.table.Snapshot(merge.MinPriority) {
		out[netip.MustParsePrefix(key)] = target
	}
	return out
}

// Refresh diffs the desired route set against the applied one and applies
// the difference. On a hard kernel error the applied set is left unchanged.
func (g *Gateways) Refresh() error {
	want := make(map[netip.Prefix]route)
	for p, target := range g.desired() {
		r := route{prefix: p, target: target}
		if target.Interface != "" {
			link, err := g.nl.LinkByName(target.Interface)
			if err != nil {
				g.logger.Debug("Gateway interface not present, deferring route",
					"prefix", p, "interface", target.Interface)
				continue
			}
			r.linkIndex = link.Attrs().Index
		}
		want[p] = r
	}

	next := make(map[netip.Prefix]route, len(g.applied))
	for p, r := range g.applied {
		next[p] = r
	}

	for _, p := range sortedPrefixes(g.applied) {
		old := g.applied[p]
		if r, ok := want[p]; ok && r.equal(old) {
			continue
		}
		if err := g.nl.RouteDel(old.netlink()); err != nil && !errors.Is(err, unix.ESRCH) {
			g.metrics.RouteError("hard")
			return errors.Wrapf(err, errors.KindKernel, "failed to delete route %s", p)
		}
		delete(next, p)
	}

	for _, p := range sortedPrefixes(want) {
		r := want[p]
		if old, ok := g.applied[p]; ok && r.equal(old) {
			continue
		}
		if p == DefaultPrefix {
			g.clearKernelDefault()
		}
		if err := g.nl.RouteAdd(r.netlink()); err != nil {
			if IsSoftKernelError(err) {
				g.metrics.RouteError("soft")
				g.logger.Warn("Route not installed", "prefix", p, "gateway", r.target, "error", err)
				continue
			}
			g.metrics.RouteError("hard")
			return errors.Wrapf(err, errors.KindKernel, "failed to add route %s", p)
		}
		next[p] = r
	}

	g.applied = next
	g.metrics.SetRoutes(len(g.applied))
	return nil
}

// clearKernelDefault removes a default route installed by someone else so
// ours can take its place.
func (g *Gateways) clearKernelDefault() {
	r := route{prefix: DefaultPrefix}
	if err := g.nl.RouteDel(r.netlink()); err != nil && !errors.Is(err, unix.ESRCH) {
		g.logger.Warn("Failed to remove existing default route", "error", err)
	}
}

// syncFirewall installs rules for each interface that is a gateway target
// and removes rules from interfaces that no longer are.
func (g *Gateways) syncFirewall() {
	if g.fw == nil {
		return
	}
	want := make(map[string]bool)
	if g.started {
		for _, gw := range g.defaults {
			if gw.target.Interface != "" {
				want[gw.target.Interface] = true
			}
		}
		for _, gw := range g.named {
			if gw.target.Interface != "" {
				want[gw.target.Interface] = true
			}
		}
	}

	for _, name := range g.Interfaces() {
		if want[name] {
			continue
		}
		if err := g.fw.RemoveGateway(name); err != nil {
			g.logger.Warn("Failed to remove gateway firewall rules", "interface", name, "error", err)
		}
		delete(g.installed, name)
	}

	names := make([]string, 0, len(want))
	for name := range want {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if g.installed[name] {
			continue
		}
		if err := g.fw.AddGateway(name); err != nil {
			g.logger.Error("Failed to add gateway firewall rules", "interface", name, "error", err)
			continue
		}
		g.installed[name] = true
	}
	g.metrics.SetGatewayInterfaces(len(g.installed))
}

// IsSoftKernelError reports whether a route error should be reconciled away
// instead of aborting the pass.
func IsSoftKernelError(err error) bool {
	return errors.Is(err, unix.EEXIST) || errors.Is(err, unix.ENETUNREACH)
}

func parseNetworks(networks []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(networks))
	for _, n := range networks {
		p, err := facts.ParsePrefix(n)
		if err != nil {
			return nil, errors.Wrap(err, errors.KindValidation, "invalid network")
		}
		if facts.IsCatchAll(p) {
			return nil, errors.Errorf(errors.KindValidation, "catch-all network %q must be a default gateway", n)
		}
		out = append(out, p)
	}
	return out, nil
}

func sortedPrefixes(m map[netip.Prefix]route) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Addr().Compare(out[j].Addr()); c != 0 {
			return c < 0
		}
		return out[i].Bits() < out[j].Bits()
	})
	return out
}
