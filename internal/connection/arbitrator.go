// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package connection

import (
	"grimm.is/uplink/internal/errors"
	"grimm.is/uplink/internal/logging"
	"grimm.is/uplink/internal/metrics"
)

// Options configures an Arbitrator.
type Options struct {
	Logger  *logging.Logger
	Metrics *metrics.Metrics

	// Post runs f on the control goroutine. Activation results and plugin
	// availability callbacks are delivered through it.
	Post func(f func())

	Placeholder Placeholder
	NewGroup    GroupFactory
	Policy      Policy
}

// Info is a snapshot of one connection for observers.
type Info struct {
	ID          string      `json:"id"`
	Name        string      `json:"name,omitempty"`
	NetworkType NetworkType `json:"network_type"`
	Priority    int         `json:"priority"`
	Available   bool        `json:"available"`
	Reason      string      `json:"unavailable_reason,omitempty"`
	State       string      `json:"state"`
	Manual      bool        `json:"manual,omitempty"`
}

// Arbitrator owns the connection set and decides which connection is
// current. At most one connection is current, and it is always available.
type Arbitrator struct {
	opts    Options
	logger  *logging.Logger
	metrics *metrics.Metrics
	env     *env
	policy  Policy

	conns   []*Connection
	byID    map[string]*Connection
	current *Connection
}

// NewArbitrator returns an arbitrator with no connections.
func NewArbitrator(opts Options) *Arbitrator {
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("arbitrator")
	}
	if opts.Post == nil {
		opts.Post = func(f func()) { f() }
	}
	a := &Arbitrator{
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		policy:  opts.Policy,
		byID:    make(map[string]*Connection),
	}
	a.env = &env{
		post:        opts.Post,
		placeholder: opts.Placeholder,
		newGroup:    opts.NewGroup,
		settled:     a.settled,
	}
	return a
}

// Add builds a connection from desc and its registered plugin.
func (a *Arbitrator) Add(desc Descriptor) (*Connection, error) {
	if desc.ID == "" {
		return nil, errors.New(errors.KindValidation, "connection id is required")
	}
	if _, dup := a.byID[desc.ID]; dup {
		return nil, errors.Errorf(errors.KindConflict, "duplicate connection %q", desc.ID)
	}
	if desc.Priority < 0 || desc.Priority > 10 {
		return nil, errors.Errorf(errors.KindValidation, "connection %q: priority %d out of range 0-10", desc.ID, desc.Priority)
	}
	factory, ok := Lookup(desc.Plugin)
	if !ok {
		return nil, errors.Errorf(errors.KindNotFound, "connection %q: unknown plugin %q", desc.ID, desc.Plugin)
	}

	c := &Connection{
		desc:   desc,
		env:    a.env,
		logger: a.logger.WithComponent("connection"),
	}
	post := a.opts.Post
	cb := Callbacks{
		OnAvailable: func() {
			post(func() { a.OnAvailabilityChanged(c, true, "") })
		},
		OnUnavailable: func(reason string) {
			post(func() { a.OnAvailabilityChanged(c, false, reason) })
		},
	}
	p, err := factory(PluginConfig{
		ConnectionID: desc.ID,
		NetworkType:  desc.NetworkType,
		Options:      desc.Options,
	}, cb)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindValidation, "connection %q: plugin %q", desc.ID, desc.Plugin)
	}
	c.plugin = p
	if !c.NetworkType().Valid() {
		p.Dispose()
		return nil, errors.Errorf(errors.KindValidation, "connection %q: invalid network type %q", desc.ID, c.NetworkType())
	}

	a.conns = append(a.conns, c)
	a.byID[desc.ID] = c
	a.metrics.SetActive(desc.ID, false)
	return c, nil
}

// Connection returns the connection with the given id.
func (a *Arbitrator) Connection(id string) (*Connection, bool) {
	c, ok := a.byID[id]
	return c, ok
}

// Activate manually activates id, replacing the current connection.
func (a *Arbitrator) Activate(id string) error {
	c, ok := a.byID[id]
	if !ok {
		return errors.Errorf(errors.KindNotFound, "unknown connection %q", id)
	}
	if !c.available {
		return errors.Attr(errors.Errorf(errors.KindNotAvailable, "connection %q is not available", id), "reason", c.reason)
	}
	if a.current != nil {
		a.deactivateCurrent(false)
	}
	a.start(c, true)
	return nil
}

// Deactivate deactivates the current connection, if any.
func (a *Arbitrator) Deactivate() {
	a.deactivateCurrent(false)
}

// OnAvailabilityChanged records a plugin's availability report and
// re-arbitrates.
func (a *Arbitrator) OnAvailabilityChanged(c *Connection, available bool, reason string) {
	if available {
		a.logger.Info("Connection became available", "connection", c.ID())
		c.available = true
		c.reason = ""

		if a.current == nil {
			a.autoSelect()
			return
		}
		cur := a.current
		if cur == c || cur.manual {
			return
		}
		if c.AutoActivate() && a.policy.TypeEnabled(c.NetworkType()) && Compare(c, cur) < 0 {
			a.logger.Info("Preempting current connection", "current", cur.ID(), "connection", c.ID())
			a.metrics.Switch()
			a.deactivateCurrent(false)
			a.start(c, false)
		}
		return
	}

	a.logger.Info("Connection became unavailable", "connection", c.ID(), "reason", reason)
	c.available = false
	c.reason = reason
	if a.current == c {
		a.deactivateCurrent(true)
	}
	if a.current == nil {
		a.autoSelect()
	}
}

// OnConfigChanged applies a new policy.
func (a *Arbitrator) OnConfigChanged(p Policy) {
	a.policy = p
	cur := a.current

	switch {
	case !p.Enabled:
		a.deactivateCurrent(false)
	case cur != nil && !p.TypeEnabled(cur.NetworkType()):
		a.deactivateCurrent(false)
		a.autoSelect()
	case cur == nil:
		a.autoSelect()
	}
}

// autoSelect activates the most preferred eligible connection. It does
// nothing while a connection is current.
func (a *Arbitrator) autoSelect() {
	if a.current != nil || !a.policy.Enabled {
		return
	}
	var best *Connection
	for _, c := range a.conns {
		if !c.AutoActivate() || !c.available || !a.policy.TypeEnabled(c.NetworkType()) {
			continue
		}
		if best == nil || Compare(c, best) < 0 {
			best = c
		}
	}
	if best == nil {
		a.logger.Debug("No connection eligible for activation")
		return
	}
	a.start(best, false)
}

func (a *Arbitrator) start(c *Connection, manual bool) {
	a.current = c
	c.activate(manual)
}

func (a *Arbitrator) deactivateCurrent(alreadyUnavailable bool) {
	c := a.current
	if c == nil {
		return
	}
	c.deactivate(alreadyUnavailable)
	a.current = nil
	a.metrics.SetActive(c.ID(), false)
}

// settled is called on the control goroutine when an activation task of
// c has completed.
func (a *Arbitrator) settled(c *Connection, err error) {
	if err != nil {
		a.metrics.Activation(c.ID(), "failure")
		if a.current == c {
			a.current = nil
		}
		return
	}
	a.metrics.Activation(c.ID(), "success")
	a.metrics.SetActive(c.ID(), true)
}

// Shutdown deactivates the current connection and disposes every plugin.
func (a *Arbitrator) Shutdown() {
	a.deactivateCurrent(false)
	for _, c := range a.conns {
		c.plugin.Dispose()
	}
}

// State reports the lifecycle state of the current connection.
func (a *Arbitrator) State() State {
	if a.current == nil {
		return StateIdle
	}
	return a.current.state
}

// CurrentID returns the current connection's id, or "".
func (a *Arbitrator) CurrentID() string {
	if a.current == nil {
		return ""
	}
	return a.current.ID()
}

// Current returns the current connection, or nil.
func (a *Arbitrator) Current() *Connection {
	return a.current
}

// ConnectionIDs returns connection ids in configuration order.
func (a *Arbitrator) ConnectionIDs() []string {
	ids := make([]string, len(a.conns))
	for i, c := range a.conns {
		ids[i] = c.ID()
	}
	return ids
}

// ConnectionInfo describes the connection with the given id.
func (a *Arbitrator) ConnectionInfo(id string) (Info, error) {
	c, ok := a.byID[id]
	if !ok {
		return Info{}, errors.Errorf(errors.KindNotFound, "unknown connection %q", id)
	}
	return Info{
		ID:          c.ID(),
		Name:        c.desc.Name,
		NetworkType: c.NetworkType(),
		Priority:    c.Priority(),
		Available:   c.available,
		Reason:      c.reason,
		State:       c.state.String(),
		Manual:      c.manual,
	}, nil
}

// ManagedInterfaces returns the interfaces managed by the active
// connection's plugin.
func (a *Arbitrator) ManagedInterfaces() []string {
	if a.current == nil || a.current.facts == nil {
		return nil
	}
	return append([]string(nil), a.current.facts.ManagedInterfaces...)
}

// Policy returns the policy in force.
func (a *Arbitrator) Policy() Policy {
	return a.policy
}
