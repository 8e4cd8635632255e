// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package connection arbitrates between mutually exclusive network
// connections and runs the activation lifecycle of the chosen one.
//
// Every exported method of Arbitrator, and every method of Connection,
// must be called from the daemon's control goroutine. The only work done
// elsewhere is the activation task, which calls the plugin and hands its
// result back through the Post hook.
package connection

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/hashicorp/hcl/v2"

	"grimm.is/uplink/internal/errors"
	"grimm.is/uplink/internal/facility"
	"grimm.is/uplink/internal/facts"
	"grimm.is/uplink/internal/logging"
)

// State is the lifecycle state of a connection.
type State int

const (
	StateIdle State = iota
	StateActivating
	StateActive
	StateDeactivating
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateDeactivating:
		return "deactivating"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Descriptor is the static description of a connection.
type Descriptor struct {
	ID       string
	Name     string
	Plugin   string
	Priority int

	// NetworkType overrides the plugin's own type when set.
	NetworkType  NetworkType
	AutoActivate bool
	Facilities   []facility.Descriptor

	// Options is the plugin specific remainder of the configuration.
	Options hcl.Body
}

// Group is the live fact state of an active connection.
type Group interface {
	Start(ctx context.Context) error
	Close()
}

// GroupFactory builds the fact group for a freshly activated connection.
type GroupFactory func(c *Connection, fs *facts.FactSet) (Group, error)

// Placeholder points system DNS resolution at the local forwarder while a
// connection is in transition.
type Placeholder interface {
	Acquire() error
	Release() error
}

var errCancelled = errors.New(errors.KindStartup, "activation cancelled")

// activation is the in-flight activation task of one connection.
type activation struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

// Connection is one managed network attachment.
type Connection struct {
	desc   Descriptor
	plugin Plugin
	env    *env
	logger *logging.Logger

	available bool
	reason    string
	manual    bool
	state     State

	task  *activation
	facts *facts.FactSet
	group Group
}

// env is shared by every connection of one arbitrator.
type env struct {
	post        func(func())
	placeholder Placeholder
	newGroup    GroupFactory
	settled     func(c *Connection, err error)
}

func (c *Connection) ID() string { return c.desc.ID }

// Name returns the display name, falling back to the id.
func (c *Connection) Name() string {
	if c.desc.Name != "" {
		return c.desc.Name
	}
	return c.desc.ID
}

func (c *Connection) Priority() int { return c.desc.Priority }
func (c *Connection) AutoActivate() bool { return c.desc.AutoActivate }
func (c *Connection) Facilities() []facility.Descriptor { return c.desc.Facilities }
func (c *Connection) Available() bool { return c.available }
func (c *Connection) UnavailableReason() string { return c.reason }
func (c *Connection) Manual() bool { return c.manual }
func (c *Connection) State() State { return c.state }

// NetworkType returns the configured type, or the plugin's when unset.
func (c *Connection) NetworkType() NetworkType {
	if c.desc.NetworkType != "" {
		return c.desc.NetworkType
	}
	return c.plugin.NetworkType()
}

// Facts returns the fact set of an active connection, or nil.
func (c *Connection) Facts() *facts.FactSet { return c.facts }

// HasGroup reports whether the connection currently owns a fact group.
func (c *Connection) HasGroup() bool { return c.group != nil }

// activate starts the activation task. The caller has already made this
// connection current.
func (c *Connection) activate(manual bool) {
	ctx, cancel := context.WithCancel(context.Background())
	t := &activation{
		id:     uuid.NewString(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.task = t
	c.manual = manual
	c.state = StateActivating
	c.logger.Info("Activating connection", "connection", c.desc.ID, "task", t.id, "manual", manual)

	go func() {
		fs, err := c.run(ctx)
		cancel()
		close(t.done)
		c.env.post(func() { c.finish(t, fs, err) })
	}()
}

// run is the activation task body. It must not touch fact state.
func (c *Connection) run(ctx context.Context) (*facts.FactSet, error) {
	if err := c.env.placeholder.Acquire(); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, errCancelled
	}

	fs, err := c.plugin.Activate(ctx)
	if ctx.Err() != nil {
		return nil, errCancelled
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.KindStartup, "plugin activation failed")
	}
	if fs == nil {
		fs = &facts.FactSet{}
	}
	return fs, nil
}

// finish runs on the control goroutine once the task has ended.
func (c *Connection) finish(t *activation, fs *facts.FactSet, err error) {
	if c.task != t {
		// Deactivation already joined and discarded this task.
		return
	}
	c.task = nil

	if err == nil {
		err = c.startGroup(fs)
	}
	if err != nil {
		c.logger.Error("Connection activation failed", "connection", c.desc.ID, "task", t.id, "error", err)
		c.teardown(false)
		c.env.settled(c, err)
		return
	}

	c.state = StateActive
	c.logger.Info("Connection activated", "connection", c.desc.ID, "task", t.id)
	c.env.settled(c, nil)
}

func (c *Connection) startGroup(fs *facts.FactSet) error {
	g, err := c.env.newGroup(c, fs)
	if err != nil {
		return err
	}
	if err := g.Start(context.Background()); err != nil {
		// Start unwinds whatever it brought up.
		return err
	}
	c.facts = fs
	c.group = g
	return nil
}

// deactivate joins any activation task, tears the group down and returns
// the connection to idle. It is a no-op on an idle connection.
func (c *Connection) deactivate(alreadyUnavailable bool) {
	if c.task == nil && c.group == nil {
		return
	}
	c.state = StateDeactivating

	if t := c.task; t != nil {
		t.cancel()
		c.plugin.CancelActivate()
		<-t.done
		c.task = nil
		c.logger.Info("Activation cancelled", "connection", c.desc.ID, "task", t.id)
	}
	c.teardown(alreadyUnavailable)
	c.logger.Info("Connection deactivated", "connection", c.desc.ID)
}

func (c *Connection) teardown(alreadyUnavailable bool) {
	if c.group != nil {
		c.group.Close()
		c.group = nil
	}
	c.facts = nil

	if !alreadyUnavailable {
		if err := c.plugin.Deactivate(); err != nil {
			c.logger.Warn("Plugin deactivation failed", "connection", c.desc.ID, "error", err)
		}
	}
	if err := c.env.placeholder.Release(); err != nil {
		c.logger.Warn("Failed to clear resolver placeholder", "error", err)
	}
	c.manual = false
	c.state = StateIdle
}
