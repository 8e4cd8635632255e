// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package connection

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/hcl/v2"

	"grimm.is/uplink/internal/errors"
	"grimm.is/uplink/internal/facts"
)

// NetworkType is the kind of medium a connection runs over.
type NetworkType string

const (
	Wired    NetworkType = "wired"
	Wireless NetworkType = "wireless"
	Mobile   NetworkType = "mobile"
)

// NetworkTypes lists every type in arbitration order.
var NetworkTypes = []NetworkType{Wired, Wireless, Mobile}

// Rank orders network types for arbitration. Higher outranks lower.
func (t NetworkType) Rank() int {
	switch t {
	case Wired:
		return 3
	case Wireless:
		return 2
	case Mobile:
		return 1
	}
	return 0
}

// Valid reports whether t is a known network type.
func (t NetworkType) Valid() bool {
	return t.Rank() > 0
}

// ParseNetworkType parses a network type name.
func ParseNetworkType(s string) (NetworkType, error) {
	t := NetworkType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", errors.Errorf(errors.KindValidation, "unknown network type %q", s)
	}
	return t, nil
}

// Callbacks are handed to a plugin at construction. A plugin may call them
// from any goroutine but must not call back into the arbitrator from them.
type Callbacks struct {
	OnAvailable   func()
	OnUnavailable func(reason string)
}

// Plugin drives one connection's medium.
type Plugin interface {
	NetworkType() NetworkType

	// Activate brings the link up and returns its facts. It may block for a
	// long time and must return promptly once ctx is cancelled.
	Activate(ctx context.Context) (*facts.FactSet, error)

	// CancelActivate aborts an Activate in progress. It is called
	// concurrently with Activate.
	CancelActivate()

	Deactivate() error
	Dispose()
}

// PluginConfig is what a factory receives for one connection.
type PluginConfig struct {
	ConnectionID string
	NetworkType  NetworkType

	// Options is the plugin specific remainder of the connection block.
	Options hcl.Body
}

// Factory builds a plugin instance.
type Factory func(cfg PluginConfig, cb Callbacks) (Plugin, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a plugin type available by name. It panics on duplicates,
// which only happens through a programming error in an init function.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("connection: plugin registered twice: " + name)
	}
	registry[name] = f
}

// Lookup returns the factory registered under name.
func Lookup(name string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	return f, ok
}

// Registered returns the sorted names of all registered plugins.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
