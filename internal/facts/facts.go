// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package facts defines the units of network information exchanged between
// connection plugins, traffic facilities and the reconcilers.
package facts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/netip"
)

// Kind identifies the type of a fact.
type Kind string

const (
	KindHost              Kind = "host"
	KindNameserver        Kind = "nameserver"
	KindGateway           Kind = "gateway"
	KindDefaultNameserver Kind = "default-nameserver"
	KindDefaultGateway    Kind = "default-gateway"
)

// Valid reports whether k is a known fact kind.
func (k Kind) Valid() bool {
	switch k {
	case KindHost, KindNameserver, KindGateway, KindDefaultNameserver, KindDefaultGateway:
		return true
	}
	return false
}

// MainSource is the source id of facts produced by the connection plugin.
const MainSource = "main"

// MainID returns the synthetic id of the i-th plugin-provided entry.
func MainID(i int) string {
	if i == 0 {
		return MainSource
	}
	return fmt.Sprintf("%s-%d", MainSource, i)
}

// GatewayTarget is a next hop and/or outbound interface. Either part may be
// absent but not both.
//
// On the wire it is either a two element array [next-hop, interface] with
// null for an absent part, or an object {"next-hop": ..., "interface": ...}.
type GatewayTarget struct {
	NextHop   netip.Addr
	Interface string
}

// Valid reports whether at least one of next hop and interface is set.
func (t GatewayTarget) Valid() bool {
	return t.NextHop.IsValid() || t.Interface != ""
}

func (t GatewayTarget) String() string {
	nh := "-"
	if t.NextHop.IsValid() {
		nh = t.NextHop.String()
	}
	dev := "-"
	if t.Interface != "" {
		dev = t.Interface
	}
	return "via " + nh + " dev " + dev
}

type gatewayTargetObject struct {
	NextHop   *string `json:"next-hop"`
	Interface *string `json:"interface"`
}

// UnmarshalJSON accepts both the array and the object form.
func (t *GatewayTarget) UnmarshalJSON(data []byte) error {
	var parts [2]*string
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var arr []*string
		if err := json.Unmarshal(data, &arr); err != nil {
			return err
		}
		if len(arr) != 2 {
			return fmt.Errorf("gateway target must have 2 elements, got %d", len(arr))
		}
		parts[0], parts[1] = arr[0], arr[1]
	} else {
		var obj gatewayTargetObject
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		parts[0], parts[1] = obj.NextHop, obj.Interface
	}

	var out GatewayTarget
	if parts[0] != nil && *parts[0] != "" {
		addr, err := netip.ParseAddr(*parts[0])
		if err != nil {
			return fmt.Errorf("invalid next hop %q: %w", *parts[0], err)
		}
		out.NextHop = addr
	}
	if parts[1] != nil {
		out.Interface = *parts[1]
	}
	if !out.Valid() {
		return fmt.Errorf("gateway target needs a next hop or an interface")
	}
	*t = out
	return nil
}

// MarshalJSON writes the array form.
func (t GatewayTarget) MarshalJSON() ([]byte, error) {
	var parts [2]*string
	if t.NextHop.IsValid() {
		s := t.NextHop.String()
		parts[0] = &s
	}
	if t.Interface != "" {
		s := t.Interface
		parts[1] = &s
	}
	return json.Marshal(parts[:])
}

// Host maps a hostname to an address.
type Host struct {
	Hostname string `json:"hostname"`
	Address  string `json:"address"`
}

// Nameserver forwards queries for Domains to Targets. A target is a
// hostname or address, optionally with ":port".
type Nameserver struct {
	Targets []string `json:"target"`
	Domains []string `json:"domain-list"`
}

// Gateway routes Networks through Target.
type Gateway struct {
	Target   GatewayTarget `json:"target"`
	Networks []string      `json:"network-list"`
}

// FactSet is the result of a successful plugin activation.
type FactSet struct {
	ManagedInterfaces []string       `json:"managed-interfaces,omitempty"`
	DefaultNameserver []string       `json:"default-nameserver,omitempty"`
	DefaultGateway    *GatewayTarget `json:"default-gateway,omitempty"`
	Nameservers       []Nameserver   `json:"nameserver-list,omitempty"`
	Gateways          []Gateway      `json:"gateway-list,omitempty"`
}
