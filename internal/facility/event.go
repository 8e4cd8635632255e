// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package facility runs traffic-facility subprocesses and routes the fact
// events they stream into the reconcilers.
package facility

import (
	"bytes"
	"encoding/json"

	"grimm.is/uplink/internal/errors"
	"grimm.is/uplink/internal/facts"
)

// Operation is the verb of a fact event.
type Operation string

const (
	OpNew    Operation = "new"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Event is one line of a facility's output stream.
type Event struct {
	Operation Operation       `json:"operation"`
	ID        string          `json:"id"`
	Type      facts.Kind      `json:"type,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// HostData is the payload of a host event.
type HostData struct {
	Hostname string `json:"hostname"`
	Address  string `json:"address"`
}

// NameserverData is the payload of nameserver and default-nameserver events.
type NameserverData struct {
	Target  []string `json:"target"`
	Domains []string `json:"domain-list"`
}

// GatewayData is the payload of gateway and default-gateway events.
type GatewayData struct {
	Target   facts.GatewayTarget `json:"target"`
	Networks []string            `json:"network-list"`
}

// ParseEvent decodes and structurally checks one event line. Payloads are
// decoded later, once the event type is known.
func ParseEvent(line []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(bytes.TrimSpace(line), &ev); err != nil {
		return Event{}, errors.Wrap(err, errors.KindProtocol, "malformed event")
	}
	if ev.ID == "" {
		return Event{}, errors.New(errors.KindProtocol, "event without id")
	}
	switch ev.Operation {
	case OpNew:
		if !ev.Type.Valid() {
			return Event{}, errors.Errorf(errors.KindProtocol, "unknown fact type %q", ev.Type)
		}
		if len(ev.Data) == 0 {
			return Event{}, errors.Errorf(errors.KindProtocol, "new event %q without data", ev.ID)
		}
	case OpUpdate:
		if len(ev.Data) == 0 {
			return Event{}, errors.Errorf(errors.KindProtocol, "update event %q without data", ev.ID)
		}
	case OpDelete:
	default:
		return Event{}, errors.Errorf(errors.KindProtocol, "unknown operation %q", ev.Operation)
	}
	return ev, nil
}

func decodeData(ev Event, v any) error {
	if err := json.Unmarshal(ev.Data, v); err != nil {
		return errors.Wrapf(err, errors.KindProtocol, "bad payload for %s %q", ev.Operation, ev.ID)
	}
	return nil
}
