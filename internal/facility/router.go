// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package facility

import (
	"sort"

	"grimm.is/uplink/internal/errors"
	"grimm.is/uplink/internal/facts"
	"grimm.is/uplink/internal/logging"
	"grimm.is/uplink/internal/metrics"
)

// Sink receives routed facts. Ids passed to it are already scoped by
// source.
type Sink interface {
	HostNew(id string, priority int, hostname, address string) error
	HostUpdate(id, address string) error
	HostDelete(id string) error

	NameserverNew(id string, priority int, targets, domains []string) error
	NameserverNewDefault(id string, priority int, targets []string) error
	NameserverUpdate(id string, domains []string) error
	NameserverDelete(id string) error

	GatewayNew(id string, priority int, target facts.GatewayTarget, networks []string) error
	GatewayNewDefault(id string, priority int, target facts.GatewayTarget) error
	GatewayUpdate(id string, networks []string) error
	GatewayDelete(id string) error
}

// ScopedID namespaces a facility-chosen id by its source so two
// facilities may reuse the same id.
func ScopedID(source, id string) string {
	return "fac:" + source + ":" + id
}

type factKey struct {
	source string
	id     string
}

// Router dispatches facility events to a Sink, remembering the type of
// every live fact so update and delete events can omit it.
type Router struct {
	sink    Sink
	logger  *logging.Logger
	metrics *metrics.Metrics
	kinds   map[factKey]facts.Kind
}

// NewRouter creates a Router.
func NewRouter(sink Sink, logger *logging.Logger, m *metrics.Metrics) *Router {
	if logger == nil {
		logger = logging.WithComponent("facility")
	}
	return &Router{
		sink:    sink,
		logger:  logger,
		metrics: m,
		kinds:   make(map[factKey]facts.Kind),
	}
}

// Dispatch applies one event from source. Any returned error is a protocol
// violation for that source; state of other sources is untouched.
func (r *Router) Dispatch(source string, priority int, ev Event) error {
	key := factKey{source, ev.ID}
	scoped := ScopedID(source, ev.ID)
	r.metrics.FacilityEvent(source, string(ev.Operation))

	var err error
	switch ev.Operation {
	case OpNew:
		if _, ok := r.kinds[key]; ok {
			return errors.Errorf(errors.KindProtocol, "fact %q already exists", ev.ID)
		}
		err = r.dispatchNew(scoped, priority, ev)
		if err == nil {
			r.kinds[key] = ev.Type
		}
	case OpUpdate:
		kind, ok := r.kinds[key]
		if !ok {
			return errors.Errorf(errors.KindProtocol, "update of unknown fact %q", ev.ID)
		}
		err = r.dispatchUpdate(scoped, kind, ev)
	case OpDelete:
		kind, ok := r.kinds[key]
		if !ok {
			return errors.Errorf(errors.KindProtocol, "delete of unknown fact %q", ev.ID)
		}
		err = r.remove(scoped, kind)
		delete(r.kinds, key)
	default:
		err = errors.Errorf(errors.KindProtocol, "unknown operation %q", ev.Operation)
	}

	if err != nil && errors.GetKind(err) != errors.KindProtocol {
		err = errors.Wrapf(err, errors.KindProtocol, "rejected %s %q", ev.Operation, ev.ID)
	}
	return err
}

func (r *Router) dispatchNew(id string, priority int, ev Event) error {
	switch ev.Type {
	case facts.KindHost:
		var d HostData
		if err := decodeData(ev, &d); err != nil {
			return err
		}
		return r.sink.HostNew(id, priority, d.Hostname, d.Address)
	case facts.KindNameserver:
		var d NameserverData
		if err := decodeData(ev, &d); err != nil {
			return err
		}
		return r.sink.NameserverNew(id, priority, d.Target, d.Domains)
	case facts.KindDefaultNameserver:
		var d NameserverData
		if err := decodeData(ev, &d); err != nil {
			return err
		}
		return r.sink.NameserverNewDefault(id, priority, d.Target)
	case facts.KindGateway:
		var d GatewayData
		if err := decodeData(ev, &d); err != nil {
			return err
		}
		return r.sink.GatewayNew(id, priority, d.Target, d.Networks)
	case facts.KindDefaultGateway:
		var d GatewayData
		if err := decodeData(ev, &d); err != nil {
			return err
		}
		return r.sink.GatewayNewDefault(id, priority, d.Target)
	}
	return errors.Errorf(errors.KindProtocol, "unknown fact type %q", ev.Type)
}

func (r *Router) dispatchUpdate(id string, kind facts.Kind, ev Event) error {
	switch kind {
	case facts.KindHost:
		var d HostData
		if err := decodeData(ev, &d); err != nil {
			return err
		}
		return r.sink.HostUpdate(id, d.Address)
	case facts.KindNameserver:
		var d NameserverData
		if err := decodeData(ev, &d); err != nil {
			return err
		}
		return r.sink.NameserverUpdate(id, d.Domains)
	case facts.KindGateway:
		var d GatewayData
		if err := decodeData(ev, &d); err != nil {
			return err
		}
		return r.sink.GatewayUpdate(id, d.Networks)
	}
	return errors.Errorf(errors.KindProtocol, "%s facts cannot be updated", kind)
}

func (r *Router) remove(id string, kind facts.Kind) error {
	switch kind {
	case facts.KindHost:
		return r.sink.HostDelete(id)
	case facts.KindNameserver, facts.KindDefaultNameserver:
		return r.sink.NameserverDelete(id)
	case facts.KindGateway, facts.KindDefaultGateway:
		return r.sink.GatewayDelete(id)
	}
	return errors.Errorf(errors.KindInternal, "unknown fact type %q", kind)
}

// Withdraw deletes every live fact contributed by source and returns how
// many were removed.
func (r *Router) Withdraw(source string) int {
	var ids []string
	for key := range r.kinds {
		if key.source == source {
			ids = append(ids, key.id)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		key := factKey{source, id}
		if err := r.remove(ScopedID(source, id), r.kinds[key]); err != nil {
			r.logger.Warn("Failed to withdraw fact", "facility", source, "id", id, "error", err)
		}
		delete(r.kinds, key)
	}
	return len(ids)
}

// Facts returns the live fact ids of source, sorted.
func (r *Router) Facts(source string) []string {
	var ids []string
	for key := range r.kinds {
		if key.source == source {
			ids = append(ids, key.id)
		}
	}
	sort.Strings(ids)
	return ids
}
