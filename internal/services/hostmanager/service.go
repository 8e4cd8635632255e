// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package hostmanager

import (
	"net/netip"

	"grimm.is/uplink/internal/errors"
	"grimm.is/uplink/internal/logging"
	"grimm.is/uplink/internal/merge"
)

type host struct {
	priority int
	hostname string
}

// Manager tracks host facts. Several sources may name the same host; the
// merge rule picks the address that answers Lookup. Hosts are not pushed to
// any external system.
type Manager struct {
	logger *logging.Logger
	hosts  map[string]host // scoped id -> host
	table  *merge.Table[netip.Addr]
}

// New creates an empty host manager.
func New(logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.WithComponent("hosts")
	}
	return &Manager{
		logger: logger,
		hosts:  make(map[string]host),
		table:  merge.New[netip.Addr](),
	}
}

// HostNew records a new host fact.
func (m *Manager) HostNew(id string, priority int, hostname, address string) error {
	if _, ok := m.hosts[id]; ok {
		return errors.Errorf(errors.KindConflict, "host %q duplicates", id)
	}
	if hostname == "" {
		return errors.New(errors.KindValidation, "host fact without hostname")
	}
	addr, err := netip.ParseAddr(address)
	if err != nil {
		return errors.Wrapf(err, errors.KindValidation, "host %q has invalid address", hostname)
	}
	if err := m.table.Set(id, priority, hostname, addr); err != nil {
		return err
	}
	m.hosts[id] = host{priority: priority, hostname: hostname}
	m.logger.Debug("Host added", "id", id, "hostname", hostname, "address", addr)
	return nil
}

// HostUpdate changes the address of an existing host fact.
func (m *Manager) HostUpdate(id, address string) error {
	h, ok := m.hosts[id]
	if !ok {
		return errors.Errorf(errors.KindNotFound, "host %q not found", id)
	}
	addr, err := netip.ParseAddr(address)
	if err != nil {
		return errors.Wrapf(err, errors.KindValidation, "host %q has invalid address", h.hostname)
	}
	return m.table.Set(id, h.priority, h.hostname, addr)
}

// HostDelete forgets a host fact.
func (m *Manager) HostDelete(id string) error {
	if _, ok := m.hosts[id]; !ok {
		return errors.Errorf(errors.KindNotFound, "host %q not found", id)
	}
	m.table.RemoveBySource(id)
	delete(m.hosts, id)
	return nil
}

// Lookup returns the winning address for hostname.
func (m *Manager) Lookup(hostname string) (netip.Addr, bool) {
	addr, _, _, ok := m.table.Winner(hostname)
	return addr, ok
}

// Hosts returns the winning address of every known hostname.
func (m *Manager) Hosts() map[string]netip.Addr {
	return m.table.Snapshot(merge.MinPriority)
}
