// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"bytes"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"github.com/prometheus/client_golang/prometheus"
)

// RuleLister is the subset of *nftables.Conn read at scrape time.
type RuleLister interface {
	ListTables() ([]*nftables.Table, error)
	ListChains() ([]*nftables.Chain, error)
	GetRules(t *nftables.Table, c *nftables.Chain) ([]*nftables.Rule, error)
}

var _ RuleLister = (*nftables.Conn)(nil)

// GatewayCollector reports packets dropped by the gateway firewall rules,
// per interface. Rules are attributed through their UserData tag, which
// holds the NUL padded interface name.
type GatewayCollector struct {
	conn  RuleLister
	table string

	dropped *prometheus.Desc
	bytes   *prometheus.Desc
}

// NewGatewayCollector reads counters from the named nftables table.
func NewGatewayCollector(conn RuleLister, table string) *GatewayCollector {
	return &GatewayCollector{
		conn:  conn,
		table: table,
		dropped: prometheus.NewDesc("uplink_gateway_dropped_packets_total",
			"Inbound packets dropped on gateway interfaces", []string{"interface"}, nil),
		bytes: prometheus.NewDesc("uplink_gateway_dropped_bytes_total",
			"Inbound bytes dropped on gateway interfaces", []string{"interface"}, nil),
	}
}

func (c *GatewayCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.dropped
	ch <- c.bytes
}

// Collect lists the table's rules. A missing table means no gateway is
// installed and yields no samples; listing errors are ignored.
func (c *GatewayCollector) Collect(ch chan<- prometheus.Metric) {
	for iface, cnt := range c.dropCounters() {
		ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(cnt.Packets), iface)
		ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(cnt.Bytes), iface)
	}
}

type dropCounter struct {
	Packets uint64
	Bytes   uint64
}

func (c *GatewayCollector) dropCounters() map[string]dropCounter {
	out := make(map[string]dropCounter)

	tables, err := c.conn.ListTables()
	if err != nil {
		return out
	}
	var table *nftables.Table
	for _, t := range tables {
		if t.Name == c.table {
			table = t
			break
		}
	}
	if table == nil {
		return out
	}

	chains, err := c.conn.ListChains()
	if err != nil {
		return out
	}
	for _, chain := range chains {
		if chain.Table == nil || chain.Table.Name != c.table {
			continue
		}
		rules, err := c.conn.GetRules(table, chain)
		if err != nil {
			continue
		}
		for _, rule := range rules {
			iface := string(bytes.TrimRight(rule.UserData, "\x00"))
			if iface == "" {
				continue
			}
			var counter *expr.Counter
			drop := false
			for _, e := range rule.Exprs {
				switch ex := e.(type) {
				case *expr.Counter:
					counter = ex
				case *expr.Verdict:
					drop = ex.Kind == expr.VerdictDrop
				}
			}
			if !drop || counter == nil {
				continue
			}
			cnt := out[iface]
			cnt.Packets += counter.Packets
			cnt.Bytes += counter.Bytes
			out[iface] = cnt
		}
	}
	return out
}
