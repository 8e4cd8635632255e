// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package firewall installs the per-gateway-interface filter and NAT rules
// through nftables netlink.
package firewall

import (
	"bytes"
	"sort"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"

	"grimm.is/uplink/internal/brand"
	"grimm.is/uplink/internal/errors"
	"grimm.is/uplink/internal/logging"
)

// NFTablesConn is the subset of *nftables.Conn used here.
type NFTablesConn interface {
	AddTable(t *nftables.Table) *nftables.Table
	DelTable(t *nftables.Table)
	AddChain(c *nftables.Chain) *nftables.Chain
	AddRule(r *nftables.Rule) *nftables.Rule
	DelRule(r *nftables.Rule) error
	GetRules(t *nftables.Table, c *nftables.Chain) ([]*nftables.Rule, error)
	Flush() error
}

var _ NFTablesConn = (*nftables.Conn)(nil)

// GatewayRules keeps one rule group per gateway interface:
// inbound ICMP and established/related traffic are accepted, other inbound
// traffic is dropped, and outbound traffic is masqueraded.
type GatewayRules struct {
	conn   NFTablesConn
	logger *logging.Logger

	table  *nftables.Table
	input  *nftables.Chain
	nat    *nftables.Chain
	ifaces map[string]bool
}

// NewGatewayRules opens a netlink connection to nftables.
func NewGatewayRules(logger *logging.Logger) (*GatewayRules, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindKernel, "failed to open nftables connection")
	}
	return NewGatewayRulesWithConn(conn, brand.LowerName, logger), nil
}

// NewGatewayRulesWithConn builds GatewayRules over an injected connection.
func NewGatewayRulesWithConn(conn NFTablesConn, tableName string, logger *logging.Logger) *GatewayRules {
	if logger == nil {
		logger = logging.WithComponent("firewall")
	}
	table := &nftables.Table{Name: tableName, Family: nftables.TableFamilyIPv4}
	accept := nftables.ChainPolicyAccept
	return &GatewayRules{
		conn:   conn,
		logger: logger,
		table:  table,
		input: &nftables.Chain{
			Name:     "input",
			Table:    table,
			Type:     nftables.ChainTypeFilter,
			Hooknum:  nftables.ChainHookInput,
			Priority: nftables.ChainPriorityFilter,
			Policy:   &accept,
		},
		nat: &nftables.Chain{
			Name:     "postrouting",
			Table:    table,
			Type:     nftables.ChainTypeNAT,
			Hooknum:  nftables.ChainHookPostrouting,
			Priority: nftables.ChainPriorityNATSource,
		},
		ifaces: make(map[string]bool),
	}
}

// Interfaces returns the interfaces with rules installed.
func (g *GatewayRules) Interfaces() []string {
	out := make([]string, 0, len(g.ifaces))
	for name := range g.ifaces {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// AddGateway installs the rule group for ifname. It is a no-op if the group
// is already installed.
func (g *GatewayRules) AddGateway(ifname string) error {
	if g.ifaces[ifname] {
		return nil
	}
	if len(g.ifaces) == 0 {
		// Start from a clean table in case a previous run left one behind.
		g.conn.AddTable(g.table)
		g.conn.DelTable(g.table)
		g.conn.AddTable(g.table)
		g.conn.AddChain(g.input)
		g.conn.AddChain(g.nat)
	}

	tag := ifnameBytes(ifname)
	g.conn.AddRule(&nftables.Rule{
		Table:    g.table,
		Chain:    g.input,
		UserData: tag,
		Exprs: append(matchIfname(expr.MetaKeyIIFNAME, tag),
			&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{unix.IPPROTO_ICMP}},
			&expr.Verdict{Kind: expr.VerdictAccept},
		),
	})
	g.conn.AddRule(&nftables.Rule{
		Table:    g.table,
		Chain:    g.input,
		UserData: tag,
		Exprs: append(matchIfname(expr.MetaKeyIIFNAME, tag),
			&expr.Ct{Register: 1, Key: expr.CtKeySTATE},
			&expr.Bitwise{
				SourceRegister: 1,
				DestRegister:   1,
				Len:            4,
				Mask:           binaryutil.NativeEndian.PutUint32(expr.CtStateBitESTABLISHED | expr.CtStateBitRELATED),
				Xor:            binaryutil.NativeEndian.PutUint32(0),
			},
			&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: binaryutil.NativeEndian.PutUint32(0)},
			&expr.Verdict{Kind: expr.VerdictAccept},
		),
	})
	g.conn.AddRule(&nftables.Rule{
		Table:    g.table,
		Chain:    g.input,
		UserData: tag,
		Exprs: append(matchIfname(expr.MetaKeyIIFNAME, tag),
			&expr.Counter{},
			&expr.Verdict{Kind: expr.VerdictDrop},
		),
	})
	g.conn.AddRule(&nftables.Rule{
		Table:    g.table,
		Chain:    g.nat,
		UserData: tag,
		Exprs: append(matchIfname(expr.MetaKeyOIFNAME, tag),
			&expr.Masq{},
		),
	})

	if err := g.conn.Flush(); err != nil {
		return errors.Wrapf(err, errors.KindKernel, "failed to install gateway rules for %s", ifname)
	}
	g.ifaces[ifname] = true
	g.logger.Info("Installed gateway rules", "interface", ifname)
	return nil
}

// RemoveGateway deletes the rule group for ifname. The table is dropped
// once no interface remains.
func (g *GatewayRules) RemoveGateway(ifname string) error {
	if !g.ifaces[ifname] {
		return nil
	}

	if len(g.ifaces) == 1 {
		g.conn.DelTable(g.table)
	} else {
		tag := ifnameBytes(ifname)
		for _, chain := range []*nftables.Chain{g.input, g.nat} {
			rules, err := g.conn.GetRules(g.table, chain)
			if err != nil {
				return errors.Wrapf(err, errors.KindKernel, "failed to list %s rules", chain.Name)
			}
			for _, r := range rules {
				if !bytes.Equal(r.UserData, tag) {
					continue
				}
				if err := g.conn.DelRule(r); err != nil {
					return errors.Wrapf(err, errors.KindKernel, "failed to delete rule for %s", ifname)
				}
			}
		}
	}

	if err := g.conn.Flush(); err != nil {
		return errors.Wrapf(err, errors.KindKernel, "failed to remove gateway rules for %s", ifname)
	}
	delete(g.ifaces, ifname)
	g.logger.Info("Removed gateway rules", "interface", ifname)
	return nil
}

func matchIfname(key expr.MetaKey, name []byte) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: key, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: name},
	}
}

// ifnameBytes pads name to IFNAMSIZ the way the kernel stores it.
func ifnameBytes(name string) []byte {
	b := make([]byte, unix.IFNAMSIZ)
	copy(b, name)
	return b
}
