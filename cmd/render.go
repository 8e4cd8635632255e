// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"sort"

	"grimm.is/uplink/internal/config"
	"grimm.is/uplink/internal/connection"
	"grimm.is/uplink/internal/factgroup"
	"grimm.is/uplink/internal/logging"
	"grimm.is/uplink/internal/network"
	"grimm.is/uplink/internal/services/dns"
	"grimm.is/uplink/internal/services/hostmanager"
)

// RunRender activates a connection's plugin and prints the resolver
// configuration and routes its facts produce. Neither is applied. A plugin
// that holds system state while active, such as a DHCP lease, is
// deactivated before returning. Facility facts are not included.
func RunRender(ctx context.Context, out io.Writer, configPath, connID string) error {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var desc *connection.Descriptor
	for _, d := range cfg.ConnectionDescriptors() {
		if d.ID == connID {
			desc = &d
			break
		}
	}
	if desc == nil {
		return fmt.Errorf("unknown connection %q", connID)
	}
	factory, ok := connection.Lookup(desc.Plugin)
	if !ok {
		return fmt.Errorf("unknown plugin %q", desc.Plugin)
	}

	plugin, err := factory(connection.PluginConfig{
		ConnectionID: desc.ID,
		NetworkType:  desc.NetworkType,
		Options:      desc.Options,
	}, connection.Callbacks{
		OnAvailable:   func() {},
		OnUnavailable: func(string) {},
	})
	if err != nil {
		return err
	}
	defer plugin.Dispose()

	fs, err := plugin.Activate(ctx)
	if err != nil {
		return fmt.Errorf("plugin activation failed: %w", err)
	}
	defer plugin.Deactivate()

	logger := logging.WithComponent("render")
	resolver := dns.NewResolver(dns.Options{Logger: logger, StateDir: cfg.StateDir})
	routes := network.NewGateways(nil, nil, logger, nil)
	if _, err := factgroup.New(fs, factgroup.Options{
		Logger:       logger,
		Resolver:     resolver,
		Routes:       routes,
		Hosts:        hostmanager.New(logger),
		FactPriority: *cfg.FactPriority,
	}); err != nil {
		return err
	}

	fmt.Fprintf(out, "# resolver configuration for %s\n", desc.ID)
	fmt.Fprint(out, resolver.Render())

	plan := routes.Plan()
	prefixes := make([]netip.Prefix, 0, len(plan))
	for p := range plan {
		prefixes = append(prefixes, p)
	}
	sort.Slice(prefixes, func(i, j int) bool { return prefixes[i].String() < prefixes[j].String() })
	fmt.Fprintf(out, "\n# routes\n")
	for _, p := range prefixes {
		fmt.Fprintf(out, "%s %s\n", p, plan[p])
	}
	if len(fs.ManagedInterfaces) > 0 {
		fmt.Fprintf(out, "\n# managed interfaces: %v\n", fs.ManagedInterfaces)
	}
	return nil
}
