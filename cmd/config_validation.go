// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"grimm.is/uplink/internal/config"
)

// ValidateOptions controls RunConfigValidate output.
type ValidateOptions struct {
	Verbose bool
}

// RunConfigValidate loads and validates a configuration file and prints a
// summary of what it defines.
func RunConfigValidate(out io.Writer, configPath string, options ValidateOptions) error {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Fprintf(out, "Configuration %s is valid: %d connections, %d facilities.\n",
		configPath, len(cfg.Connections), len(cfg.Facilities))
	if !options.Verbose {
		return nil
	}

	policy := cfg.Policy()
	fmt.Fprintf(out, "\nNetworking enabled: %t\n", policy.Enabled)
	if len(cfg.DisabledNetworkTypes) > 0 {
		fmt.Fprintf(out, "Disabled network types: %s\n", strings.Join(cfg.DisabledNetworkTypes, ", "))
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "\nCONNECTION\tPLUGIN\tTYPE\tPRIORITY\tAUTO\tFACILITIES")
	for _, desc := range cfg.ConnectionDescriptors() {
		names := make([]string, len(desc.Facilities))
		for i, f := range desc.Facilities {
			names[i] = f.Name
		}
		typ := string(desc.NetworkType)
		if typ == "" {
			typ = "(plugin)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%t\t%s\n",
			desc.ID, desc.Plugin, typ, desc.Priority, desc.AutoActivate, strings.Join(names, ","))
	}
	if len(cfg.Facilities) > 0 {
		fmt.Fprintln(w, "\nFACILITY\tPRIORITY\tCOMMAND")
		for _, f := range cfg.Facilities {
			fmt.Fprintf(w, "%s\t%d\t%s %s\n", f.Name, *f.Priority, f.Exec, strings.Join(f.Args, " "))
		}
	}
	return w.Flush()
}
