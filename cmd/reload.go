// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"fmt"
	"io"
	"syscall"

	"grimm.is/uplink/internal/config"
)

// RunReload triggers a configuration reload on the running daemon.
// It first validates the configuration file to prevent bad loads.
func RunReload(out io.Writer, configFile string) error {
	fmt.Fprintf(out, "Validating configuration: %s\n", configFile)
	if _, err := config.LoadFile(configFile); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	fmt.Fprintln(out, "Configuration is valid.")

	pid, err := signalDaemon(syscall.SIGHUP)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Reload signal sent to process %d.\n", pid)
	return nil
}
