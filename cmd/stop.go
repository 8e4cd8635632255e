// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"grimm.is/uplink/internal/brand"
)

// RunStop stops the daemon and waits for it to remove its pid file.
func RunStop(out io.Writer, timeout time.Duration) error {
	pid, err := signalDaemon(syscall.SIGTERM)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Stopping %s (PID: %d)...\n", brand.Name, pid)

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(PIDFile()); os.IsNotExist(err) {
			fmt.Fprintln(out, "Stopped.")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Fprintln(out, "Warning: PID file still exists. Process might be stuck or slow to shutdown.")
	return nil
}
