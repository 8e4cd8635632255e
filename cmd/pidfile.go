// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"grimm.is/uplink/internal/brand"
)

// PIDFile returns the daemon pid file path.
func PIDFile() string {
	return filepath.Join(brand.GetRunDir(), brand.LowerName+".pid")
}

func writePIDFile(path string) error {
	if pid, err := readPIDFile(path); err == nil && processAlive(pid) {
		return fmt.Errorf("process already running (PID: %d)", pid)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pidStr := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %s", pidStr)
	}
	return pid, nil
}

func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// signalDaemon sends sig to the process named in the pid file.
func signalDaemon(sig syscall.Signal) (int, error) {
	path := PIDFile()
	pid, err := readPIDFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("no PID file found at %s (is the daemon running?)", path)
		}
		return 0, err
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return pid, fmt.Errorf("failed to find process %d: %w", pid, err)
	}
	if err := process.Signal(sig); err != nil {
		return pid, fmt.Errorf("failed to signal process %d: %w", pid, err)
	}
	return pid, nil
}
