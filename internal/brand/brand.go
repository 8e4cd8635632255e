// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package brand holds product naming and default filesystem locations.
package brand

import (
	"os"
	"path/filepath"
)

const (
	Name           = "Uplink"
	LowerName      = "uplink"
	BinaryName     = "uplinkd"
	ConfigFileName = "uplink.hcl"

	DefaultConfigDir = "/etc/uplink"
	DefaultRunDir    = "/run/uplink"
	DefaultLibDir    = "/usr/lib/uplink"
)

// Version is set at build time with -ldflags "-X grimm.is/uplink/internal/brand.Version=...".
var Version = "dev"

// GetRunDir returns the runtime directory, honouring UPLINK_RUN_DIR.
func GetRunDir() string {
	if d := os.Getenv("UPLINK_RUN_DIR"); d != "" {
		return d
	}
	return DefaultRunDir
}

// DefaultConfigPath returns the configuration file used when none is given.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir, ConfigFileName)
}
