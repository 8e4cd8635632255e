// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads the daemon configuration from HCL or JSON.
package config

import (
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl/v2"

	"grimm.is/uplink/internal/brand"
	"grimm.is/uplink/internal/connection"
	"grimm.is/uplink/internal/logging"
)

// CurrentSchemaVersion defines the current schema version of the configuration.
const CurrentSchemaVersion = "1.0"

const (
	// DefaultFactPriority applies to facts reported by connection plugins.
	DefaultFactPriority = 50

	DefaultFirewallTable = "uplink"
	DefaultProbeTimeout  = 5 * time.Second
)

// Config is the top-level daemon configuration.
type Config struct {
	// Schema version for backward compatibility.
	// @default: "1.0"
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty"`

	// Global networking switch. When false no connection is activated.
	// @default: true
	Enabled *bool `hcl:"enabled,optional" json:"enabled,omitempty"`

	// Network types that may not be activated (wired, wireless, mobile).
	DisabledNetworkTypes []string `hcl:"disabled_network_types,optional" json:"disabled_network_types,omitempty"`

	// Directory for generated resolver configuration and pid files.
	// @default: "/run/uplink"
	StateDir string `hcl:"state_dir,optional" json:"state_dir,omitempty"`

	// System resolver file pointed at the local forwarder during transitions.
	// @default: "/etc/resolv.conf"
	ResolvConf string `hcl:"resolv_conf,optional" json:"resolv_conf,omitempty"`

	// @default: "127.0.0.1"
	PlaceholderNameserver string `hcl:"placeholder_nameserver,optional" json:"placeholder_nameserver,omitempty"`

	// Merge priority of the plugin's own facts. Lower wins.
	// @default: 50
	FactPriority *int `hcl:"fact_priority,optional" json:"fact_priority,omitempty"`

	Logging     *LoggingConfig  `hcl:"logging,block" json:"logging,omitempty"`
	Resolver    *ResolverConfig `hcl:"resolver,block" json:"resolver,omitempty"`
	Firewall    *FirewallConfig `hcl:"firewall,block" json:"firewall,omitempty"`
	Metrics     *MetricsConfig  `hcl:"metrics,block" json:"metrics,omitempty"`
	Connections []Connection    `hcl:"connection,block" json:"connection,omitempty"`
	Facilities  []Facility      `hcl:"facility,block" json:"facility,omitempty"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// @enum: debug, info, warn, error
	Level  string                `hcl:"level,optional" json:"level,omitempty"`
	JSON   bool                  `hcl:"json,optional" json:"json,omitempty"`
	Syslog *logging.SyslogConfig `hcl:"syslog,block" json:"syslog,omitempty"`
}

// ResolverConfig configures the local caching forwarder.
type ResolverConfig struct {
	// @default: "/usr/sbin/dnsmasq"
	Binary string `hcl:"binary,optional" json:"binary,omitempty"`
	// Time to wait for the forwarder to answer after a restart.
	// @default: "5s"
	ProbeTimeout string `hcl:"probe_timeout,optional" json:"probe_timeout,omitempty"`
}

// FirewallConfig configures the gateway rules table.
type FirewallConfig struct {
	// @default: "uplink"
	Table string `hcl:"table,optional" json:"table,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen address, for example "127.0.0.1:9105". Empty disables it.
	Listen string `hcl:"listen,optional" json:"listen,omitempty"`
}

// Connection describes one managed connection.
type Connection struct {
	ID     string `hcl:"id,label" json:"id"`
	Name   string `hcl:"name,optional" json:"name,omitempty"`
	Plugin string `hcl:"plugin" json:"plugin"`

	// Overrides the plugin's network type.
	// @enum: wired, wireless, mobile
	NetworkType string `hcl:"network_type,optional" json:"network_type,omitempty"`

	// Arbitration priority within the network type, 0 to 10. Lower wins.
	Priority *int `hcl:"priority,optional" json:"priority,omitempty"`

	// @default: true
	AutoActivate *bool `hcl:"auto_activate,optional" json:"auto_activate,omitempty"`

	// Facilities started while this connection is active. Unset selects
	// every configured facility.
	Facilities []string `hcl:"facilities,optional" json:"facilities,omitempty"`

	// Plugin specific settings.
	Options hcl.Body `hcl:",remain" json:"-"`
}

// Facility describes one traffic facility executable.
type Facility struct {
	Name string   `hcl:"name,label" json:"name"`
	Exec string   `hcl:"exec" json:"exec"`
	Args []string `hcl:"args,optional" json:"args,omitempty"`

	// Merge priority of the facility's facts. Lower wins.
	Priority *int `hcl:"priority,optional" json:"priority,omitempty"`

	// Substituted for ${CFG_DIR} in args.
	// @default: "/etc/uplink/facilities/<name>"
	ConfigDir string `hcl:"config_dir,optional" json:"config_dir,omitempty"`
}

// ApplyDefaults fills every unset optional field.
func (c *Config) ApplyDefaults() {
	if c.SchemaVersion == "" {
		c.SchemaVersion = CurrentSchemaVersion
	}
	if c.Enabled == nil {
		c.Enabled = boolPtr(true)
	}
	if c.StateDir == "" {
		c.StateDir = brand.GetRunDir()
	}
	if c.ResolvConf == "" {
		c.ResolvConf = "/etc/resolv.conf"
	}
	if c.PlaceholderNameserver == "" {
		c.PlaceholderNameserver = "127.0.0.1"
	}
	if c.FactPriority == nil {
		c.FactPriority = intPtr(DefaultFactPriority)
	}
	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Resolver == nil {
		c.Resolver = &ResolverConfig{}
	}
	if c.Resolver.Binary == "" {
		c.Resolver.Binary = "/usr/sbin/dnsmasq"
	}
	if c.Resolver.ProbeTimeout == "" {
		c.Resolver.ProbeTimeout = DefaultProbeTimeout.String()
	}
	if c.Firewall == nil {
		c.Firewall = &FirewallConfig{}
	}
	if c.Firewall.Table == "" {
		c.Firewall.Table = DefaultFirewallTable
	}
	if c.Metrics == nil {
		c.Metrics = &MetricsConfig{}
	}

	for i := range c.Connections {
		if c.Connections[i].AutoActivate == nil {
			c.Connections[i].AutoActivate = boolPtr(true)
		}
	}
	for i := range c.Facilities {
		f := &c.Facilities[i]
		if f.ConfigDir == "" {
			f.ConfigDir = filepath.Join(brand.DefaultConfigDir, "facilities", f.Name)
		}
	}
}

// Policy derives the arbitration policy.
func (c *Config) Policy() connection.Policy {
	p := connection.Policy{Enabled: c.Enabled == nil || *c.Enabled}
	for _, name := range c.DisabledNetworkTypes {
		if t, err := connection.ParseNetworkType(name); err == nil {
			p.DisabledTypes = append(p.DisabledTypes, t)
		}
	}
	return p
}

// LogConfig derives the logger configuration.
func (c *Config) LogConfig() (logging.Config, error) {
	cfg := logging.DefaultConfig()
	if c.Logging == nil {
		return cfg, nil
	}
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return cfg, err
	}
	cfg.Level = level
	cfg.JSON = c.Logging.JSON
	if c.Logging.Syslog != nil {
		cfg.Syslog = *c.Logging.Syslog
	}
	return cfg, nil
}

// ProbeTimeout returns the parsed resolver probe timeout.
func (c *Config) ProbeTimeout() time.Duration {
	if c.Resolver == nil {
		return DefaultProbeTimeout
	}
	d, err := time.ParseDuration(c.Resolver.ProbeTimeout)
	if err != nil || d <= 0 {
		return DefaultProbeTimeout
	}
	return d
}

// Facility returns the facility named name.
func (c *Config) Facility(name string) (Facility, bool) {
	for _, f := range c.Facilities {
		if f.Name == name {
			return f, true
		}
	}
	return Facility{}, false
}

func boolPtr(b bool) *bool { return &b }
func intPtr(i int) *int { return &i }
