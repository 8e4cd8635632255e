// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/uplink/internal/connection"
	"grimm.is/uplink/internal/errors"
	_ "grimm.is/uplink/internal/plugin/static"
)

const sample = `
schema_version         = "1.0"
disabled_network_types = ["mobile"]
state_dir              = "/tmp/uplink"

logging {
  level = "debug"
}

resolver {
  probe_timeout = "2s"
}

facility "vpn" {
  exec     = "/usr/lib/uplink/facilities/vpn"
  args     = ["--config", "${CFG_DIR}/vpn.conf"]
  priority = 20
}

facility "lan" {
  exec     = "/usr/lib/uplink/facilities/lan"
  priority = 40
}

connection "office" {
  name         = "Office LAN"
  plugin       = "static"
  network_type = "wired"
  priority     = 1
  facilities   = ["vpn"]

  interface = "eth0"
  default_gateway {
    next_hop = "192.168.1.1"
  }
}

connection "hotspot" {
  plugin        = "static"
  network_type  = "wireless"
  priority      = 5
  auto_activate = false
}
`

func TestLoad_HCL(t *testing.T) {
	cfg, err := Load([]byte(sample), "uplink.hcl")
	require.NoError(t, err)

	assert.True(t, *cfg.Enabled)
	assert.Equal(t, DefaultFactPriority, *cfg.FactPriority)
	assert.Equal(t, "/tmp/uplink", cfg.StateDir)
	assert.Equal(t, "/usr/sbin/dnsmasq", cfg.Resolver.Binary)
	assert.Equal(t, "2s", cfg.ProbeTimeout().String())
	assert.Equal(t, DefaultFirewallTable, cfg.Firewall.Table)

	logCfg, err := cfg.LogConfig()
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", logCfg.Level.String())

	p := cfg.Policy()
	assert.True(t, p.TypeEnabled(connection.Wired))
	assert.False(t, p.TypeEnabled(connection.Mobile))

	descs := cfg.ConnectionDescriptors()
	require.Len(t, descs, 2)

	office := descs[0]
	assert.Equal(t, "office", office.ID)
	assert.Equal(t, "Office LAN", office.Name)
	assert.Equal(t, connection.Wired, office.NetworkType)
	assert.Equal(t, 1, office.Priority)
	assert.True(t, office.AutoActivate)
	require.Len(t, office.Facilities, 1)
	assert.Equal(t, "vpn", office.Facilities[0].Name)
	assert.Equal(t, 20, office.Facilities[0].Priority)
	assert.Equal(t, "/etc/uplink/facilities/vpn", office.Facilities[0].ConfigDir)
	assert.Equal(t, []string{"--config", "/etc/uplink/facilities/vpn/vpn.conf"}, office.Facilities[0].Argv())
	assert.NotNil(t, office.Options)

	hotspot := descs[1]
	assert.False(t, hotspot.AutoActivate)
	assert.Len(t, hotspot.Facilities, 2, "no facilities list selects all")
}

func TestLoad_JSON(t *testing.T) {
	src := `{
  "fact_priority": 30,
  "facility": {"vpn": {"exec": "/bin/vpn", "priority": 20}},
  "connection": {"office": {"plugin": "static", "priority": 2, "interface": "eth0"}}
}`
	cfg, err := Load([]byte(src), "uplink.json")
	require.NoError(t, err)
	assert.Equal(t, 30, *cfg.FactPriority)
	require.Len(t, cfg.Connections, 1)
	assert.Equal(t, 2, *cfg.Connections[0].Priority)
	assert.Equal(t, "vpn", cfg.Facilities[0].Name)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uplink.conf")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Connections, 2)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.hcl"))
	assert.Equal(t, errors.KindNotFound, errors.GetKind(err))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantErr string
	}{
		{
			name:    "missing priority",
			src:     `connection "a" { plugin = "static" }`,
			wantErr: "connection.a.priority: is required",
		},
		{
			name: "priority out of range",
			src: `connection "a" {
  plugin   = "static"
  priority = 11
}`,
			wantErr: "must be between 0 and 10",
		},
		{
			name: "unknown plugin",
			src: `connection "a" {
  plugin   = "dialup"
  priority = 1
}`,
			wantErr: `unknown plugin "dialup"`,
		},
		{
			name: "unknown facility",
			src: `connection "a" {
  plugin     = "static"
  priority   = 1
  facilities = ["nope"]
}`,
			wantErr: `unknown facility "nope"`,
		},
		{
			name: "bad network type",
			src: `connection "a" {
  plugin       = "static"
  priority     = 1
  network_type = "carrier-pigeon"
}`,
			wantErr: "unknown network type",
		},
		{
			name: "duplicate connection",
			src: `connection "a" {
  plugin   = "static"
  priority = 1
}
connection "a" {
  plugin   = "static"
  priority = 2
}`,
			wantErr: "duplicate connection",
		},
		{
			name: "facility priority required",
			src: `facility "vpn" {
  exec = "/bin/vpn"
}`,
			wantErr: "facility.vpn.priority: is required",
		},
		{
			name: "facility priority range",
			src: `facility "vpn" {
  exec     = "/bin/vpn"
  priority = 101
}`,
			wantErr: "must be between 0 and 100",
		},
		{
			name:    "fact priority range",
			src:     `fact_priority = -1`,
			wantErr: "fact_priority",
		},
		{
			name:    "disabled type",
			src:     `disabled_network_types = ["satellite"]`,
			wantErr: "disabled_network_types",
		},
		{
			name:    "bad metrics listen",
			src:     `metrics { listen = "9105" }`,
			wantErr: "metrics.listen",
		},
		{
			name:    "newer schema",
			src:     `schema_version = "9.0"`,
			wantErr: "not supported",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.src), "test.hcl")
			require.Error(t, err)
			assert.Equal(t, errors.KindValidation, errors.GetKind(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestPolicy_Disabled(t *testing.T) {
	cfg, err := Load([]byte(`enabled = false`), "test.hcl")
	require.NoError(t, err)
	p := cfg.Policy()
	assert.False(t, p.Enabled)
	assert.False(t, p.TypeEnabled(connection.Wired))
}
