// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package hostmanager

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_Lifecycle(t *testing.T) {
	m := New(nil)

	require.NoError(t, m.HostNew("vpn/1", 20, "intranet", "10.0.0.10"))
	require.NoError(t, m.HostNew("lan/1", 40, "intranet", "192.168.1.10"))
	assert.Error(t, m.HostNew("vpn/1", 20, "other", "10.0.0.11"))

	addr, ok := m.Lookup("intranet")
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("10.0.0.10"), addr)

	require.NoError(t, m.HostUpdate("vpn/1", "10.0.0.20"))
	addr, _ = m.Lookup("intranet")
	assert.Equal(t, netip.MustParseAddr("10.0.0.20"), addr)

	require.NoError(t, m.HostDelete("vpn/1"))
	addr, _ = m.Lookup("intranet")
	assert.Equal(t, netip.MustParseAddr("192.168.1.10"), addr)

	assert.Error(t, m.HostDelete("vpn/1"))
	assert.Error(t, m.HostUpdate("missing", "10.0.0.1"))
	assert.Len(t, m.Hosts(), 1)
}

func TestManager_RejectsBadAddress(t *testing.T) {
	m := New(nil)
	assert.Error(t, m.HostNew("a", 10, "printer", "not-an-ip"))
	assert.Error(t, m.HostNew("b", 10, "", "10.0.0.1"))
	_, ok := m.Lookup("printer")
	assert.False(t, ok)
}
