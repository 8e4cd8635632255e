// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package facility

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/uplink/internal/errors"
	"grimm.is/uplink/internal/facts"
)

// recordingSink records calls as strings.
type recordingSink struct {
	calls []string
	fail  error
}

func (s *recordingSink) rec(format string, args ...any) error {
	s.calls = append(s.calls, fmt.Sprintf(format, args...))
	return s.fail
}

func (s *recordingSink) HostNew(id string, priority int, hostname, address string) error {
	return s.rec("host-new %s %d %s %s", id, priority, hostname, address)
}
func (s *recordingSink) HostUpdate(id, address string) error {
	return s.rec("host-update %s %s", id, address)
}
func (s *recordingSink) HostDelete(id string) error { return s.rec("host-delete %s", id) }
func (s *recordingSink) NameserverNew(id string, priority int, targets, domains []string) error {
	return s.rec("ns-new %s %d %v %v", id, priority, targets, domains)
}
func (s *recordingSink) NameserverNewDefault(id string, priority int, targets []string) error {
	return s.rec("ns-default %s %d %v", id, priority, targets)
}
func (s *recordingSink) NameserverUpdate(id string, domains []string) error {
	return s.rec("ns-update %s %v", id, domains)
}
func (s *recordingSink) NameserverDelete(id string) error { return s.rec("ns-delete %s", id) }
func (s *recordingSink) GatewayNew(id string, priority int, target facts.GatewayTarget, networks []string) error {
	return s.rec("gw-new %s %d %s %v", id, priority, target, networks)
}
func (s *recordingSink) GatewayNewDefault(id string, priority int, target facts.GatewayTarget) error {
	return s.rec("gw-default %s %d %s", id, priority, target)
}
func (s *recordingSink) GatewayUpdate(id string, networks []string) error {
	return s.rec("gw-update %s %v", id, networks)
}
func (s *recordingSink) GatewayDelete(id string) error { return s.rec("gw-delete %s", id) }

func mustEvent(t *testing.T, line string) Event {
	t.Helper()
	ev, err := ParseEvent([]byte(line))
	require.NoError(t, err)
	return ev
}

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name string
		line string
		ok   bool
	}{
		{"new nameserver", `{"operation":"new","id":"1","type":"nameserver","data":{"target":["10.0.0.53"],"domain-list":["corp"]}}`, true},
		{"delete", `{"operation":"delete","id":"1"}`, true},
		{"update", `{"operation":"update","id":"1","data":{"domain-list":[]}}`, true},
		{"not json", `nameserver 1.1.1.1`, false},
		{"missing id", `{"operation":"delete"}`, false},
		{"bad operation", `{"operation":"replace","id":"1"}`, false},
		{"bad type", `{"operation":"new","id":"1","type":"route","data":{}}`, false},
		{"new without data", `{"operation":"new","id":"1","type":"host"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEvent([]byte(tt.line))
			if tt.ok {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Equal(t, errors.KindProtocol, errors.GetKind(err))
			}
		})
	}
}

func TestRouter_Lifecycle(t *testing.T) {
	sink := &recordingSink{}
	r := NewRouter(sink, nil, nil)

	require.NoError(t, r.Dispatch("vpn", 20, mustEvent(t,
		`{"operation":"new","id":"1","type":"nameserver","data":{"target":["10.0.0.53"],"domain-list":["corp.example"]}}`)))
	require.NoError(t, r.Dispatch("vpn", 20, mustEvent(t,
		`{"operation":"new","id":"2","type":"gateway","data":{"target":["10.8.0.1","tun0"],"network-list":["10.0.0.0/8"]}}`)))
	require.NoError(t, r.Dispatch("vpn", 20, mustEvent(t,
		`{"operation":"update","id":"1","data":{"domain-list":["corp.example","lab.example"]}}`)))
	require.NoError(t, r.Dispatch("vpn", 20, mustEvent(t, `{"operation":"delete","id":"2"}`)))

	assert.Equal(t, []string{
		"ns-new fac:vpn:1 20 [10.0.0.53] [corp.example]",
		"gw-new fac:vpn:2 20 via 10.8.0.1 dev tun0 [10.0.0.0/8]",
		"ns-update fac:vpn:1 [corp.example lab.example]",
		"gw-delete fac:vpn:2",
	}, sink.calls)
	assert.Equal(t, []string{"1"}, r.Facts("vpn"))
}

func TestRouter_SourcesDoNotCollide(t *testing.T) {
	sink := &recordingSink{}
	r := NewRouter(sink, nil, nil)

	ev := mustEvent(t, `{"operation":"new","id":"1","type":"host","data":{"hostname":"nas","address":"10.0.0.2"}}`)
	require.NoError(t, r.Dispatch("vpn", 20, ev))
	require.NoError(t, r.Dispatch("lan", 40, ev))
	assert.Equal(t, []string{
		"host-new fac:vpn:1 20 nas 10.0.0.2",
		"host-new fac:lan:1 40 nas 10.0.0.2",
	}, sink.calls)
}

func TestRouter_Violations(t *testing.T) {
	sink := &recordingSink{}
	r := NewRouter(sink, nil, nil)

	newNS := mustEvent(t, `{"operation":"new","id":"1","type":"default-nameserver","data":{"target":["10.0.0.53"]}}`)
	require.NoError(t, r.Dispatch("vpn", 20, newNS))

	tests := []struct {
		name string
		ev   Event
	}{
		{"duplicate new", newNS},
		{"update unknown", mustEvent(t, `{"operation":"update","id":"9","data":{"address":"10.0.0.1"}}`)},
		{"delete unknown", mustEvent(t, `{"operation":"delete","id":"9"}`)},
		{"update default", mustEvent(t, `{"operation":"update","id":"1","data":{"domain-list":[]}}`)},
		{"bad payload", mustEvent(t, `{"operation":"new","id":"5","type":"gateway","data":{"target":"nope"}}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Dispatch("vpn", 20, tt.ev)
			require.Error(t, err)
			assert.Equal(t, errors.KindProtocol, errors.GetKind(err))
		})
	}

	sink.fail = errors.New(errors.KindValidation, "bad address")
	err := r.Dispatch("vpn", 20, mustEvent(t, `{"operation":"new","id":"7","type":"host","data":{"hostname":"x","address":"y"}}`))
	require.Error(t, err)
	assert.Equal(t, errors.KindProtocol, errors.GetKind(err))
	assert.Equal(t, []string{"1"}, r.Facts("vpn"), "rejected fact is not tracked")
}

func TestRouter_Withdraw(t *testing.T) {
	sink := &recordingSink{}
	r := NewRouter(sink, nil, nil)

	require.NoError(t, r.Dispatch("vpn", 20, mustEvent(t,
		`{"operation":"new","id":"b","type":"default-gateway","data":{"target":["10.8.0.1","tun0"]}}`)))
	require.NoError(t, r.Dispatch("vpn", 20, mustEvent(t,
		`{"operation":"new","id":"a","type":"host","data":{"hostname":"nas","address":"10.0.0.2"}}`)))
	require.NoError(t, r.Dispatch("lan", 40, mustEvent(t,
		`{"operation":"new","id":"a","type":"host","data":{"hostname":"nas","address":"10.0.0.3"}}`)))
	sink.calls = nil

	assert.Equal(t, 2, r.Withdraw("vpn"))
	assert.Equal(t, []string{"host-delete fac:vpn:a", "gw-delete fac:vpn:b"}, sink.calls)
	assert.Empty(t, r.Facts("vpn"))
	assert.Equal(t, []string{"a"}, r.Facts("lan"))
}
