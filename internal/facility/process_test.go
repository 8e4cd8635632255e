// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package facility

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/uplink/internal/errors"
)

type collector struct {
	mu     sync.Mutex
	events []Event
	closed chan error
}

func newCollector() *collector {
	return &collector{closed: make(chan error, 1)}
}

func (c *collector) handlers() Handlers {
	return Handlers{
		Event: func(ev Event) {
			c.mu.Lock()
			c.events = append(c.events, ev)
			c.mu.Unlock()
		},
		Closed: func(err error) { c.closed <- err },
	}
}

func (c *collector) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-c.closed:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("facility stream did not close")
		return nil
	}
}

func shell(name, script string) Descriptor {
	return Descriptor{Name: name, Exec: "/bin/sh", Args: []string{"-c", script}, Priority: 30}
}

func TestDescriptor_Argv(t *testing.T) {
	d := Descriptor{Args: []string{"--config", "${CFG_DIR}/vpn.conf", "-v"}, ConfigDir: "/etc/uplink/facilities/vpn"}
	assert.Equal(t, []string{"--config", "/etc/uplink/facilities/vpn/vpn.conf", "-v"}, d.Argv())
}

func TestProcess_StreamsEventsThenCloses(t *testing.T) {
	c := newCollector()
	p, err := Start(shell("vpn", `
echo '{"operation":"new","id":"1","type":"host","data":{"hostname":"nas","address":"10.0.0.2"}}'
echo ''
echo 'diagnostic' >&2
echo '{"operation":"delete","id":"1"}'
`), c.handlers(), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, p.Session())

	err = c.wait(t)
	require.Error(t, err)
	assert.Equal(t, errors.KindProtocol, errors.GetKind(err))

	<-p.Done()
	assert.False(t, p.Exit().IsCrash())

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.events, 2)
	assert.Equal(t, OpNew, c.events[0].Operation)
	assert.Equal(t, OpDelete, c.events[1].Operation)
}

func TestProcess_MalformedLineClosesImmediately(t *testing.T) {
	c := newCollector()
	p, err := Start(shell("vpn", `echo 'garbage'; sleep 30`), c.handlers(), nil)
	require.NoError(t, err)

	err = c.wait(t)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed event")

	select {
	case <-p.Done():
		t.Fatal("process should still be running")
	default:
	}

	require.NoError(t, p.Stop())
	<-p.Done()
	assert.False(t, p.Exit().IsCrash(), "requested stop is not a crash")
}

func TestProcess_StopRunning(t *testing.T) {
	c := newCollector()
	p, err := Start(shell("vpn", `sleep 30`), c.handlers(), nil)
	require.NoError(t, err)

	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())
	assert.Error(t, c.wait(t))
	assert.True(t, p.Exit().Requested)
}

func TestProcess_StopWithBlockedHandler(t *testing.T) {
	queue := make(chan Event, 1)
	closed := make(chan error, 1)
	p, err := Start(shell("vpn", `
i=0
while [ $i -lt 10 ]; do
  echo '{"operation":"new","id":"'$i'","type":"host","data":{"hostname":"h","address":"10.0.0.2"}}'
  i=$((i+1))
done
sleep 30
`), Handlers{
		Event:  func(ev Event) { queue <- ev },
		Closed: func(err error) { closed <- err },
	}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(queue) == 1 }, 5*time.Second, 10*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(defaultStopGrace + 2*time.Second):
		t.Fatal("Stop waited on a blocked event handler")
	}
	assert.True(t, p.Exit().Requested)

	// Unblocking the handler lets the reader finish; the rest is dropped.
	<-queue
	select {
	case err := <-closed:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("facility stream did not close")
	}
	assert.LessOrEqual(t, len(queue), 1)
}

func TestProcess_CrashIsClassified(t *testing.T) {
	c := newCollector()
	p, err := Start(shell("vpn", `exit 7`), c.handlers(), nil)
	require.NoError(t, err)

	c.wait(t)
	assert.Equal(t, 7, p.Exit().ExitCode)
	assert.True(t, p.Exit().IsCrash())
}

func TestProcess_MissingExecutable(t *testing.T) {
	_, err := Start(Descriptor{Name: "ghost", Exec: "/nonexistent/facility"}, Handlers{}, nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindStartup, errors.GetKind(err))
}
