// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dns

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/miekg/dns"

	"grimm.is/uplink/internal/logging"
)

// DefaultDnsmasqPath is where dnsmasq is looked up when no path is configured.
const DefaultDnsmasqPath = "/usr/sbin/dnsmasq"

// DnsmasqRunner runs dnsmasq in the foreground on 127.0.0.1.
type DnsmasqRunner struct {
	Path   string
	Logger *logging.Logger

	// StopTimeout is the grace period between SIGTERM and SIGKILL.
	StopTimeout time.Duration
}

type dnsmasqProcess struct {
	cmd     *exec.Cmd
	done    chan struct{}
	timeout time.Duration
}

// Start launches dnsmasq and waits until it answers queries or ctx ends.
func (d *DnsmasqRunner) Start(ctx context.Context, spec RunSpec) (Process, error) {
	path := d.Path
	if path == "" {
		path = DefaultDnsmasqPath
	}
	logger := d.Logger
	if logger == nil {
		logger = logging.WithComponent("dnsmasq")
	}

	cmd := exec.Command(path,
		"--keep-in-foreground",
		"--port="+strconv.Itoa(spec.Port),
		"--conf-file="+spec.ConfigPath,
		"--pid-file="+spec.PIDFile,
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start dnsmasq: %w", err)
	}

	p := &dnsmasqProcess{cmd: cmd, done: make(chan struct{}), timeout: d.StopTimeout}
	if p.timeout == 0 {
		p.timeout = 3 * time.Second
	}
	go func() {
		cmd.Wait()
		close(p.done)
	}()

	if err := waitReady(ctx, spec.Port, p.done); err != nil {
		p.Stop()
		return nil, err
	}
	logger.Debug("dnsmasq ready", "pid", cmd.Process.Pid, "port", spec.Port)
	return p, nil
}

func (p *dnsmasqProcess) Stop() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return err
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(p.timeout):
		p.cmd.Process.Kill()
		<-p.done
		return fmt.Errorf("dnsmasq did not exit within %s", p.timeout)
	}
}

// waitReady polls the resolver until any DNS reply arrives. A reply of any
// rcode means the listener is up.
func waitReady(ctx context.Context, port int, exited <-chan struct{}) error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	client := &dns.Client{Net: "udp", Timeout: 200 * time.Millisecond}
	msg := new(dns.Msg)
	msg.SetQuestion("localhost.", dns.TypeA)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, _, err := client.ExchangeContext(ctx, msg, addr); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("dnsmasq not ready on %s: %w", addr, ctx.Err())
		case <-exited:
			return fmt.Errorf("dnsmasq exited before becoming ready")
		case <-ticker.C:
		}
	}
}

// FreeLocalPort returns a TCP port on 127.0.0.1 that was free at the time of
// the call.
func FreeLocalPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
