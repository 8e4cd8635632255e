// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package probe checks that a freshly configured connection can reach a
// host before the connection is reported as activated.
//
//	probe {
//	  host    = "192.0.2.1"
//	  count   = 3
//	  timeout = "2s"
//	}
package probe

import (
	"context"
	"fmt"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"grimm.is/uplink/internal/errors"
)

const (
	DefaultCount   = 3
	DefaultTimeout = 3 * time.Second
)

// Config is the probe block of a plugin.
type Config struct {
	Host    string `hcl:"host"`
	Count   int    `hcl:"count,optional"`
	Timeout string `hcl:"timeout,optional"`

	// Privileged selects raw ICMP sockets instead of unprivileged ping
	// sockets.
	Privileged bool `hcl:"privileged,optional"`
}

// Pinger sends echo requests and reports how many replies arrived.
type Pinger interface {
	Ping(ctx context.Context, host string, count int, timeout time.Duration, privileged bool) (int, error)
}

// Prober is a validated probe configuration.
type Prober struct {
	host       string
	count      int
	timeout    time.Duration
	privileged bool
	pinger     Pinger
}

// New validates cfg. A nil cfg yields a nil Prober, whose Check always
// succeeds.
func New(cfg *Config, pinger Pinger) (*Prober, error) {
	if cfg == nil {
		return nil, nil
	}
	if cfg.Host == "" {
		return nil, errors.New(errors.KindValidation, "probe host is required")
	}
	p := &Prober{
		host:       cfg.Host,
		count:      cfg.Count,
		timeout:    DefaultTimeout,
		privileged: cfg.Privileged,
		pinger:     pinger,
	}
	if p.count <= 0 {
		p.count = DefaultCount
	}
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil || d <= 0 {
			return nil, errors.Errorf(errors.KindValidation, "invalid probe timeout %q", cfg.Timeout)
		}
		p.timeout = d
	}
	if p.pinger == nil {
		p.pinger = ICMP{}
	}
	return p, nil
}

// Check succeeds once any reply arrives.
func (p *Prober) Check(ctx context.Context) error {
	if p == nil {
		return nil
	}
	recv, err := p.pinger.Ping(ctx, p.host, p.count, p.timeout, p.privileged)
	if err != nil {
		return errors.Wrapf(err, errors.KindNotAvailable, "probe of %s failed", p.host)
	}
	if recv == 0 {
		return errors.Attr(errors.Errorf(errors.KindNotAvailable, "no reply from %s", p.host), "count", p.count)
	}
	return nil
}

// ICMP pings with pro-bing.
type ICMP struct{}

func (ICMP) Ping(ctx context.Context, host string, count int, timeout time.Duration, privileged bool) (int, error) {
	pinger, err := probing.NewPinger(host)
	if err != nil {
		return 0, fmt.Errorf("failed to create pinger: %w", err)
	}
	pinger.Count = count
	pinger.Timeout = timeout
	pinger.SetPrivileged(privileged)

	if err := pinger.RunWithContext(ctx); err != nil {
		return 0, err
	}
	return pinger.Statistics().PacketsRecv, nil
}
