// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package resolvconf owns the system resolver file while a connection is
// being brought up or torn down.
package resolvconf

import (
	"fmt"
	"net/netip"
	"os"

	"grimm.is/uplink/internal/brand"
	"grimm.is/uplink/internal/errors"
)

const (
	DefaultPath       = "/etc/resolv.conf"
	DefaultNameserver = "127.0.0.1"
)

// Placeholder points system DNS resolution at the local forwarder.
// Acquire and Release are only ever called by the single activation in
// flight, so no locking is needed.
type Placeholder struct {
	Path       string
	Nameserver netip.Addr
}

// New returns a placeholder for path. Empty arguments select the defaults.
func New(path, nameserver string) (*Placeholder, error) {
	if path == "" {
		path = DefaultPath
	}
	if nameserver == "" {
		nameserver = DefaultNameserver
	}
	addr, err := netip.ParseAddr(nameserver)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindValidation, "invalid placeholder nameserver %q", nameserver)
	}
	return &Placeholder{Path: path, Nameserver: addr}, nil
}

// Content returns the text written by Acquire.
func (p *Placeholder) Content() string {
	return fmt.Sprintf("# Generated by %s\nnameserver %s\n", brand.LowerName, p.Nameserver)
}

// Acquire writes the placeholder.
func (p *Placeholder) Acquire() error {
	if err := os.WriteFile(p.Path, []byte(p.Content()), 0644); err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to write resolver placeholder")
	}
	return nil
}

// Release empties the file. It is safe to call without a prior Acquire.
func (p *Placeholder) Release() error {
	if err := os.WriteFile(p.Path, nil, 0644); err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to clear resolver placeholder")
	}
	return nil
}
