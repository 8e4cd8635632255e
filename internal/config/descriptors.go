// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"grimm.is/uplink/internal/connection"
	"grimm.is/uplink/internal/facility"
)

// FacilityDescriptors returns the facilities started for conn, in
// configuration order.
func (c *Config) FacilityDescriptors(conn Connection) []facility.Descriptor {
	var out []facility.Descriptor
	add := func(f Facility) {
		d := facility.Descriptor{
			Name:      f.Name,
			Exec:      f.Exec,
			Args:      f.Args,
			ConfigDir: f.ConfigDir,
		}
		if f.Priority != nil {
			d.Priority = *f.Priority
		}
		out = append(out, d)
	}

	if conn.Facilities == nil {
		for _, f := range c.Facilities {
			add(f)
		}
		return out
	}
	for _, name := range conn.Facilities {
		if f, ok := c.Facility(name); ok {
			add(f)
		}
	}
	return out
}

// ConnectionDescriptors converts the validated connection blocks.
func (c *Config) ConnectionDescriptors() []connection.Descriptor {
	out := make([]connection.Descriptor, 0, len(c.Connections))
	for _, conn := range c.Connections {
		d := connection.Descriptor{
			ID:         conn.ID,
			Name:       conn.Name,
			Plugin:     conn.Plugin,
			Facilities: c.FacilityDescriptors(conn),
			Options:    conn.Options,
		}
		if conn.Priority != nil {
			d.Priority = *conn.Priority
		}
		if conn.AutoActivate == nil || *conn.AutoActivate {
			d.AutoActivate = true
		}
		if t, err := connection.ParseNetworkType(conn.NetworkType); err == nil {
			d.NetworkType = t
		}
		out = append(out, d)
	}
	return out
}
