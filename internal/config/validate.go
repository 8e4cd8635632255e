// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"fmt"
	"net"
	"strings"

	"grimm.is/uplink/internal/connection"
	"grimm.is/uplink/internal/merge"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validate validates the entire configuration.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	errs = append(errs, c.validateGlobal()...)
	errs = append(errs, c.validateFacilities()...)
	errs = append(errs, c.validateConnections()...)

	return errs
}

func (c *Config) validateGlobal() ValidationErrors {
	var errs ValidationErrors

	for _, name := range c.DisabledNetworkTypes {
		if _, err := connection.ParseNetworkType(name); err != nil {
			errs = append(errs, ValidationError{Field: "disabled_network_types", Message: err.Error()})
		}
	}
	if c.FactPriority != nil && !validFactPriority(*c.FactPriority) {
		errs = append(errs, ValidationError{
			Field:   "fact_priority",
			Message: fmt.Sprintf("must be between %d and %d", merge.MinPriority, merge.MaxPriority),
		})
	}
	if c.PlaceholderNameserver != "" && net.ParseIP(c.PlaceholderNameserver) == nil {
		errs = append(errs, ValidationError{Field: "placeholder_nameserver", Message: "must be an IP address"})
	}
	if c.Metrics != nil && c.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			errs = append(errs, ValidationError{Field: "metrics.listen", Message: err.Error()})
		}
	}
	return errs
}

func (c *Config) validateFacilities() ValidationErrors {
	var errs ValidationErrors
	seen := make(map[string]bool)

	for i, f := range c.Facilities {
		field := fmt.Sprintf("facility[%d]", i)
		if f.Name == "" {
			errs = append(errs, ValidationError{Field: field, Message: "name is required"})
			continue
		}
		field = fmt.Sprintf("facility.%s", f.Name)
		if seen[f.Name] {
			errs = append(errs, ValidationError{Field: field, Message: "duplicate facility"})
		}
		seen[f.Name] = true
		if strings.ContainsAny(f.Name, ": ") {
			errs = append(errs, ValidationError{Field: field, Message: "name must not contain ':' or spaces"})
		}
		if f.Exec == "" {
			errs = append(errs, ValidationError{Field: field + ".exec", Message: "is required"})
		}
		switch {
		case f.Priority == nil:
			errs = append(errs, ValidationError{Field: field + ".priority", Message: "is required"})
		case !validFactPriority(*f.Priority):
			errs = append(errs, ValidationError{
				Field:   field + ".priority",
				Message: fmt.Sprintf("must be between %d and %d", merge.MinPriority, merge.MaxPriority),
			})
		}
	}
	return errs
}

func (c *Config) validateConnections() ValidationErrors {
	var errs ValidationErrors
	seen := make(map[string]bool)

	for i, conn := range c.Connections {
		field := fmt.Sprintf("connection[%d]", i)
		if conn.ID == "" {
			errs = append(errs, ValidationError{Field: field, Message: "id is required"})
			continue
		}
		field = fmt.Sprintf("connection.%s", conn.ID)
		if seen[conn.ID] {
			errs = append(errs, ValidationError{Field: field, Message: "duplicate connection"})
		}
		seen[conn.ID] = true

		switch {
		case conn.Priority == nil:
			errs = append(errs, ValidationError{Field: field + ".priority", Message: "is required"})
		case *conn.Priority < 0 || *conn.Priority > 10:
			errs = append(errs, ValidationError{Field: field + ".priority", Message: "must be between 0 and 10"})
		}

		if conn.NetworkType != "" {
			if _, err := connection.ParseNetworkType(conn.NetworkType); err != nil {
				errs = append(errs, ValidationError{Field: field + ".network_type", Message: err.Error()})
			}
		}
		if _, ok := connection.Lookup(conn.Plugin); !ok {
			errs = append(errs, ValidationError{
				Field:   field + ".plugin",
				Message: fmt.Sprintf("unknown plugin %q (registered: %s)", conn.Plugin, strings.Join(connection.Registered(), ", ")),
			})
		}
		for _, name := range conn.Facilities {
			if _, ok := c.Facility(name); !ok {
				errs = append(errs, ValidationError{Field: field + ".facilities", Message: fmt.Sprintf("unknown facility %q", name)})
			}
		}
	}
	return errs
}

func validFactPriority(p int) bool {
	return p >= merge.MinPriority && p <= merge.MaxPriority
}
