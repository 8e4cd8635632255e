// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dns

import (
	"bytes"
	"net"
	"net/netip"
	"sort"
	"text/template"

	"grimm.is/uplink/internal/brand"
)

const dnsmasqConfigTemplate = `# Generated by {{.Brand}}
strict-order
bind-interfaces
interface=lo
user=root
group=root

domain-needed
bogus-priv

no-hosts

no-resolv
{{range .Upstreams}}server={{.}}
{{end}}{{range .Overrides}}server=/{{.Domain}}/{{.Target}}
{{end}}`

var configTmpl = template.Must(template.New("dnsmasq").Parse(dnsmasqConfigTemplate))

type override struct {
	Domain string
	Target string
}

// renderConfig produces dnsmasq configuration text. Output is deterministic
// for a given input: overrides are sorted by domain and keep target order.
func renderConfig(upstreams []string, overrides map[string][]string) string {
	data := struct {
		Brand     string
		Upstreams []string
		Overrides []override
	}{Brand: brand.LowerName}

	for _, t := range upstreams {
		data.Upstreams = append(data.Upstreams, dnsmasqTarget(t))
	}

	domains := make([]string, 0, len(overrides))
	for d := range overrides {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	for _, d := range domains {
		for _, t := range overrides[d] {
			data.Overrides = append(data.Overrides, override{Domain: d, Target: dnsmasqTarget(t)})
		}
	}

	var buf bytes.Buffer
	// Execution cannot fail: the template only ranges over slices of strings.
	_ = configTmpl.Execute(&buf, data)
	return buf.String()
}

// dnsmasqTarget converts "host:port" into dnsmasq's "host#port" syntax.
// Bare IPv6 literals are left untouched.
func dnsmasqTarget(t string) string {
	if _, err := netip.ParseAddr(t); err == nil {
		return t
	}
	if host, port, err := net.SplitHostPort(t); err == nil {
		return host + "#" + port
	}
	return t
}
