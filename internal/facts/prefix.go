// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package facts

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// ParsePrefix parses "address/bits" or "address/netmask" (dotted IPv4 mask,
// as in "18.0.0.0/255.0.0.0"). The host part is masked off.
func ParsePrefix(s string) (netip.Prefix, error) {
	addrPart, maskPart, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return netip.Prefix{}, fmt.Errorf("invalid prefix %q: missing mask", s)
	}
	addr, err := netip.ParseAddr(addrPart)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid prefix %q: %w", s, err)
	}

	var bits int
	if strings.Contains(maskPart, ".") {
		m, err := netip.ParseAddr(maskPart)
		if err != nil || !m.Is4() || !addr.Is4() {
			return netip.Prefix{}, fmt.Errorf("invalid prefix %q: bad netmask", s)
		}
		b := m.As4()
		ones, total := net.IPv4Mask(b[0], b[1], b[2], b[3]).Size()
		if total == 0 {
			return netip.Prefix{}, fmt.Errorf("invalid prefix %q: non-contiguous netmask", s)
		}
		bits = ones
	} else {
		bits, err = strconv.Atoi(maskPart)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid prefix %q: %w", s, err)
		}
	}

	p, err := addr.Prefix(bits)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid prefix %q: %w", s, err)
	}
	return p, nil
}

// IsCatchAll reports whether p is the default route prefix of its family.
func IsCatchAll(p netip.Prefix) bool {
	return p.IsValid() && p.Bits() == 0
}
