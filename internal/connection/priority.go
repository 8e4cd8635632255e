// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package connection

import "strings"

// Compare orders connections by preference. It returns a negative number
// when a is preferred over b, positive when b is preferred, and zero only
// when a and b are the same connection.
//
// Network type rank dominates, then the lower numeric priority wins, then
// the id breaks the remaining ties.
func Compare(a, b *Connection) int {
	return compareKeys(a.NetworkType(), a.Priority(), a.ID(), b.NetworkType(), b.Priority(), b.ID())
}

func compareKeys(at NetworkType, ap int, aid string, bt NetworkType, bp int, bid string) int {
	if ar, br := at.Rank(), bt.Rank(); ar != br {
		if ar > br {
			return -1
		}
		return 1
	}
	if ap != bp {
		if ap < bp {
			return -1
		}
		return 1
	}
	return strings.Compare(aid, bid)
}

// Policy is the global networking policy derived from configuration.
type Policy struct {
	Enabled       bool
	DisabledTypes []NetworkType
}

// DefaultPolicy enables every network type.
func DefaultPolicy() Policy {
	return Policy{Enabled: true}
}

// TypeEnabled reports whether connections of type t may be activated.
func (p Policy) TypeEnabled(t NetworkType) bool {
	if !p.Enabled {
		return false
	}
	for _, d := range p.DisabledTypes {
		if d == t {
			return false
		}
	}
	return true
}
