// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package merge implements the keyed priority merge used to combine facts
// contributed by several sources.
//
// Every key holds any number of (source, priority, value) contributions. The
// winner for a key is the contribution with the numerically lowest priority;
// ties go to the lexicographically smallest source id.
package merge

import (
	"sort"

	"grimm.is/uplink/internal/errors"
)

const (
	MinPriority = 0
	MaxPriority = 100
)

type entry[V any] struct {
	source   string
	priority int
	value    V
}

func (e entry[V]) before(o entry[V]) bool {
	if e.priority != o.priority {
		return e.priority < o.priority
	}
	return e.source < o.source
}

// Table is a priority merge table. It is not safe for concurrent use; the
// control loop owns every instance.
type Table[V any] struct {
	min, max int
	entries  map[string][]entry[V]
}

// New creates a table accepting priorities in [MinPriority, MaxPriority].
func New[V any]() *Table[V] {
	return NewWithRange[V](MinPriority, MaxPriority)
}

// NewWithRange creates a table accepting priorities in [min, max].
func NewWithRange[V any](min, max int) *Table[V] {
	return &Table[V]{
		min:     min,
		max:     max,
		entries: make(map[string][]entry[V]),
	}
}

// Set records value for key on behalf of source. A previous contribution
// with the same (key, priority, source) is replaced.
func (t *Table[V]) Set(source string, priority int, key string, value V) error {
	if priority < t.min || priority > t.max {
		return errors.Errorf(errors.KindValidation, "priority %d out of range [%d, %d]", priority, t.min, t.max)
	}

	list := t.entries[key]
	for i := range list {
		if list[i].source == source && list[i].priority == priority {
			list[i].value = value
			return nil
		}
	}
	t.entries[key] = append(list, entry[V]{source: source, priority: priority, value: value})
	return nil
}

// RemoveBySource drops every contribution made by source and returns the
// sorted list of keys that changed.
func (t *Table[V]) RemoveBySource(source string) []string {
	var touched []string
	for key, list := range t.entries {
		kept := list[:0]
		for _, e := range list {
			if e.source != source {
				kept = append(kept, e)
			}
		}
		if len(kept) == len(list) {
			continue
		}
		touched = append(touched, key)
		if len(kept) == 0 {
			delete(t.entries, key)
		} else {
			t.entries[key] = kept
		}
	}
	sort.Strings(touched)
	return touched
}

// Winner returns the winning contribution for key.
func (t *Table[V]) Winner(key string) (value V, priority int, source string, ok bool) {
	list := t.entries[key]
	if len(list) == 0 {
		return value, 0, "", false
	}
	best := list[0]
	for _, e := range list[1:] {
		if e.before(best) {
			best = e
		}
	}
	return best.value, best.priority, best.source, true
}

// Snapshot returns the winning value of every key whose winner has a
// priority of at least minPriority. Keys won by a more preferred
// contribution are left out entirely, so a fallback built from the
// snapshot never shadows a catch-all of higher precedence.
func (t *Table[V]) Snapshot(minPriority int) map[string]V {
	out := make(map[string]V, len(t.entries))
	for key := range t.entries {
		v, prio, _, ok := t.Winner(key)
		if ok && prio >= minPriority {
			out[key] = v
		}
	}
	return out
}

// Keys returns every key with at least one contribution, sorted.
func (t *Table[V]) Keys() []string {
	keys := make([]string, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of keys.
func (t *Table[V]) Len() int {
	return len(t.entries)
}
