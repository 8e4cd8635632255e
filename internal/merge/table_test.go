// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/uplink/internal/errors"
)

func TestSnapshot_LowestPriorityWins(t *testing.T) {
	tbl := New[string]()
	require.NoError(t, tbl.Set("vpn", 20, "corp.example", "10.0.0.53"))
	require.NoError(t, tbl.Set("main", 50, "corp.example", "192.168.1.1"))
	require.NoError(t, tbl.Set("main", 50, "example.org", "192.168.1.1"))

	snap := tbl.Snapshot(MinPriority)
	assert.Equal(t, map[string]string{
		"corp.example": "10.0.0.53",
		"example.org":  "192.168.1.1",
	}, snap)
}

func TestSnapshot_TieBrokenBySource(t *testing.T) {
	tbl := New[string]()
	require.NoError(t, tbl.Set("zeta", 10, "k", "z"))
	require.NoError(t, tbl.Set("alpha", 10, "k", "a"))
	require.NoError(t, tbl.Set("mid", 10, "k", "m"))

	v, prio, src, ok := tbl.Winner("k")
	require.True(t, ok)
	assert.Equal(t, "a", v)
	assert.Equal(t, 10, prio)
	assert.Equal(t, "alpha", src)
}

func TestSnapshot_MinPriorityExcludesPreferredWinners(t *testing.T) {
	tbl := New[string]()
	require.NoError(t, tbl.Set("a", 5, "tied.example", "x"))
	require.NoError(t, tbl.Set("b", 10, "low.example", "y"))
	require.NoError(t, tbl.Set("c", 3, "shadow.example", "p"))
	require.NoError(t, tbl.Set("d", 30, "shadow.example", "q"))

	snap := tbl.Snapshot(6)
	assert.Equal(t, map[string]string{"low.example": "y"}, snap)
}

func TestSet_ReplacesSameTriple(t *testing.T) {
	tbl := New[string]()
	require.NoError(t, tbl.Set("s", 10, "k", "old"))
	require.NoError(t, tbl.Set("s", 10, "k", "new"))

	assert.Equal(t, map[string]string{"k": "new"}, tbl.Snapshot(MinPriority))
	assert.Equal(t, 1, tbl.Len())
}

func TestSet_PriorityRange(t *testing.T) {
	tbl := New[int]()
	for _, p := range []int{-1, MaxPriority + 1} {
		err := tbl.Set("s", p, "k", 1)
		require.Error(t, err)
		assert.Equal(t, errors.KindValidation, errors.GetKind(err))
	}
	assert.NoError(t, tbl.Set("s", MinPriority, "k", 1))
	assert.NoError(t, tbl.Set("s", MaxPriority, "k", 1))
}

func TestRemoveBySource(t *testing.T) {
	tbl := New[string]()
	require.NoError(t, tbl.Set("vpn", 20, "a", "vpn-a"))
	require.NoError(t, tbl.Set("vpn", 20, "b", "vpn-b"))
	require.NoError(t, tbl.Set("main", 50, "b", "main-b"))
	require.NoError(t, tbl.Set("main", 50, "c", "main-c"))

	touched := tbl.RemoveBySource("vpn")
	assert.Equal(t, []string{"a", "b"}, touched)
	assert.Equal(t, map[string]string{"b": "main-b", "c": "main-c"}, tbl.Snapshot(MinPriority))
	assert.Equal(t, []string{"b", "c"}, tbl.Keys())

	assert.Empty(t, tbl.RemoveBySource("nobody"))
}

func TestRemoveThenSetReproducesSnapshot(t *testing.T) {
	tbl := New[string]()
	require.NoError(t, tbl.Set("vpn", 20, "a", "1"))
	require.NoError(t, tbl.Set("main", 50, "a", "2"))
	require.NoError(t, tbl.Set("vpn", 20, "b", "3"))
	before := tbl.Snapshot(MinPriority)

	tbl.RemoveBySource("vpn")
	require.NoError(t, tbl.Set("vpn", 20, "a", "1"))
	require.NoError(t, tbl.Set("vpn", 20, "b", "3"))

	assert.Equal(t, before, tbl.Snapshot(MinPriority))
}
