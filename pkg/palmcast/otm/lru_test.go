package otm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSeenSetDetectsDuplicates(t *testing.T) {
	seen := newSeenSet(8)
	require.False(t, seen.Observe("a"))
	require.True(t, seen.Observe("a"))
	require.False(t, seen.Observe("b"))
	require.True(t, seen.Observe("a"))
}

func TestSeenSetEvictsLeastRecentlySeen(t *testing.T) {
	seen := newSeenSet(3)
	seen.Observe("a")
	seen.Observe("b")
	seen.Observe("c")
	seen.Observe("a") // refresh a; b is now the oldest
	seen.Observe("d") // evicts b

	require.Equal(t, 3, seen.Len())
	require.False(t, seen.Observe("b"), "evicted id should read as fresh")
	require.True(t, seen.Observe("a"))
	require.True(t, seen.Observe("d"))
}
