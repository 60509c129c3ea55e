package otm

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jabolina/palmcast/pkg/palmcast/types"
)

func peers(n int) []types.PeerID {
	out := make([]types.PeerID, n)
	for i := range out {
		out[i] = types.PeerID(fmt.Sprintf("peer-%02d", i))
	}
	return out
}

func TestBuildTreeIsAcyclicWithCorrectEdgeCount(t *testing.T) {
	for _, size := range []int{1, 2, 4, 5, 17, 50} {
		participants := peers(size)
		tree := BuildTree("root", participants, nil, 2)

		require.Len(t, tree, size+1)
		require.Equal(t, size, tree.Edges())

		// Every non-root member reaches the root by walking parents,
		// without revisiting a node.
		for id := range tree {
			visited := map[types.PeerID]bool{}
			current := id
			for current != "root" {
				require.False(t, visited[current], "cycle through %s", current)
				visited[current] = true
				node, ok := tree[current]
				require.True(t, ok)
				current = node.Parent
			}
		}
	}
}

func TestBuildTreeHonorsFanoutBound(t *testing.T) {
	tree := BuildTree("root", peers(30), nil, 4)
	for id, node := range tree {
		require.LessOrEqual(t, len(node.Children), 4, "node %s exceeds fanout", id)
	}
}

func TestBuildTreeBreaksTiesLexicographically(t *testing.T) {
	participants := []types.PeerID{"c", "a", "b", "d"}
	tree := BuildTree("root", participants, nil, 2)
	require.Equal(t, []types.PeerID{"a", "b"}, tree["root"].Children)
	require.Equal(t, []types.PeerID{"c", "d"}, tree["a"].Children)
}

func TestBuildTreeFollowsProvidedAdjacency(t *testing.T) {
	adjacency := map[types.PeerID][]types.PeerID{
		"root": {"a"},
		"a":    {"root", "b"},
		"b":    {"a"},
	}
	tree := BuildTree("root", []types.PeerID{"a", "b"}, adjacency, 4)
	require.Equal(t, []types.PeerID{"a"}, tree["root"].Children)
	require.Equal(t, []types.PeerID{"b"}, tree["a"].Children)
}

func TestTreeOrphansAndReparent(t *testing.T) {
	tree := BuildTree("root", peers(6), nil, 2)

	interior := tree["root"].Children[0]
	orphans := tree.Orphans(interior)
	require.NotEmpty(t, orphans)

	reporter := orphans[0]
	tree.Remove(interior)
	tree.Reparent(reporter, "root")

	require.Equal(t, types.PeerID("root"), tree[reporter].Parent)
	require.Contains(t, tree["root"].Children, reporter)
	require.NotContains(t, tree, interior)
}
