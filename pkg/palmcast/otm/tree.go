package otm

import (
	"sort"

	"github.com/jabolina/palmcast/pkg/palmcast/types"
)

// TreeNode is one participant's place in the computed spanning tree:
// its parent (empty for the root) and its ordered child list.
type TreeNode struct {
	Parent   types.PeerID
	Children []types.PeerID
}

// Tree is the Phase B spanning tree keyed by participant. By
// construction it holds exactly len(tree)-1 parent/child edges and no
// cycles.
type Tree map[types.PeerID]*TreeNode

// BuildTree computes the palm-tree overlay rooted at root: a BFS over
// the locally-known adjacency, trimming each node's out-degree to
// fanout, ties broken by lexicographic peer_id. Peers absent from
// adjacency are treated as adjacent to every other participant, which
// is the common LAN case where the originator knows no better
// topology.
func BuildTree(root types.PeerID, participants []types.PeerID, adjacency map[types.PeerID][]types.PeerID, fanout int) Tree {
	if fanout <= 0 {
		fanout = types.DefaultFanout
	}

	member := make(map[types.PeerID]bool, len(participants)+1)
	member[root] = true
	for _, p := range participants {
		member[p] = true
	}

	tree := Tree{root: &TreeNode{}}
	visited := map[types.PeerID]bool{root: true}
	queue := []types.PeerID{root}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		candidates := adjacency[current]
		if candidates == nil {
			candidates = participants
		}
		ordered := make([]types.PeerID, 0, len(candidates))
		for _, c := range candidates {
			if member[c] && !visited[c] {
				ordered = append(ordered, c)
			}
		}
		sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

		node := tree[current]
		for _, child := range ordered {
			if len(node.Children) >= fanout {
				break
			}
			visited[child] = true
			node.Children = append(node.Children, child)
			tree[child] = &TreeNode{Parent: current}
			queue = append(queue, child)
		}
	}
	return tree
}

// Edges counts parent/child links in the tree.
func (t Tree) Edges() int {
	count := 0
	for _, node := range t {
		count += len(node.Children)
	}
	return count
}

// Orphans returns the subtree members left without an ancestor path to
// root once broken is removed, in lexicographic order. On a
// PARENT_LINK_BROKEN report the originator calls it on the reporter to
// keep the reporter's own subtree out of the candidate new parents.
func (t Tree) Orphans(broken types.PeerID) []types.PeerID {
	node, ok := t[broken]
	if !ok {
		return nil
	}
	var orphans []types.PeerID
	queue := append([]types.PeerID{}, node.Children...)
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		orphans = append(orphans, current)
		if n, ok := t[current]; ok {
			queue = append(queue, n.Children...)
		}
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i] < orphans[j] })
	return orphans
}

// Reparent detaches child from its current parent and attaches it under
// parent, keeping the edge count stable.
func (t Tree) Reparent(child, parent types.PeerID) {
	node, ok := t[child]
	if !ok {
		node = &TreeNode{}
		t[child] = node
	}
	if old, ok := t[node.Parent]; ok {
		for i, c := range old.Children {
			if c == child {
				old.Children = append(old.Children[:i], old.Children[i+1:]...)
				break
			}
		}
	}
	node.Parent = parent
	if p, ok := t[parent]; ok {
		p.Children = append(p.Children, child)
	}
}

// Remove deletes a failed participant from the tree, detaching it from
// its parent. Its former children keep their (now dangling) parent
// pointer until Reparent fixes them.
func (t Tree) Remove(peer types.PeerID) {
	node, ok := t[peer]
	if !ok {
		return
	}
	if parent, ok := t[node.Parent]; ok {
		for i, c := range parent.Children {
			if c == peer {
				parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
				break
			}
		}
	}
	delete(t, peer)
}
