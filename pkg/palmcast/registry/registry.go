// Package registry implements the peer registry: peer_id -> RemotePeer,
// peer_id -> live socket, and peer_id -> active transfer, all keyed by
// types.PeerID.
package registry

import (
	"sync"

	"github.com/jabolina/palmcast/pkg/palmcast/transport"
	"github.com/jabolina/palmcast/pkg/palmcast/types"
)

// Registry holds weak references to live sockets: it looks sockets up
// for reuse but never closes them. The handler that owns a connection
// is the only closer.
type Registry struct {
	mu       sync.RWMutex
	peers    map[types.PeerID]types.RemotePeer
	sockets  map[types.PeerID]*transport.Stream
	transfer map[types.PeerID]string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		peers:    make(map[types.PeerID]types.RemotePeer),
		sockets:  make(map[types.PeerID]*transport.Stream),
		transfer: make(map[types.PeerID]string),
	}
}

// AddPeer inserts or replaces peer metadata.
func (r *Registry) AddPeer(peer types.RemotePeer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[peer.PeerID] = peer
}

// RemovePeer removes a peer and any socket/transfer association for it.
func (r *Registry) RemovePeer(id types.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
	delete(r.sockets, id)
	delete(r.transfer, id)
}

// GetPeer looks up peer metadata.
func (r *Registry) GetPeer(id types.PeerID) (types.RemotePeer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// AttachSocket associates a live socket with a peer_id for reuse by the
// connector and detaches any previous one.
func (r *Registry) AttachSocket(id types.PeerID, stream *transport.Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sockets[id] = stream
}

// DetachSocket removes the socket association without closing it: the
// caller that owns the connection is responsible for closing it.
func (r *Registry) DetachSocket(id types.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sockets, id)
}

// GetSocket returns the cached live socket for a peer, if any. Callers
// should confirm IsConnected before reuse since a half-open socket may
// still be cached.
func (r *Registry) GetSocket(id types.PeerID) (*transport.Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sockets[id]
	return s, ok
}

// IsConnected performs a non-blocking peek to detect half-open sockets;
// if the peer's cached socket is gone it evicts the stale entry so
// future GetSocket calls miss cleanly.
func (r *Registry) IsConnected(id types.PeerID) bool {
	r.mu.RLock()
	stream, ok := r.sockets[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if peekAlive(stream) {
		return true
	}
	r.DetachSocket(id)
	return false
}

// SetTransfer records which transfer_id a peer currently has in flight.
func (r *Registry) SetTransfer(id types.PeerID, transferID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transfer[id] = transferID
}

// ClearTransfer removes the active-transfer association for a peer.
func (r *Registry) ClearTransfer(id types.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transfer, id)
}

// ActiveTransfer returns the transfer_id currently associated with a
// peer, if any.
func (r *Registry) ActiveTransfer(id types.PeerID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transfer[id]
	return t, ok
}

// Snapshot returns a point-in-time copy of all known peers, so readers
// never hold the registry lock while iterating.
func (r *Registry) Snapshot() []types.RemotePeer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.RemotePeer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}
