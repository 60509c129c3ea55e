package core

import (
	"context"
	"fmt"
	"time"

	"github.com/jabolina/palmcast/pkg/palmcast/registry"
	"github.com/jabolina/palmcast/pkg/palmcast/transport"
	"github.com/jabolina/palmcast/pkg/palmcast/types"
)

// DefaultDialInitialBackoff and DefaultDialMaxAttempts fix the dial
// retry ladder: 0.1s, 0.2s, 0.4s, capped at 3 attempts.
const (
	DefaultDialInitialBackoff = 100 * time.Millisecond
	DefaultDialMaxAttempts    = 3
	DefaultDialTimeout        = 2 * time.Second
)

// Connector resolves a peer to a live socket: reuse a cached one,
// otherwise dial with retries, handshake with VERIFY, and cache the
// result. A value type holding only its own configuration.
type Connector struct {
	localPeerID types.PeerID
	registry    *registry.Registry
	logger      types.Logger

	InitialBackoff time.Duration
	MaxAttempts    int
	DialTimeout    time.Duration
}

// NewConnector builds a Connector that stamps outgoing VERIFY
// handshakes with localPeerID.
func NewConnector(localPeerID types.PeerID, reg *registry.Registry, logger types.Logger) *Connector {
	return &Connector{
		localPeerID:    localPeerID,
		registry:       reg,
		logger:         logger,
		InitialBackoff: DefaultDialInitialBackoff,
		MaxAttempts:    DefaultDialMaxAttempts,
		DialTimeout:    DefaultDialTimeout,
	}
}

// GetConnection returns a live, verified socket to peer, reusing the
// registry's cached connection when IsConnected reports it healthy.
func (c *Connector) GetConnection(peer types.RemotePeer) (*transport.Stream, error) {
	if stream, ok := c.registry.GetSocket(peer.PeerID); ok && c.registry.IsConnected(peer.PeerID) {
		if c.logger != nil {
			c.logger.Debugf("connector: cache hit for %s", peer.PeerID)
		}
		return stream, nil
	}

	stream, err := c.dialWithRetries(peer)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", types.ErrPeerUnreachable, peer.PeerID, err)
	}

	if err := c.verify(stream); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("%w: %s: %v", types.ErrPeerUnreachable, peer.PeerID, err)
	}

	c.registry.AttachSocket(peer.PeerID, stream)
	if c.logger != nil {
		c.logger.Debugf("connector: cache miss, dialed and verified %s", peer.PeerID)
	}
	return stream, nil
}

func (c *Connector) dialWithRetries(peer types.RemotePeer) (*transport.Stream, error) {
	backoff := newDialBackoffLimiter(c.InitialBackoff)
	var lastErr error
	for attempt := 0; attempt < c.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff.Wait(context.Background())
		}
		stream, err := transport.Dial(peer.StreamAddr.String(), c.DialTimeout)
		if err == nil {
			return stream, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// verify sends the VERIFY handshake frame carrying the local peer_id
// and protocol version.
func (c *Connector) verify(stream *transport.Stream) error {
	return stream.Send(types.WireFrame{
		Header: types.CmdVerifyHeader,
		PeerID: c.localPeerID,
		Body: map[string]interface{}{
			"version": types.ProtocolVersion,
		},
	})
}
