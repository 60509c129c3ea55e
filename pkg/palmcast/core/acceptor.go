// Package core implements the acceptor, the connector, and the
// lifecycle composition root (Node). Nothing here is a process-wide
// singleton: every component is a plain value passed by reference
// through constructors.
package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jabolina/palmcast/pkg/palmcast/dispatch"
	"github.com/jabolina/palmcast/pkg/palmcast/transport"
	"github.com/jabolina/palmcast/pkg/palmcast/types"
)

// AcceptorState models the acceptor lifecycle: INIT -> LISTENING ->
// STOPPED.
type AcceptorState uint32

const (
	AcceptorInit AcceptorState = iota
	AcceptorListening
	AcceptorStopped
)

// DefaultHandshakeTimeout bounds the single handshake frame read after
// accept.
const DefaultHandshakeTimeout = 30 * time.Second

// acceptBackoffFloor/Ceiling bound the acceptor's retry-on-transient-
// error backoff.
const (
	acceptBackoffFloor   = 50 * time.Millisecond
	acceptBackoffCeiling = 5 * time.Second
)

// Acceptor listens for inbound connections, reads the single handshake
// frame, and hands the verified connection to the connection dispatcher
// as a ConnectionEvent. One Acceptor is owned by the Node composition
// root; there is no process-wide singleton.
type Acceptor struct {
	addr             string
	handshakeTimeout time.Duration
	connDispatcher   *dispatch.Dispatcher
	logger           types.Logger
	state            atomic.Uint32
	listener         *transport.Listener
	wg               sync.WaitGroup
}

// NewAcceptor constructs an Acceptor bound to addr. connDispatcher
// receives a dispatch.Event for every successfully handshaken
// connection, its Header set to the handshake frame's header (one of
// handshakeHeaders).
func NewAcceptor(addr string, connDispatcher *dispatch.Dispatcher, logger types.Logger) *Acceptor {
	a := &Acceptor{
		addr:             addr,
		handshakeTimeout: DefaultHandshakeTimeout,
		connDispatcher:   connDispatcher,
		logger:           logger,
	}
	a.state.Store(uint32(AcceptorInit))
	return a
}

// State returns the current lifecycle state.
func (a *Acceptor) State() AcceptorState { return AcceptorState(a.state.Load()) }

// ListenAddr returns the bound listener address. Valid only once State
// has reached AcceptorListening.
func (a *Acceptor) ListenAddr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Start binds the listening socket and runs the accept loop until ctx
// is cancelled or Stop is called. Fatal bind errors propagate to the
// caller; transient accept errors are retried with exponential backoff.
func (a *Acceptor) Start(ctx context.Context) error {
	ln, err := transport.Listen(a.addr)
	if err != nil {
		return fmt.Errorf("palmcast/core: acceptor bind %s: %w", a.addr, err)
	}
	a.listener = ln
	a.state.Store(uint32(AcceptorListening))
	if a.logger != nil {
		a.logger.Infof("acceptor listening on %s", ln.Addr())
	}

	backoff := newAcceptBackoffLimiter(acceptBackoffFloor, acceptBackoffCeiling)
	for {
		stream, err := ln.Accept()
		if err != nil {
			if a.State() == AcceptorStopped {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && !netErr.Timeout() {
				if a.logger != nil {
					a.logger.Warnf("acceptor: transient accept error: %v", err)
				}
				backoff.Wait(ctx)
				continue
			}
			return fmt.Errorf("palmcast/core: acceptor fatal: %w", err)
		}
		backoff.Reset()

		a.wg.Add(1)
		go func(s *transport.Stream) {
			defer a.wg.Done()
			a.acceptConnection(s)
		}(stream)
	}
}

func (a *Acceptor) acceptConnection(stream *transport.Stream) {
	frame, err := stream.RecvWithTimeout(a.handshakeTimeout)
	if err != nil {
		if a.logger != nil {
			a.logger.Warnf("acceptor: handshake read failed from %s: %v", stream.RemoteAddr(), err)
		}
		_ = stream.Close()
		return
	}
	if !handshakeHeaders[frame.Header] {
		if a.logger != nil {
			a.logger.Warnf("acceptor: unexpected first frame %q from %s", frame.Header, stream.RemoteAddr())
		}
		_ = stream.Close()
		return
	}

	event := types.ConnectionEvent{
		Transport: stream,
		Handshake: frame,
		FromAddr:  stream.RemoteAddr().String(),
	}
	if err := a.connDispatcher.Submit(dispatch.Event{Header: frame.Header, Payload: event}); err != nil {
		_ = stream.Close()
	}
}

// handshakeHeaders are the intents a first frame may declare: message
// stream, single-file transfer, directory transfer, or OTM child link.
// The connection dispatcher's handler for each header binds the socket
// to that role.
var handshakeHeaders = map[types.Header]bool{
	types.CmdVerifyHeader:     true,
	types.CmdFileConn:         true,
	types.CmdRecvDir:          true,
	types.GossipAddStreamLink: true,
}

// Stop closes the listening socket, transitions to STOPPED, and waits
// for in-flight handshakes to finish.
func (a *Acceptor) Stop() error {
	a.state.Store(uint32(AcceptorStopped))
	if a.listener == nil {
		return nil
	}
	err := a.listener.Close()
	a.wg.Wait()
	return err
}
