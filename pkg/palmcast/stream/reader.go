// Package stream implements the stream reader: for a verified
// long-lived peer connection, it loops reading framed messages and
// submits each to the data dispatcher.
package stream

import (
	"context"

	"github.com/jabolina/palmcast/pkg/palmcast/dispatch"
	"github.com/jabolina/palmcast/pkg/palmcast/registry"
	"github.com/jabolina/palmcast/pkg/palmcast/transport"
	"github.com/jabolina/palmcast/pkg/palmcast/types"
)

// Reader pumps frames off one peer connection into the data dispatcher
// until EOF, peer close, parent cancellation, or a malformed frame.
type Reader struct {
	peerID   types.PeerID
	stream   *transport.Stream
	data     *dispatch.Dispatcher
	registry *registry.Registry
	logger   types.Logger
}

// New constructs a Reader for one verified connection. reg may be nil if
// the caller does not want stale-socket detachment on malformed frames
// (e.g. in isolated tests).
func New(peerID types.PeerID, s *transport.Stream, data *dispatch.Dispatcher, reg *registry.Registry, logger types.Logger) *Reader {
	return &Reader{peerID: peerID, stream: s, data: data, registry: reg, logger: logger}
}

// Run blocks, reading frames until ctx is cancelled or the connection
// ends. It never returns an error the caller must act on beyond
// logging: all failure modes result in the connection being closed.
func (r *Reader) Run(ctx context.Context) {
	// Recv has no deadline; closing the stream from a watcher is what
	// unblocks the loop when the parent cancels mid-read.
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			_ = r.stream.Close()
		case <-finished:
		}
	}()

	for {
		select {
		case <-ctx.Done():
			r.close()
			return
		default:
		}

		frame, err := r.stream.Recv()
		if err != nil {
			// wire.ReadFrame reports a clean peer close the same way it
			// reports truncation (both surface as ErrMalformedFrame): either
			// way the connection must be closed and the socket detached.
			if r.logger != nil {
				r.logger.Debugf("stream: ending read loop for %s: %v", r.peerID, err)
			}
			r.close()
			return
		}

		event := types.StreamDataEvent{Frame: frame, Transport: r.stream}
		if err := r.data.Submit(dispatch.Event{Header: frame.Header, Payload: event}); err != nil {
			// Dispatcher finalizing: stop pumping, let ctx.Done() catch up
			// on the next loop.
			r.close()
			return
		}
	}
}

func (r *Reader) close() {
	_ = r.stream.Close()
	if r.registry != nil {
		r.registry.DetachSocket(r.peerID)
	}
}
