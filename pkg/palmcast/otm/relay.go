// Package otm implements the one-to-many palm-tree relay and its
// session registry: a bounded-fanout spanning tree rooted at the
// originator, forwarding fixed-size file chunks along child links with
// gossip-driven fault recovery. Relay owns its links, its buffer, and
// a FilesReceiver, and talks to the UDP control plane through the
// narrow ControlSender capability instead of holding a whole protocol
// object.
package otm

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/jabolina/palmcast/pkg/palmcast/transport"
	"github.com/jabolina/palmcast/pkg/palmcast/types"
)

// ControlSender is the single capability a relay needs from the UDP
// control plane: fire one frame at one address. *transport.Datagram
// satisfies it.
type ControlSender interface {
	SendFrame(frame types.WireFrame, addr *net.UDPAddr) error
}

// consecutive LAGGING marks before a child link is promoted to BROKEN
// and detached.
const lagBrokenThreshold = 3

// retries of a chunk no child accepted before the relay records a gap
// and drops it.
const forwardRetries = 3

// seenFramesCapacity bounds the tree-check dedup LRU.
const seenFramesCapacity = 512

// link is one directed stream connection inside the session's tree.
type link struct {
	peerID   types.PeerID
	stream   *transport.Stream
	status   types.LinkStatus
	lagCount int
}

// Relay mediates one OTM session on one node: exactly one parent link
// (read side), up to fanout child links (forward side), a bounded chunk
// buffer flushed into the local FilesReceiver, and the UDP control hooks
// for re-parenting. The originator holds a Relay too, with the parent
// side satisfied at session start.
type Relay struct {
	Session types.OTMSession

	localID    types.PeerID
	control    ControlSender
	originAddr *net.UDPAddr
	receiver   *FilesReceiver
	logger     types.Logger

	mu       sync.Mutex
	parent   *link
	children []*link

	// parentCh carries the (re-)attached parent link, re-armed after a
	// parent failure so the broken-link wait can block on it again.
	parentCh chan *link

	// placement is what Phase B's tree-check told this node about its
	// parent and children; kept for link validation.
	placementParent   types.PeerID
	placementChildren []types.PeerID

	chunkCounter uint64
	buffer       [][]byte
	maxBuffering int
	gaps         int
	seen         *seenSet

	done      chan struct{}
	closeOnce sync.Once
}

// NewRelay builds the mediator for one session. receiver may be nil on
// the originator, which produces chunks instead of consuming them.
// originAddr is the originator's UDP control endpoint, learned from the
// Phase A inform datagram's source address.
func NewRelay(session types.OTMSession, localID types.PeerID, control ControlSender, originAddr *net.UDPAddr, receiver *FilesReceiver, logger types.Logger) *Relay {
	if session.Fanout <= 0 {
		session.Fanout = types.DefaultFanout
	}
	return &Relay{
		Session:      session,
		localID:      localID,
		control:      control,
		originAddr:   originAddr,
		receiver:     receiver,
		logger:       logger,
		maxBuffering: types.MaxChunkBuffering,
		parentCh:     make(chan *link, 1),
		seen:         newSeenSet(seenFramesCapacity),
		done:         make(chan struct{}),
	}
}

// MarkRoot satisfies the parent side immediately: the originator has no
// parent by definition.
func (r *Relay) MarkRoot() {
	select {
	case r.parentCh <- nil:
	default:
	}
}

// SatisfyParent hands the relay its freshly-dialed parent connection,
// completing Phase C on the child side.
func (r *Relay) SatisfyParent(peerID types.PeerID, stream *transport.Stream) {
	l := &link{peerID: peerID, stream: stream, status: types.LinkActive}
	select {
	case r.parentCh <- l:
	default:
		// A parent is already pending and unconsumed; the newer link wins.
		select {
		case <-r.parentCh:
		default:
		}
		r.parentCh <- l
	}
}

// AttachChild binds an accepted GOSSIP_ADD_STREAM_LINK connection as a
// child link. Attaching past the session fanout is refused so the
// fanout bound holds even against a confused or malicious peer.
func (r *Relay) AttachChild(peerID types.PeerID, stream *transport.Stream) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	active := 0
	for _, c := range r.children {
		if c.status != types.LinkBroken {
			active++
		}
	}
	if active >= r.Session.Fanout {
		return types.ErrHandshakeRejected
	}
	r.children = append(r.children, &link{peerID: peerID, stream: stream, status: types.LinkActive})
	return nil
}

// SetPlacement records the parent/children assignment Phase B delivered.
func (r *Relay) SetPlacement(parent types.PeerID, children []types.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.placementParent = parent
	r.placementChildren = children
}

// Placement returns the Phase B assignment.
func (r *Relay) Placement() (types.PeerID, []types.PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.placementParent, append([]types.PeerID{}, r.placementChildren...)
}

// ObserveTreeCheck dedupes a GOSSIP_TREE_CHECK packet by its session
// counter, returning false for duplicates.
func (r *Relay) ObserveTreeCheck(frameID string) bool {
	return !r.seen.Observe(frameID)
}

// ChunkCounter reports how many data chunks arrived on the parent link.
func (r *Relay) ChunkCounter() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chunkCounter
}

// Gaps reports how many chunks were dropped because no child accepted
// them within the retry budget.
func (r *Relay) Gaps() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gaps
}

// ChildCount reports the number of non-broken child links.
func (r *Relay) ChildCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.children {
		if c.status != types.LinkBroken {
			n++
		}
	}
	return n
}

// Receiver exposes the local file receiver, nil on the originator.
func (r *Relay) Receiver() *FilesReceiver { return r.receiver }

// Done closes when the session ends, normally or partially.
func (r *Relay) Done() <-chan struct{} { return r.done }

// RunReadSide awaits the parent link, consumes the metadata frame,
// then pumps data frames until end-of-stream or an unrecoverable
// parent failure. Not called on the originator.
func (r *Relay) RunReadSide(ctx context.Context) error {
	parent, err := r.awaitParent(ctx)
	if err != nil {
		r.EndOfTransfer()
		return err
	}

	parent, err = r.recvFileMetadata(ctx, parent)
	if err != nil {
		r.EndOfTransfer()
		return err
	}

	for {
		select {
		case <-ctx.Done():
			r.EndOfTransfer()
			return ctx.Err()
		default:
		}

		status, data, err := readChunkFrame(parent.stream, r.Session.ChunkSize)
		if err != nil {
			next, rerr := r.parentLinkBroken(ctx)
			if rerr != nil || next == nil {
				r.EndOfTransfer()
				return nil
			}
			parent = next
			continue
		}

		switch status {
		case chunkData:
			r.bufferChunk(data)
			r.forwardFrame(ctx, append([]byte{status}, data...))
		case chunkEndOfStream:
			r.forwardFrame(ctx, append([]byte{status}, data...))
			r.EndOfTransfer()
			return nil
		case chunkMetadata:
			// A late metadata frame after re-parenting; receivers already
			// hold the list, so only forward it for our subtree.
			r.forwardFrame(ctx, append([]byte{status}, data...))
		default:
			r.EndOfTransfer()
			return types.ErrMalformedFrame
		}
	}
}

// recvFileMetadata consumes the 0x00 metadata frame, loads the file
// list into the receiver, and forwards the frame down the tree. If the
// parent dies before delivering it, the relay runs the same broken-link
// recovery as the data loop.
func (r *Relay) recvFileMetadata(ctx context.Context, parent *link) (*link, error) {
	for {
		status, data, err := readChunkFrame(parent.stream, r.Session.ChunkSize)
		if err != nil {
			next, rerr := r.parentLinkBroken(ctx)
			if rerr != nil || next == nil {
				return nil, types.ErrTransferIncomplete
			}
			parent = next
			continue
		}
		if status != chunkMetadata {
			return nil, types.ErrMalformedFrame
		}
		if r.receiver != nil {
			if err := r.receiver.UpdateMetadata(data); err != nil {
				return nil, err
			}
		}
		r.forwardFrame(ctx, append([]byte{status}, data...))
		return parent, nil
	}
}

func (r *Relay) awaitParent(ctx context.Context) (*link, error) {
	wait := r.Session.LinkWaitTimeout * 3
	if wait <= 0 {
		wait = 15 * time.Second
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case l := <-r.parentCh:
		r.mu.Lock()
		r.parent = l
		r.mu.Unlock()
		return l, nil
	case <-timer.C:
		return nil, types.ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// parentLinkBroken notifies the originator over the UDP control channel
// and waits one bounded interval for a re-parenting UPDATE_STREAM_LINK
// to satisfy the parent future again. A nil link with nil error means the bounded
// wait expired: the caller ends the transfer with partial completion.
func (r *Relay) parentLinkBroken(ctx context.Context) (*link, error) {
	r.mu.Lock()
	broken := r.parent
	counter := r.chunkCounter
	r.mu.Unlock()

	var brokenID types.PeerID
	if broken != nil {
		brokenID = broken.peerID
		_ = broken.stream.Close()
	}
	if r.logger != nil {
		r.logger.Warnf("otm %s: parent link %s broken at chunk %d", r.Session.SessionID, brokenID, counter)
	}

	if r.control != nil && r.originAddr != nil {
		frame := types.WireFrame{
			Header: types.OTMParentBroken,
			PeerID: r.localID,
			Body: map[string]interface{}{
				"session_id":     r.Session.SessionID,
				"broken_peer_id": string(brokenID),
				"last_counter":   counter,
			},
		}
		if err := r.control.SendFrame(frame, r.originAddr); err != nil && r.logger != nil {
			r.logger.Errorf("otm %s: parent-broken notify failed: %v", r.Session.SessionID, err)
		}
	}

	next, err := r.awaitParent(ctx)
	if err == types.ErrTimeout {
		return nil, nil
	}
	return next, err
}

func (r *Relay) bufferChunk(data []byte) {
	r.mu.Lock()
	r.buffer = append(r.buffer, data)
	r.chunkCounter++
	full := len(r.buffer) >= r.maxBuffering
	r.mu.Unlock()
	if full {
		r.flush()
	}
}

// SetMaxBuffering overrides the MAX_OTM_BUFFERING bound before the data
// phase starts.
func (r *Relay) SetMaxBuffering(n int) {
	if n > 0 {
		r.maxBuffering = n
	}
}

// flush drains the bounded buffer into the local receiver in FIFO
// order. Backpressure: the read loop never outruns the disk by more
// than MAX_OTM_BUFFERING chunks because flush runs before further
// reads once the buffer fills.
func (r *Relay) flush() {
	r.mu.Lock()
	pending := r.buffer
	r.buffer = nil
	r.mu.Unlock()
	if len(pending) == 0 || r.receiver == nil {
		return
	}
	if err := r.receiver.DataReceived(pending); err != nil && r.logger != nil {
		r.logger.Errorf("otm %s: receiver write: %v", r.Session.SessionID, err)
	}
}

// ForwardFrame pushes one already-framed chunk down every child link,
// used by the originator to inject chunks at the root.
func (r *Relay) ForwardFrame(ctx context.Context, frame []byte) {
	r.forwardFrame(ctx, frame)
}

// forwardFrame pushes one frame downstream, best-effort to at least
// one child. A child that misses the per-link timeout is marked
// LAGGING; three consecutive marks promote it to BROKEN and detach it.
// If no child accepts the chunk, the relay sleeps one timeout interval
// and retries; after the retry budget the chunk is dropped and a gap
// recorded for the session.
func (r *Relay) forwardFrame(ctx context.Context, frame []byte) {
	timeout := r.Session.LinkWaitTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	for attempt := 0; attempt <= forwardRetries; attempt++ {
		links := r.forwardLinks()
		if len(links) == 0 {
			if !r.expectingChildren() {
				// Leaf node: nothing downstream to owe the chunk to.
				return
			}
			// Phase B assigned children that have not attached yet (or
			// all broke): wait one interval for link formation to catch
			// up rather than dropping the chunk immediately.
			select {
			case <-time.After(timeout):
			case <-ctx.Done():
				return
			}
			continue
		}

		forwarded := false
		for _, l := range links {
			if err := sendRaw(l.stream, frame, timeout); err != nil {
				r.markLagging(l)
				continue
			}
			r.markHealthy(l)
			forwarded = true
		}
		if forwarded {
			return
		}

		select {
		case <-time.After(timeout):
		case <-ctx.Done():
			return
		}
	}

	r.mu.Lock()
	r.gaps++
	r.mu.Unlock()
	if r.logger != nil {
		r.logger.Warnf("otm %s: dropped chunk after %d forward attempts, gap recorded", r.Session.SessionID, forwardRetries+1)
	}
}

func sendRaw(stream *transport.Stream, frame []byte, timeout time.Duration) error {
	if err := stream.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	defer stream.SetWriteDeadline(time.Time{})
	_, err := stream.Write(frame)
	return err
}

func (r *Relay) expectingChildren() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.placementChildren) > 0
}

func (r *Relay) forwardLinks() []*link {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*link, 0, len(r.children))
	for _, c := range r.children {
		if c.status != types.LinkBroken {
			out = append(out, c)
		}
	}
	return out
}

func (r *Relay) markLagging(l *link) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l.lagCount++
	l.status = types.LinkLagging
	if l.lagCount >= lagBrokenThreshold {
		l.status = types.LinkBroken
		_ = l.stream.Close()
		if r.logger != nil {
			r.logger.Warnf("otm %s: child link %s broken after %d lagging marks", r.Session.SessionID, l.peerID, l.lagCount)
		}
	}
}

func (r *Relay) markHealthy(l *link) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l.lagCount = 0
	l.status = types.LinkActive
}

// EndOfTransfer flushes whatever the buffer still holds, closes every
// link, and marks the session done. Safe to call more than once.
func (r *Relay) EndOfTransfer() {
	r.closeOnce.Do(func() {
		r.flush()
		if r.receiver != nil {
			_ = r.receiver.Close()
		}
		r.mu.Lock()
		parent := r.parent
		children := append([]*link{}, r.children...)
		r.mu.Unlock()
		if parent != nil && parent.stream != nil {
			_ = parent.stream.Close()
		}
		for _, c := range children {
			_ = c.stream.Close()
		}
		close(r.done)
	})
}
