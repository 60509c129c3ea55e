package otm

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jabolina/palmcast/pkg/palmcast/dispatch"
	"github.com/jabolina/palmcast/pkg/palmcast/transfer"
	"github.com/jabolina/palmcast/pkg/palmcast/transport"
	"github.com/jabolina/palmcast/pkg/palmcast/types"
)

// Manager is the control-plane glue for OTM sessions on one node: it
// pumps the UDP socket into the gossip dispatcher, registers the
// handlers for the session headers, owns the session registry, and
// tracks the broadcasts this node originates. One Manager per node,
// owned by the composition root.
type Manager struct {
	config   types.NodeConfig
	control  *transport.Datagram
	sessions *SessionRegistry
	logger   types.Logger

	// activeAddr is the TCP endpoint advertised in inform responses:
	// the node's main listener, whose acceptor routes
	// GOSSIP_ADD_STREAM_LINK handshakes back here.
	activeAddr string

	mu      sync.Mutex
	senders map[string]*Sender
}

// NewManager wires the OTM control plane over the node's datagram
// socket. activeAddr must be the node's reachable TCP listener address.
func NewManager(config types.NodeConfig, control *transport.Datagram, activeAddr string, logger types.Logger) *Manager {
	return &Manager{
		config:     config,
		control:    control,
		sessions:   NewSessionRegistry(),
		logger:     logger,
		activeAddr: activeAddr,
		senders:    make(map[string]*Sender),
	}
}

// Sessions exposes the session registry, e.g. for the Node shutdown
// hook (CancelAll).
func (m *Manager) Sessions() *SessionRegistry { return m.sessions }

// Register installs the OTM handlers: the datagram control headers on
// the gossip dispatcher and the stream-link handshake on the connection
// dispatcher.
func (m *Manager) Register(conn, gossip *dispatch.Dispatcher) {
	gossip.RegisterHandler(types.OTMFileTransfer, dispatch.HandlerFunc(m.handleInform))
	gossip.RegisterHandler(types.OTMInformResponse, dispatch.HandlerFunc(m.handleInformResponse))
	gossip.RegisterHandler(types.GossipTreeCheck, dispatch.HandlerFunc(m.handleTreeCheck))
	gossip.RegisterHandler(types.OTMUpdateStreamLink, dispatch.HandlerFunc(m.handleUpdateStreamLink))
	gossip.RegisterHandler(types.OTMParentBroken, dispatch.HandlerFunc(m.handleParentBroken))
	conn.RegisterHandler(types.GossipAddStreamLink, dispatch.HandlerFunc(m.handleAddStreamLink))
}

// Run pumps control datagrams into the gossip dispatcher until ctx is
// cancelled or the socket closes. Callers run it as a goroutine.
func (m *Manager) Run(ctx context.Context, gossip *dispatch.Dispatcher) {
	for {
		frame, from, err := m.control.RecvFrame()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// Malformed datagram: drop it, keep pumping.
			if m.logger != nil {
				m.logger.Warnf("otm: dropping malformed datagram from %v: %v", from, err)
			}
			continue
		}
		event := dispatch.Event{Header: frame.Header, Payload: types.DatagramEvent{Frame: frame, From: from}}
		if submitErr := gossip.Submit(event); submitErr != nil {
			return
		}
	}
}

// Broadcast begins a one-to-many transfer of files to recipients and
// returns the driving Sender. The caller runs Sender.Start. A fanout
// of zero takes the node's configured default.
func (m *Manager) Broadcast(localID types.PeerID, files []*types.FileItem, recipients []types.RemotePeer, fanout int, linkWait time.Duration) *Sender {
	var total int64
	for _, f := range files {
		total += f.Size
	}
	if fanout <= 0 {
		fanout = m.config.DefaultGossipFanout
	}
	session := NewOTMSession(
		uuid.NewString(),
		uuid.NewString(),
		localID,
		len(files),
		total,
		fanout,
		linkWait,
		transfer.CalculateChunkSize,
	)

	relay := NewRelay(session, localID, m.control, nil, nil, m.logger)
	relay.SetMaxBuffering(m.config.MaxOTMBuffering)
	m.sessions.Add(relay)

	sender := NewSender(session, relay, files, recipients, m.control, m.activeAddr, m.logger)
	m.mu.Lock()
	m.senders[session.SessionID] = sender
	m.mu.Unlock()
	return sender
}

// handleInform is Phase A on the receiving side: reserve a relay and a
// receiver for the session and answer with this node's endpoints.
func (m *Manager) handleInform(ctx context.Context, event dispatch.Event) error {
	dg, ok := event.Payload.(types.DatagramEvent)
	if !ok {
		return types.ErrUnknownHeader
	}
	frame := dg.Frame

	sessionID, _ := frame.GetString("session_id")
	if sessionID == "" {
		return types.ErrMalformedFrame
	}
	if _, exists := m.sessions.Get(sessionID); exists {
		// Duplicate inform, the first reservation stands.
		return nil
	}
	key, _ := frame.GetString("key")
	fanout, _ := frame.GetInt64("fanout")
	linkWaitMs, _ := frame.GetInt64("link_wait_timeout")
	chunkSize, _ := frame.GetInt64("chunk_size")
	fileCount, _ := frame.GetInt64("file_count")

	session := types.OTMSession{
		SessionID:       sessionID,
		OriginatorID:    frame.PeerID,
		Key:             key,
		Fanout:          int(fanout),
		AdjacentPeers:   peerIDsFromBody(frame, "adjacent_peers"),
		ChunkSize:       int(chunkSize),
		LinkWaitTimeout: time.Duration(linkWaitMs) * time.Millisecond,
		FileCount:       int(fileCount),
	}
	if session.ChunkSize <= 0 || session.ChunkSize > m.config.MaxDatagramRecvSize*64 {
		return types.ErrMalformedFrame
	}

	receiver := NewFilesReceiver(m.config.PathDownload)
	relay := NewRelay(session, m.config.LocalPeerID, m.control, dg.From, receiver, m.logger)
	relay.SetMaxBuffering(m.config.MaxOTMBuffering)
	m.sessions.Add(relay)

	go func() {
		defer m.sessions.Remove(sessionID)
		if err := relay.RunReadSide(context.Background()); err != nil && m.logger != nil {
			m.logger.Warnf("otm %s: read side ended: %v", sessionID, err)
		}
	}()

	response := types.WireFrame{
		Header: types.OTMInformResponse,
		PeerID: m.config.LocalPeerID,
		Body: map[string]interface{}{
			"session_id":   sessionID,
			"active_addr":  m.activeAddr,
			"passive_addr": m.control.LocalAddr().String(),
			"key":          key,
		},
	}
	return m.control.SendFrame(response, dg.From)
}

func (m *Manager) handleInformResponse(ctx context.Context, event dispatch.Event) error {
	dg, ok := event.Payload.(types.DatagramEvent)
	if !ok {
		return types.ErrUnknownHeader
	}
	frame := dg.Frame
	sessionID, _ := frame.GetString("session_id")
	sender := m.senderFor(sessionID)
	if sender == nil {
		return types.ErrSessionUnknown
	}
	active, _ := frame.GetString("active_addr")
	passive, _ := frame.GetString("passive_addr")
	key, _ := frame.GetString("key")
	sender.HandleInformResponse(InformResponse{
		PeerID:      frame.PeerID,
		ActiveAddr:  active,
		PassiveAddr: passive,
		Key:         key,
	})
	return nil
}

// handleTreeCheck records the Phase B placement, dropping duplicate
// packets by their session counter.
func (m *Manager) handleTreeCheck(ctx context.Context, event dispatch.Event) error {
	dg, ok := event.Payload.(types.DatagramEvent)
	if !ok {
		return types.ErrUnknownHeader
	}
	frame := dg.Frame
	sessionID, _ := frame.GetString("session_id")
	relay, ok := m.sessions.Get(sessionID)
	if !ok {
		return types.ErrSessionUnknown
	}
	counter, _ := frame.GetInt64("counter")
	if !relay.ObserveTreeCheck(treeCheckID(sessionID, counter)) {
		return nil
	}
	parent, _ := frame.GetString("parent")
	relay.SetPlacement(types.PeerID(parent), peerIDsFromBody(frame, "children"))
	return nil
}

// handleUpdateStreamLink is Phase C on the child side: dial the
// designated parent, introduce ourselves with GOSSIP_ADD_STREAM_LINK,
// and satisfy the relay's parent future with the fresh connection.
func (m *Manager) handleUpdateStreamLink(ctx context.Context, event dispatch.Event) error {
	dg, ok := event.Payload.(types.DatagramEvent)
	if !ok {
		return types.ErrUnknownHeader
	}
	frame := dg.Frame
	sessionID, _ := frame.GetString("session_id")
	relay, ok := m.sessions.Get(sessionID)
	if !ok {
		return types.ErrSessionUnknown
	}
	peerAddr, _ := frame.GetString("peer_addr")
	parentID, _ := frame.GetString("parent_id")

	dialTimeout := relay.Session.LinkWaitTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	stream, err := transport.Dial(peerAddr, dialTimeout)
	if err != nil {
		return err
	}
	handshake := types.WireFrame{
		Header: types.GossipAddStreamLink,
		PeerID: m.config.LocalPeerID,
		Body: map[string]interface{}{
			"session_id": sessionID,
		},
	}
	if err := stream.Send(handshake); err != nil {
		_ = stream.Close()
		return err
	}
	relay.SatisfyParent(types.PeerID(parentID), stream)
	return nil
}

// handleAddStreamLink is Phase C on the parent side: the acceptor read
// the GOSSIP_ADD_STREAM_LINK handshake off a fresh inbound connection
// and routed it here; the socket becomes a child link.
func (m *Manager) handleAddStreamLink(ctx context.Context, event dispatch.Event) error {
	conn, ok := event.Payload.(types.ConnectionEvent)
	if !ok {
		return types.ErrUnknownHeader
	}
	stream, ok := conn.Transport.(*transport.Stream)
	if !ok {
		return types.ErrUnknownHeader
	}
	sessionID, _ := conn.Handshake.GetString("session_id")
	relay, found := m.sessions.Get(sessionID)
	if !found {
		_ = stream.Close()
		return types.ErrSessionUnknown
	}
	if err := relay.AttachChild(conn.Handshake.PeerID, stream); err != nil {
		_ = stream.Close()
		return err
	}
	return nil
}

// handleParentBroken routes a PARENT_LINK_BROKEN report to the session's
// originating sender for re-parenting.
func (m *Manager) handleParentBroken(ctx context.Context, event dispatch.Event) error {
	dg, ok := event.Payload.(types.DatagramEvent)
	if !ok {
		return types.ErrUnknownHeader
	}
	frame := dg.Frame
	sessionID, _ := frame.GetString("session_id")
	sender := m.senderFor(sessionID)
	if sender == nil {
		return types.ErrSessionUnknown
	}
	broken, _ := frame.GetString("broken_peer_id")
	lastCounter, _ := frame.GetInt64("last_counter")
	return sender.HandleParentBroken(frame.PeerID, types.PeerID(broken), uint64(lastCounter))
}

func (m *Manager) senderFor(sessionID string) *Sender {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.senders[sessionID]
}

func treeCheckID(sessionID string, counter int64) string {
	return sessionID + "#" + strconv.FormatInt(counter, 10)
}

func peerIDsFromBody(frame types.WireFrame, key string) []types.PeerID {
	v, ok := frame.Get(key)
	if !ok {
		return nil
	}
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]types.PeerID, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, types.PeerID(s))
		}
	}
	return out
}
