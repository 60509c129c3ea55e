package otm

import (
	"context"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/edsrzf/mmap-go"

	"github.com/jabolina/palmcast/pkg/palmcast/types"
)

// DefaultRequestTimeout bounds Phase A: peers that do not answer the
// inform packet within it are excluded from the tree for this session.
const DefaultRequestTimeout = 5 * time.Second

// InformResponse is a Phase A acceptance: where the peer will accept
// its stream link (active) and its UDP control packets (passive).
type InformResponse struct {
	PeerID      types.PeerID
	ActiveAddr  string
	PassiveAddr string
	Key         string
}

// Sender drives one OTM broadcast from the originator: inform the
// candidates, compute and distribute the spanning tree, trigger stream
// link formation, then pump file chunks through the root relay. It is
// the only place the session's tree is ever computed; every other node
// just learns its own parent and children.
type Sender struct {
	Session types.OTMSession

	relay      *Relay
	files      []*types.FileItem
	recipients []types.RemotePeer
	control    ControlSender
	localID    types.PeerID
	activeAddr string
	logger     types.Logger

	RequestTimeout time.Duration

	mu        sync.Mutex
	responses map[types.PeerID]InformResponse
	tree      Tree
	counter   uint64

	responseCh chan InformResponse
}

// NewSender builds the originator side of a session. activeAddr is the
// local TCP endpoint children of the root dial for their stream link
// (the node's main listener). Start marks the relay root once the
// spanning tree has been distributed.
func NewSender(session types.OTMSession, relay *Relay, files []*types.FileItem, recipients []types.RemotePeer, control ControlSender, activeAddr string, logger types.Logger) *Sender {
	return &Sender{
		Session:        session,
		relay:          relay,
		files:          files,
		recipients:     recipients,
		control:        control,
		localID:        session.OriginatorID,
		activeAddr:     activeAddr,
		logger:         logger,
		RequestTimeout: DefaultRequestTimeout,
		responses:      make(map[types.PeerID]InformResponse),
		responseCh:     make(chan InformResponse, len(recipients)+1),
	}
}

// NewOTMSession assembles the immutable session configuration for a
// broadcast of files to recipients. The chunk size comes from the same
// breakpoint table the point-to-point engine uses, applied to the total
// payload, via chunkSizer (Manager.Broadcast passes
// transfer.CalculateChunkSize).
func NewOTMSession(sessionID, key string, originator types.PeerID, fileCount int, totalSize int64, fanout int, linkWait time.Duration, chunkSizer func(int64) int) types.OTMSession {
	if fanout <= 0 {
		fanout = types.DefaultFanout
	}
	return types.OTMSession{
		SessionID:       sessionID,
		OriginatorID:    originator,
		Key:             key,
		Fanout:          fanout,
		ChunkSize:       chunkSizer(totalSize),
		LinkWaitTimeout: linkWait,
		FileCount:       fileCount,
	}
}

// HandleInformResponse feeds a Phase A acceptance into the collector.
// Called by the Manager's datagram handler.
func (s *Sender) HandleInformResponse(resp InformResponse) {
	select {
	case s.responseCh <- resp:
	default:
	}
}

// Responders returns the peers that accepted the session, sorted by id.
func (s *Sender) Responders() []types.PeerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.PeerID, 0, len(s.responses))
	for id := range s.responses {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Tree returns the Phase B spanning tree, nil before UpdateStates.
func (s *Sender) Tree() Tree {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree
}

// Start runs the whole broadcast: Phase A inform, Phase B state
// distribution, Phase C stream link formation, then the data phase.
func (s *Sender) Start(ctx context.Context) error {
	if err := s.InformPeers(ctx); err != nil {
		return err
	}
	if err := s.UpdateStates(); err != nil {
		return err
	}
	s.relay.MarkRoot()
	if err := s.TriggerSpanningFormation(); err != nil {
		return err
	}
	return s.SendFiles(ctx)
}

// InformPeers sends the OTM_FILE_TRANSFER inform packet to every
// candidate's control endpoint and collects responses until every
// candidate answered or RequestTimeout elapsed. Non-responders are
// simply excluded; informing zero reachable peers is not an error,
// the session just degenerates to a root with no tree.
func (s *Sender) InformPeers(ctx context.Context) error {
	inform := types.WireFrame{
		Header: types.OTMFileTransfer,
		PeerID: s.localID,
		MsgID:  s.Session.SessionID,
		Body: map[string]interface{}{
			"session_id":        s.Session.SessionID,
			"key":               s.Session.Key,
			"fanout":            s.Session.Fanout,
			"adjacent_peers":    peerIDStrings(s.Session.AdjacentPeers),
			"link_wait_timeout": s.Session.LinkWaitTimeout.Milliseconds(),
			"chunk_size":        s.Session.ChunkSize,
			"file_count":        s.Session.FileCount,
		},
	}
	for _, peer := range s.recipients {
		addr, err := net.ResolveUDPAddr("udp", peer.ReqAddr.String())
		if err != nil {
			if s.logger != nil {
				s.logger.Warnf("otm %s: bad control addr for %s: %v", s.Session.SessionID, peer.PeerID, err)
			}
			continue
		}
		if err := s.control.SendFrame(inform, addr); err != nil && s.logger != nil {
			s.logger.Warnf("otm %s: inform %s failed: %v", s.Session.SessionID, peer.PeerID, err)
		}
	}

	deadline := time.NewTimer(s.RequestTimeout)
	defer deadline.Stop()
	for {
		s.mu.Lock()
		collected := len(s.responses)
		s.mu.Unlock()
		if collected >= len(s.recipients) {
			return nil
		}
		select {
		case resp := <-s.responseCh:
			if resp.Key != s.Session.Key {
				if s.logger != nil {
					s.logger.Warnf("otm %s: key mismatch from %s, ignoring", s.Session.SessionID, resp.PeerID)
				}
				continue
			}
			s.mu.Lock()
			s.responses[resp.PeerID] = resp
			s.mu.Unlock()
		case <-deadline.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// UpdateStates is Phase B: compute the spanning tree over responders
// and send each node its place in it as a GOSSIP_TREE_CHECK packet,
// stamped with a monotonically increasing counter for duplicate
// suppression on the far side.
func (s *Sender) UpdateStates() error {
	s.mu.Lock()
	responders := make([]types.PeerID, 0, len(s.responses))
	for id := range s.responses {
		responders = append(responders, id)
	}
	s.mu.Unlock()

	tree := BuildTree(s.localID, responders, nil, s.Session.Fanout)
	s.mu.Lock()
	s.tree = tree
	s.mu.Unlock()

	for id, node := range tree {
		if id == s.localID {
			s.relay.SetPlacement("", node.Children)
			continue
		}
		if err := s.sendTreeCheck(id, node); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sender) sendTreeCheck(id types.PeerID, node *TreeNode) error {
	addr, err := s.passiveAddr(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.counter++
	counter := s.counter
	s.mu.Unlock()
	frame := types.WireFrame{
		Header: types.GossipTreeCheck,
		PeerID: s.localID,
		Body: map[string]interface{}{
			"session_id": s.Session.SessionID,
			"counter":    counter,
			"parent":     string(node.Parent),
			"children":   peerIDStrings(node.Children),
		},
	}
	return s.control.SendFrame(frame, addr)
}

// TriggerSpanningFormation is Phase C: for every tree edge, tell the
// child where its parent accepts stream links. The child dials that
// address and sends GOSSIP_ADD_STREAM_LINK over the fresh connection.
func (s *Sender) TriggerSpanningFormation() error {
	s.mu.Lock()
	tree := s.tree
	s.mu.Unlock()
	if tree == nil {
		return nil
	}
	for parent, node := range tree {
		for _, child := range node.Children {
			if err := s.sendUpdateStreamLink(child, parent); err != nil {
				if s.logger != nil {
					s.logger.Warnf("otm %s: link formation for %s under %s failed: %v", s.Session.SessionID, child, parent, err)
				}
			}
		}
	}
	return nil
}

func (s *Sender) sendUpdateStreamLink(child, parent types.PeerID) error {
	childAddr, err := s.passiveAddr(child)
	if err != nil {
		return err
	}
	parentActive, err := s.activeAddrOf(parent)
	if err != nil {
		return err
	}
	frame := types.WireFrame{
		Header: types.OTMUpdateStreamLink,
		PeerID: s.localID,
		Body: map[string]interface{}{
			"session_id": s.Session.SessionID,
			"peer_addr":  parentActive,
			"parent_id":  string(parent),
		},
	}
	return s.control.SendFrame(frame, childAddr)
}

// SendFiles runs the data phase at the root: one metadata frame, then
// the files' bytes as one continuous stream chunked to
// session.chunk_size, then the end-of-stream frame. Chunks deliberately
// cross file boundaries (the receiver's spill policy reassembles them);
// only the final data chunk carries padding, which receivers discard
// because the metadata told them the exact payload size. Each chunk
// send completes before the next disk read is issued.
func (s *Sender) SendFiles(ctx context.Context) error {
	metadata, err := EncodeFileMetadata(s.files)
	if err != nil {
		return err
	}
	frame, err := makeChunkFrame(chunkMetadata, metadata, s.Session.ChunkSize)
	if err != nil {
		return err
	}
	s.relay.ForwardFrame(ctx, frame)

	carry := make([]byte, 0, s.Session.ChunkSize)
	for _, item := range s.files {
		carry, err = s.sendFile(ctx, item, carry)
		if err != nil {
			return err
		}
	}
	if len(carry) > 0 {
		frame, err := makeChunkFrame(chunkData, carry, s.Session.ChunkSize)
		if err != nil {
			return err
		}
		s.relay.ForwardFrame(ctx, frame)
	}

	eos, err := makeChunkFrame(chunkEndOfStream, nil, s.Session.ChunkSize)
	if err != nil {
		return err
	}
	s.relay.ForwardFrame(ctx, eos)
	s.relay.EndOfTransfer()
	return nil
}

// sendFile streams one file's bytes into the chunk carry buffer,
// emitting a frame every time it reaches a full chunk. The remainder
// stays in the carry for the next file.
func (s *Sender) sendFile(ctx context.Context, item *types.FileItem, carry []byte) ([]byte, error) {
	f, err := os.Open(item.Path)
	if err != nil {
		return carry, err
	}
	defer f.Close()

	mapped, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return carry, err
	}
	defer mapped.Unmap()

	chunkSize := s.Session.ChunkSize
	offset := item.Seeked
	for offset < item.Size {
		select {
		case <-ctx.Done():
			return carry, ctx.Err()
		default:
		}
		take := int64(chunkSize - len(carry))
		if take > item.Size-offset {
			take = item.Size - offset
		}
		carry = append(carry, mapped[offset:offset+take]...)
		offset += take
		item.Seeked = offset
		if len(carry) == chunkSize {
			frame, err := makeChunkFrame(chunkData, carry, chunkSize)
			if err != nil {
				return carry, err
			}
			s.relay.ForwardFrame(ctx, frame)
			carry = carry[:0]
		}
	}
	return carry, nil
}

// HandleParentBroken re-parents the reporter under a surviving node
// with spare fanout capacity and re-triggers link formation for it.
// The failed node is removed from the tree; chunks the reporter missed
// stay missed.
func (s *Sender) HandleParentBroken(reporter, broken types.PeerID, lastCounter uint64) error {
	s.mu.Lock()
	tree := s.tree
	s.mu.Unlock()
	if tree == nil {
		return types.ErrSessionUnknown
	}
	if s.logger != nil {
		s.logger.Warnf("otm %s: %s lost parent %s at chunk %d, re-parenting", s.Session.SessionID, reporter, broken, lastCounter)
	}

	if broken != "" && broken != s.localID {
		tree.Remove(broken)
		s.mu.Lock()
		delete(s.responses, broken)
		s.mu.Unlock()
	}

	// Exclude the reporter's own subtree so re-parenting cannot form a
	// cycle.
	excluded := map[types.PeerID]bool{reporter: true}
	for _, o := range tree.Orphans(reporter) {
		excluded[o] = true
	}

	candidates := make([]types.PeerID, 0, len(tree))
	for id, node := range tree {
		if excluded[id] || len(node.Children) >= s.Session.Fanout {
			continue
		}
		candidates = append(candidates, id)
	}
	if len(candidates) == 0 {
		return types.ErrPeerUnreachable
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if la, lb := len(tree[a].Children), len(tree[b].Children); la != lb {
			return la < lb
		}
		return a < b
	})
	newParent := candidates[0]

	tree.Reparent(reporter, newParent)
	return s.sendUpdateStreamLink(reporter, newParent)
}

func (s *Sender) passiveAddr(id types.PeerID) (*net.UDPAddr, error) {
	s.mu.Lock()
	resp, ok := s.responses[id]
	s.mu.Unlock()
	if !ok {
		return nil, types.ErrSessionUnknown
	}
	return net.ResolveUDPAddr("udp", resp.PassiveAddr)
}

func (s *Sender) activeAddrOf(id types.PeerID) (string, error) {
	if id == s.localID {
		return s.activeAddr, nil
	}
	s.mu.Lock()
	resp, ok := s.responses[id]
	s.mu.Unlock()
	if !ok {
		return "", types.ErrSessionUnknown
	}
	return resp.ActiveAddr, nil
}

func peerIDStrings(ids []types.PeerID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
