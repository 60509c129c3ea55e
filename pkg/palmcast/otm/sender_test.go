package otm

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jabolina/palmcast/pkg/palmcast/types"
)

// captureControl records control frames instead of putting them on a
// socket, so phase logic can be asserted without real peers.
type captureControl struct {
	mu     sync.Mutex
	frames []types.WireFrame
	addrs  []*net.UDPAddr
}

func (c *captureControl) SendFrame(frame types.WireFrame, addr *net.UDPAddr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	c.addrs = append(c.addrs, addr)
	return nil
}

func (c *captureControl) byHeader(header types.Header) []types.WireFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []types.WireFrame
	for _, f := range c.frames {
		if f.Header == header {
			out = append(out, f)
		}
	}
	return out
}

func broadcastFixture(t *testing.T, peerCount int) (*Sender, *captureControl) {
	t.Helper()
	control := &captureControl{}
	session := types.OTMSession{
		SessionID:       "sess-1",
		OriginatorID:    "origin",
		Key:             "secret",
		Fanout:          2,
		ChunkSize:       64,
		LinkWaitTimeout: 100 * time.Millisecond,
		FileCount:       1,
	}
	relay := NewRelay(session, "origin", control, nil, nil, nil)

	recipients := make([]types.RemotePeer, peerCount)
	for i := range recipients {
		id := types.PeerID(fmt.Sprintf("peer-%02d", i))
		recipients[i] = types.RemotePeer{
			PeerID:  id,
			Status:  types.StatusOnline,
			ReqAddr: types.Addr{Host: "127.0.0.1", Port: 19000 + i},
		}
	}
	sender := NewSender(session, relay, nil, recipients, control, "127.0.0.1:18000", nil)
	sender.RequestTimeout = 200 * time.Millisecond

	for i, r := range recipients {
		sender.HandleInformResponse(InformResponse{
			PeerID:      r.PeerID,
			ActiveAddr:  fmt.Sprintf("127.0.0.1:%d", 20000+i),
			PassiveAddr: fmt.Sprintf("127.0.0.1:%d", 21000+i),
			Key:         "secret",
		})
	}
	return sender, control
}

func TestSenderPhasesInformUpdateAndFormation(t *testing.T) {
	sender, control := broadcastFixture(t, 4)

	require.NoError(t, sender.InformPeers(context.Background()))
	require.Len(t, sender.Responders(), 4)
	require.Len(t, control.byHeader(types.OTMFileTransfer), 4)

	require.NoError(t, sender.UpdateStates())
	tree := sender.Tree()
	require.Equal(t, 4, tree.Edges(), "spanning tree over 5 participants has 4 links")
	checks := control.byHeader(types.GossipTreeCheck)
	require.Len(t, checks, 4, "every responder is told its placement")

	// Every tree-check packet carries its own, distinct counter.
	seen := map[int64]bool{}
	for _, check := range checks {
		counter, ok := check.GetInt64("counter")
		require.True(t, ok)
		require.False(t, seen[counter])
		seen[counter] = true
	}

	require.NoError(t, sender.TriggerSpanningFormation())
	links := control.byHeader(types.OTMUpdateStreamLink)
	require.Len(t, links, 4, "one stream-link instruction per tree edge")
}

func TestSenderIgnoresResponsesWithWrongKey(t *testing.T) {
	sender, _ := broadcastFixture(t, 2)
	sender.HandleInformResponse(InformResponse{PeerID: "intruder", Key: "wrong"})

	require.NoError(t, sender.InformPeers(context.Background()))
	require.NotContains(t, sender.Responders(), types.PeerID("intruder"))
}

func TestSenderReparentsAfterParentBroken(t *testing.T) {
	sender, control := broadcastFixture(t, 4)
	require.NoError(t, sender.InformPeers(context.Background()))
	require.NoError(t, sender.UpdateStates())

	tree := sender.Tree()
	broken := tree["origin"].Children[0]
	reporter := tree[broken].Children[0]

	require.NoError(t, sender.HandleParentBroken(reporter, broken, 7))

	tree = sender.Tree()
	require.NotContains(t, tree, broken)
	newParent := tree[reporter].Parent
	require.NotEqual(t, broken, newParent)
	require.LessOrEqual(t, len(tree[newParent].Children), sender.Session.Fanout)

	relinks := control.byHeader(types.OTMUpdateStreamLink)
	last := relinks[len(relinks)-1]
	parentID, _ := last.GetString("parent_id")
	require.Equal(t, string(newParent), parentID)
}
