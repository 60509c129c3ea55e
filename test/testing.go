package test

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jabolina/palmcast/pkg/palmcast/core"
	"github.com/jabolina/palmcast/pkg/palmcast/dispatch"
	"github.com/jabolina/palmcast/pkg/palmcast/otm"
	"github.com/jabolina/palmcast/pkg/palmcast/stream"
	"github.com/jabolina/palmcast/pkg/palmcast/transfer"
	"github.com/jabolina/palmcast/pkg/palmcast/transport"
	"github.com/jabolina/palmcast/pkg/palmcast/types"
)

// TestNode is one running palmcast node with the verify, file-conn and
// text role bindings the palcastd composition root installs, plus
// capture channels for assertions.
type TestNode struct {
	Config   types.NodeConfig
	Node     *core.Node
	Manager  *otm.Manager
	Sessions *transfer.SessionRegistry

	// Messages receives every CMD_TEXT frame routed by the node's data
	// dispatcher.
	Messages chan types.WireFrame
}

// StartNode boots a node on loopback ephemeral ports and waits for the
// acceptor to be listening.
func StartNode(t *testing.T) *TestNode {
	t.Helper()

	config := types.DefaultNodeConfig()
	config.LocalPeerID = core.NewPeerID()
	config.StreamAddr = "127.0.0.1:0"
	config.DatagramAddr = "127.0.0.1:0"
	config.PathDownload = t.TempDir()

	node, err := core.NewNode(config, nil)
	if err != nil {
		t.Fatalf("failed starting node: %v", err)
	}
	go node.Start(node.Context())
	waitListening(t, node)

	config.StreamAddr = node.Acceptor.ListenAddr()
	config.DatagramAddr = node.Datagram.LocalAddr().String()

	sessions := transfer.NewSessionRegistry()
	node.RegisterShutdownHook(sessions.PauseAll)

	manager := otm.NewManager(config, node.Datagram, config.StreamAddr, nil)
	manager.Register(node.ConnDispatcher, node.GossipDispatch)
	node.RegisterShutdownHook(manager.Sessions().CancelAll)
	go manager.Run(node.Context(), node.GossipDispatch)

	tn := &TestNode{
		Config:   config,
		Node:     node,
		Manager:  manager,
		Sessions: sessions,
		Messages: make(chan types.WireFrame, 128),
	}
	tn.bindRoles()
	return tn
}

func waitListening(t *testing.T, node *core.Node) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for node.Acceptor.State() != core.AcceptorListening {
		if time.Now().After(deadline) {
			t.Fatal("acceptor never reached LISTENING")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// bindRoles mirrors part of palcastd's connection/data handler wiring:
// the verify, file-conn and text handlers. It installs no directory or
// closing handler, and the verify handler does not check the protocol
// version.
func (n *TestNode) bindRoles() {
	n.Node.ConnDispatcher.RegisterHandler(types.CmdVerifyHeader, dispatch.HandlerFunc(func(ctx context.Context, event dispatch.Event) error {
		conn := event.Payload.(types.ConnectionEvent)
		s := conn.Transport.(*transport.Stream)
		n.Node.Registry.AttachSocket(conn.Handshake.PeerID, s)
		reader := stream.New(conn.Handshake.PeerID, s, n.Node.DataDispatcher, n.Node.Registry, nil)
		go reader.Run(n.Node.Context())
		return nil
	}))

	n.Node.ConnDispatcher.RegisterHandler(types.CmdFileConn, dispatch.HandlerFunc(func(ctx context.Context, event dispatch.Event) error {
		conn := event.Payload.(types.ConnectionEvent)
		s := conn.Transport.(*transport.Stream)
		transferID, _ := conn.Handshake.GetString("transfer_id")

		session, resuming := n.Sessions.Get(transferID)
		if !resuming {
			session = &types.TransferSession{
				TransferID: transferID,
				PeerID:     conn.Handshake.PeerID,
				State:      types.Receiving,
			}
			n.Sessions.Insert(session)
		}

		receiver := transfer.NewReceiver(types.PeerID(transferID), n.Config.PathDownload, s)
		receiver.Session = session
		if resuming {
			if item, ok := session.CurrentFile(); ok {
				path := filepath.Join(n.Config.PathDownload, filepath.FromSlash(item.Path))
				if err := receiver.SendResumeSeek(path); err != nil {
					_ = s.Close()
					return err
				}
			}
		}

		defer s.Close()
		if err := receiver.ReceiveAll(); err != nil {
			return nil
		}
		n.Sessions.Remove(transferID)
		return nil
	}))

	n.Node.DataDispatcher.RegisterHandler(types.CmdText, dispatch.HandlerFunc(func(ctx context.Context, event dispatch.Event) error {
		data := event.Payload.(types.StreamDataEvent)
		n.Messages <- data.Frame
		return nil
	}))
}

// RemotePeer describes this node the way discovery would.
func (n *TestNode) RemotePeer() types.RemotePeer {
	return types.RemotePeer{
		PeerID:     n.Config.LocalPeerID,
		Username:   string(n.Config.LocalPeerID)[:8],
		Status:     types.StatusOnline,
		StreamAddr: mustAddr(n.Config.StreamAddr),
		ReqAddr:    mustAddr(n.Config.DatagramAddr),
	}
}

func mustAddr(hostport string) types.Addr {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		panic(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		panic(err)
	}
	return types.Addr{Host: host, Port: port}
}

// SendText delivers one chat frame to target over the cached (or
// freshly dialed and verified) connection.
func (n *TestNode) SendText(target *TestNode, msgID, message string) error {
	conn, err := n.Node.Connector.GetConnection(target.RemotePeer())
	if err != nil {
		return err
	}
	return conn.Send(types.WireFrame{
		Header: types.CmdText,
		PeerID: n.Config.LocalPeerID,
		MsgID:  msgID,
		Body:   map[string]interface{}{"message": message},
	})
}

// SendFiles runs a point-to-point transfer of paths to target.
func (n *TestNode) SendFiles(target *TestNode, transferID string, paths []string) error {
	items := make([]*types.FileItem, 0, len(paths))
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		items = append(items, &types.FileItem{Path: path, Size: info.Size()})
	}
	conn, err := transport.Dial(target.Config.StreamAddr, 2*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()
	sender := transfer.NewSender(types.PeerID(transferID), n.Config.LocalPeerID, items, conn, nil)
	if err := sender.Handshake(); err != nil {
		return err
	}
	return sender.SendAll()
}

// NodeCluster is a set of nodes that all know each other through their
// peer registries, the way a settled discovery round would leave them.
type NodeCluster struct {
	T     *testing.T
	Nodes []*TestNode
	group sync.WaitGroup
}

// CreateCluster boots size nodes and cross-registers every peer.
func CreateCluster(size int, t *testing.T) *NodeCluster {
	cluster := &NodeCluster{T: t}
	for i := 0; i < size; i++ {
		cluster.Nodes = append(cluster.Nodes, StartNode(t))
	}
	for _, node := range cluster.Nodes {
		for _, other := range cluster.Nodes {
			if node != other {
				node.Node.Registry.AddPeer(other.RemotePeer())
			}
		}
	}
	return cluster
}

// Off shuts every node down concurrently and waits for all of them.
func (c *NodeCluster) Off() {
	for _, node := range c.Nodes {
		c.group.Add(1)
		go c.poweroff(node)
	}
	c.group.Wait()
}

func (c *NodeCluster) poweroff(node *TestNode) {
	defer c.group.Done()
	node.Node.Shutdown()
}

// Others returns every cluster member except origin, as RemotePeers.
func (c *NodeCluster) Others(origin *TestNode) []types.RemotePeer {
	out := make([]types.RemotePeer, 0, len(c.Nodes)-1)
	for _, node := range c.Nodes {
		if node != origin {
			out = append(out, node.RemotePeer())
		}
	}
	return out
}

// WriteClusterFile drops a deterministic payload under dir.
func WriteClusterFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	data := make([]byte, size)
	for i := range data {
		data[i] = byte((i*7 + 13) % 251)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}

// PrintStackTrace dumps every goroutine, for post-mortem on a hung
// shutdown.
func PrintStackTrace(t *testing.T) {
	buf := make([]byte, 1<<16)
	n := runtime.Stack(buf, true)
	t.Errorf("%s", buf[:n])
}

// WaitThisOrTimeout runs cb and reports whether it finished within
// duration.
func WaitThisOrTimeout(cb func(), duration time.Duration) bool {
	done := make(chan bool)
	go func() {
		cb()
		done <- true
	}()
	select {
	case <-done:
		return true
	case <-time.After(duration):
		return false
	}
}

// Alphabet is the sequential-message workload used by the fuzzy tests.
var Alphabet = []string{
	"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l", "m",
	"n", "o", "p", "q", "r", "s", "t", "u", "v", "w", "x", "y", "z",
}

// MessageID makes a unique message id for test frames.
func MessageID(prefix string, i int) string {
	return fmt.Sprintf("%s-%d-%d", prefix, i, time.Now().UnixNano())
}
