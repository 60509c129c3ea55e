package core_test

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jabolina/palmcast/pkg/palmcast/core"
	"github.com/jabolina/palmcast/pkg/palmcast/registry"
	"github.com/jabolina/palmcast/pkg/palmcast/transport"
	"github.com/jabolina/palmcast/pkg/palmcast/types"
)

func TestConnectorDialsAndVerifies(t *testing.T) {
	ln, err := transport.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	handshakeReceived := make(chan types.WireFrame, 1)
	go func() {
		stream, err := ln.Accept()
		if err != nil {
			return
		}
		defer stream.Close()
		frame, err := stream.Recv()
		if err == nil {
			handshakeReceived <- frame
		}
	}()

	reg := registry.New()
	connector := core.NewConnector("local-peer", reg, nil)

	host, port := splitHostPort(t, ln.Addr().String())
	peer := types.RemotePeer{PeerID: "remote-peer", StreamAddr: types.Addr{Host: host, Port: port}}

	stream, err := connector.GetConnection(peer)
	require.NoError(t, err)
	defer stream.Close()

	select {
	case frame := <-handshakeReceived:
		require.Equal(t, types.CmdVerifyHeader, frame.Header)
		require.Equal(t, types.PeerID("local-peer"), frame.PeerID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for handshake")
	}

	cached, ok := reg.GetSocket(peer.PeerID)
	require.True(t, ok)
	require.Same(t, stream, cached)
}

func TestConnectorFailsWithPeerUnreachable(t *testing.T) {
	reg := registry.New()
	connector := core.NewConnector("local-peer", reg, nil)
	connector.InitialBackoff = time.Millisecond
	connector.DialTimeout = 50 * time.Millisecond

	peer := types.RemotePeer{PeerID: "ghost", StreamAddr: types.Addr{Host: "127.0.0.1", Port: 1}}
	_, err := connector.GetConnection(peer)
	require.ErrorIs(t, err, types.ErrPeerUnreachable)
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}
