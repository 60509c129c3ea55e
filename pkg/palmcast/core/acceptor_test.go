package core_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jabolina/palmcast/pkg/palmcast/core"
	"github.com/jabolina/palmcast/pkg/palmcast/dispatch"
	"github.com/jabolina/palmcast/pkg/palmcast/transport"
	"github.com/jabolina/palmcast/pkg/palmcast/types"
)

func TestAcceptorHandshakeEmitsConnectionEvent(t *testing.T) {
	connDispatcher := dispatch.New(nil)
	go connDispatcher.ListenForEvents()
	defer connDispatcher.Stop()

	received := make(chan types.ConnectionEvent, 1)
	connDispatcher.RegisterHandler(types.CmdVerifyHeader, dispatch.HandlerFunc(func(ctx context.Context, event dispatch.Event) error {
		received <- event.Payload.(types.ConnectionEvent)
		return nil
	}))

	acceptor := core.NewAcceptor("127.0.0.1:0", connDispatcher, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go acceptor.Start(ctx)
	defer acceptor.Stop()

	addr := acceptorListenAddr(t, acceptor)
	stream, err := transport.Dial(addr, time.Second)
	require.NoError(t, err)
	defer stream.Close()

	require.NoError(t, stream.Send(types.WireFrame{
		Header: types.CmdVerifyHeader,
		PeerID: "peer-client",
		Body:   map[string]interface{}{"version": types.ProtocolVersion},
	}))

	select {
	case event := <-received:
		require.Equal(t, types.CmdVerifyHeader, event.Handshake.Header)
		require.Equal(t, types.PeerID("peer-client"), event.Handshake.PeerID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ConnectionEvent")
	}
}

func TestAcceptorClosesOnUnexpectedFirstFrame(t *testing.T) {
	connDispatcher := dispatch.New(nil)
	go connDispatcher.ListenForEvents()
	defer connDispatcher.Stop()

	acceptor := core.NewAcceptor("127.0.0.1:0", connDispatcher, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go acceptor.Start(ctx)
	require.Eventually(t, func() bool {
		return acceptor.State() == core.AcceptorListening
	}, time.Second, 5*time.Millisecond)
	defer acceptor.Stop()

	addr := acceptorListenAddr(t, acceptor)
	stream, err := transport.Dial(addr, time.Second)
	require.NoError(t, err)
	defer stream.Close()

	require.NoError(t, stream.Send(types.WireFrame{Header: types.CmdText, PeerID: "x"}))

	// The acceptor should close its side; our read should observe EOF
	// rather than hang.
	stream.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = stream.Recv()
	require.Error(t, err)
}

func acceptorListenAddr(t *testing.T, a *core.Acceptor) string {
	t.Helper()
	require.Eventually(t, func() bool {
		return a.State() == core.AcceptorListening
	}, time.Second, 5*time.Millisecond)
	return a.ListenAddr()
}
