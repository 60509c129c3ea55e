// Command palcastd runs one palmcast node: the main TCP acceptor, the
// UDP control plane, and the dispatcher fabric, with handlers bound for
// every connection role the handshake headers declare. Discovery and
// gossip dissemination proper are external collaborators and are not
// started here.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/jabolina/palmcast/pkg/palmcast/core"
	"github.com/jabolina/palmcast/pkg/palmcast/definition"
	"github.com/jabolina/palmcast/pkg/palmcast/dispatch"
	"github.com/jabolina/palmcast/pkg/palmcast/otm"
	"github.com/jabolina/palmcast/pkg/palmcast/stream"
	"github.com/jabolina/palmcast/pkg/palmcast/transfer"
	"github.com/jabolina/palmcast/pkg/palmcast/transport"
	"github.com/jabolina/palmcast/pkg/palmcast/types"
	"github.com/jabolina/palmcast/pkg/palmcast/wire"
)

var (
	app          = kingpin.New("palcastd", "peer-to-peer LAN file and message sharing node")
	streamAddr   = app.Flag("stream-addr", "main TCP listener address (THIS_IP:PORT_THIS)").Default("0.0.0.0:48221").String()
	datagramAddr = app.Flag("datagram-addr", "UDP control channel address").Default("0.0.0.0:48222").String()
	downloadDir  = app.Flag("download-dir", "directory incoming transfers land under (PATH_DOWNLOAD)").Default("downloads").String()
	fanout       = app.Flag("fanout", "palm-tree out-degree bound (DEFAULT_GOSSIP_FANOUT)").Default("4").Int()
	buffering    = app.Flag("otm-buffering", "relay buffer bound in chunks (MAX_OTM_BUFFERING)").Default("64").Int()
	transferWait = app.Flag("transfer-timeout", "per-chunk transfer timeout (DEFAULT_TRANSFER_TIMEOUT)").Default("5s").Duration()
	debug        = app.Flag("debug", "enable debug records").Bool()
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	logger := definition.NewDefaultLogger("palcastd")
	defer logger.Sync()
	logger.ToggleDebug(*debug)

	config := types.DefaultNodeConfig()
	config.LocalPeerID = core.NewPeerID()
	config.StreamAddr = *streamAddr
	config.DatagramAddr = *datagramAddr
	config.PathDownload = *downloadDir
	config.DefaultGossipFanout = *fanout
	config.MaxOTMBuffering = *buffering
	config.DefaultTransferTimeout = *transferWait

	if err := os.MkdirAll(config.PathDownload, 0o755); err != nil {
		logger.Fatalf("creating download directory %s: %v", config.PathDownload, err)
	}

	node, err := core.NewNode(config, logger)
	if err != nil {
		logger.Fatalf("starting node: %v", err)
	}

	sessions := transfer.NewSessionRegistry()
	node.RegisterShutdownHook(sessions.PauseAll)

	manager := otm.NewManager(config, node.Datagram, config.StreamAddr, logger)
	manager.Register(node.ConnDispatcher, node.GossipDispatch)
	node.RegisterShutdownHook(manager.Sessions().CancelAll)

	bindConnectionRoles(node, sessions, config, logger)
	bindDataHandlers(node, logger)

	go manager.Run(node.Context(), node.GossipDispatch)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		logger.Info("shutdown signal received")
		node.Shutdown()
	}()

	if err := node.Start(node.Context()); err != nil {
		logger.Fatalf("node terminated: %v", err)
	}
}

// bindConnectionRoles installs one handler per handshake intent: a
// verified peer becomes a long-lived message stream, a FILE_CONN
// becomes a transfer receiver, a RECV_DIR becomes a directory receiver.
// The OTM child-link role is installed by otm.Manager.Register.
func bindConnectionRoles(node *core.Node, sessions *transfer.SessionRegistry, config types.NodeConfig, logger types.Logger) {
	node.ConnDispatcher.RegisterHandler(types.CmdVerifyHeader, dispatch.HandlerFunc(func(ctx context.Context, event dispatch.Event) error {
		conn := event.Payload.(types.ConnectionEvent)
		s := conn.Transport.(*transport.Stream)
		peerID := conn.Handshake.PeerID
		if version, _ := conn.Handshake.GetInt64("version"); version != types.ProtocolVersion {
			_ = s.Close()
			return types.ErrUnsupportedVersion
		}
		node.Registry.AttachSocket(peerID, s)
		reader := stream.New(peerID, s, node.DataDispatcher, node.Registry, logger)
		go reader.Run(node.Context())
		return nil
	}))

	node.ConnDispatcher.RegisterHandler(types.CmdFileConn, dispatch.HandlerFunc(func(ctx context.Context, event dispatch.Event) error {
		conn := event.Payload.(types.ConnectionEvent)
		s := conn.Transport.(*transport.Stream)
		transferID, _ := conn.Handshake.GetString("transfer_id")
		if transferID == "" {
			_ = s.Close()
			return types.ErrHandshakeRejected
		}

		session, resuming := sessions.Get(transferID)
		if !resuming {
			session = &types.TransferSession{
				TransferID: transferID,
				PeerID:     conn.Handshake.PeerID,
				State:      types.Receiving,
			}
			sessions.Insert(session)
		}

		receiver := transfer.NewReceiver(types.PeerID(transferID), config.PathDownload, s)
		receiver.Session = session
		receiver.ChunkTimeout = config.DefaultTransferTimeout

		if resuming {
			if item, ok := session.CurrentFile(); ok {
				path := filepath.Join(config.PathDownload, filepath.FromSlash(item.Path))
				if err := receiver.SendResumeSeek(path); err != nil {
					_ = s.Close()
					return err
				}
			}
		}

		defer s.Close()
		if err := receiver.ReceiveAll(); err != nil {
			logger.Warnf("transfer %s interrupted: %v", transferID, err)
			return nil
		}
		sessions.Remove(transferID)
		return nil
	}))

	node.ConnDispatcher.RegisterHandler(types.CmdRecvDir, dispatch.HandlerFunc(func(ctx context.Context, event dispatch.Event) error {
		conn := event.Payload.(types.ConnectionEvent)
		s := conn.Transport.(*transport.Stream)
		defer s.Close()
		receiver := transfer.NewDirectoryReceiver(config.PathDownload, s)
		if err := receiver.ReceiveAll(); err != nil {
			logger.Debugf("directory transfer from %s ended: %v", conn.FromAddr, err)
		}
		return nil
	}))
}

// bindDataHandlers routes framed messages read off verified peer
// connections: chat text and the peer-initiated close.
func bindDataHandlers(node *core.Node, logger types.Logger) {
	node.DataDispatcher.RegisterHandler(types.CmdText, dispatch.HandlerFunc(func(ctx context.Context, event dispatch.Event) error {
		data := event.Payload.(types.StreamDataEvent)
		message, _ := data.Frame.GetString("message")
		logger.Infof("message from %s: %s", data.Frame.PeerID, message)
		return nil
	}))

	node.DataDispatcher.RegisterHandler(types.CmdClosingHeader, dispatch.HandlerFunc(func(ctx context.Context, event dispatch.Event) error {
		data := event.Payload.(types.StreamDataEvent)
		if s, ok := data.Transport.(*transport.Stream); ok {
			ack := types.WireFrame{Header: types.CmdClosingHeader, PeerID: node.Config.LocalPeerID}
			_ = wire.WriteFrame(s, ack)
			_ = s.Close()
		}
		node.Registry.DetachSocket(data.Frame.PeerID)
		return nil
	}))
}
