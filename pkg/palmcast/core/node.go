package core

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/jabolina/palmcast/pkg/palmcast/dispatch"
	"github.com/jabolina/palmcast/pkg/palmcast/registry"
	"github.com/jabolina/palmcast/pkg/palmcast/transport"
	"github.com/jabolina/palmcast/pkg/palmcast/types"
)

// Node is the lifecycle composition root, passed by reference through
// every component's constructor: nothing here is reachable except
// through the Node a caller holds.
type Node struct {
	Config types.NodeConfig

	Registry       *registry.Registry
	Connector      *Connector
	Acceptor       *Acceptor
	ConnDispatcher *dispatch.Dispatcher
	DataDispatcher *dispatch.Dispatcher
	GossipDispatch *dispatch.Dispatcher
	Datagram       *transport.Datagram

	logger     types.Logger
	finalizing atomic.Bool
	cancel     context.CancelFunc
	ctx        context.Context

	shutdownHooksMu sync.Mutex
	shutdownHooks   []func()
}

// NewNode wires transport, dispatchers and the acceptor together, in
// that startup order. Discovery and gossip dissemination proper are
// external collaborators, attached via RegisterShutdownHook and the
// dispatchers' RegisterHandler.
func NewNode(config types.NodeConfig, logger types.Logger) (*Node, error) {
	ctx, cancel := context.WithCancel(context.Background())

	datagram, err := transport.ListenDatagram(config.DatagramAddr)
	if err != nil {
		cancel()
		return nil, err
	}

	reg := registry.New()
	n := &Node{
		Config:         config,
		Registry:       reg,
		Connector:      NewConnector(config.LocalPeerID, reg, logger),
		ConnDispatcher: dispatch.New(logger),
		DataDispatcher: dispatch.New(logger),
		GossipDispatch: dispatch.New(logger),
		Datagram:       datagram,
		logger:         logger,
		cancel:         cancel,
		ctx:            ctx,
	}
	n.Acceptor = NewAcceptor(config.StreamAddr, n.ConnDispatcher, logger)
	return n, nil
}

// Context is cancelled the moment Shutdown begins; it is the global
// finalizing signal every long-lived task watches.
func (n *Node) Context() context.Context { return n.ctx }

// Finalizing reports whether Shutdown has been called.
func (n *Node) Finalizing() bool { return n.finalizing.Load() }

// RegisterShutdownHook attaches a callback run during Shutdown, after
// dispatchers stop but before sockets are force-closed. In-flight
// transfer engines and OTM relays use this to transition to PAUSED and
// persist progress, without core importing their packages.
func (n *Node) RegisterShutdownHook(hook func()) {
	n.shutdownHooksMu.Lock()
	defer n.shutdownHooksMu.Unlock()
	n.shutdownHooks = append(n.shutdownHooks, hook)
}

// Start runs the acceptor's accept loop and the dispatchers' listen
// loops. It blocks until ctx is cancelled or the acceptor returns a
// fatal error.
func (n *Node) Start(ctx context.Context) error {
	go n.ConnDispatcher.ListenForEvents()
	go n.DataDispatcher.ListenForEvents()
	go n.GossipDispatch.ListenForEvents()

	if n.logger != nil {
		n.logger.Info("palmcast node starting")
	}
	return n.Acceptor.Start(ctx)
}

// Shutdown performs the ordered teardown: set finalizing -> stop
// dispatchers (drain/cancel) -> close the acceptor's listening socket
// -> run shutdown hooks (pause in-flight transfers) -> close the
// datagram socket.
func (n *Node) Shutdown() {
	if !n.finalizing.CompareAndSwap(false, true) {
		return
	}
	n.cancel()

	n.ConnDispatcher.Stop()
	n.DataDispatcher.Stop()
	n.GossipDispatch.Stop()

	if err := n.Acceptor.Stop(); err != nil && n.logger != nil {
		n.logger.Warnf("node shutdown: acceptor close: %v", err)
	}

	n.shutdownHooksMu.Lock()
	hooks := append([]func(){}, n.shutdownHooks...)
	n.shutdownHooksMu.Unlock()
	for _, hook := range hooks {
		hook()
	}

	if err := n.Datagram.Close(); err != nil && n.logger != nil {
		n.logger.Warnf("node shutdown: datagram close: %v", err)
	}
	if n.logger != nil {
		n.logger.Info("palmcast node stopped")
	}
}
