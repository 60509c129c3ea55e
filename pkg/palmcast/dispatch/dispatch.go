// Package dispatch implements the dispatcher fabric: a queue-backed
// event loop that looks up a handler by header and spawns it
// concurrently, built on a buffered channel plus a WaitGroup of
// handler goroutines.
package dispatch

import (
	"context"
	"sync"

	"github.com/jabolina/palmcast/pkg/palmcast/types"
)

// Handler processes one dispatched event. It should return without
// blocking indefinitely; long-running work belongs on a worker pool the
// handler owns, not on the dispatcher's goroutine.
type Handler interface {
	Handle(ctx context.Context, event Event) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, event Event) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, event Event) error { return f(ctx, event) }

// Event is whatever a dispatcher submits to its registered handlers: a
// types.StreamDataEvent for the data dispatcher (from the stream
// reader), a types.DatagramEvent for the gossip dispatcher (from the OTM
// datagram pump), or a types.ConnectionEvent for the connection
// dispatcher (from the acceptor).
type Event struct {
	Header  types.Header
	Payload interface{}
}

// Dispatcher is the header -> handler registry plus the internal queue
// and goroutine group that drains it. One type owns both the queue and
// the registry; splitting them buys nothing here.
type Dispatcher struct {
	logger types.Logger

	mu       sync.RWMutex
	registry map[types.Header]Handler

	queue    chan Event
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	ctx      context.Context
	stopOnce sync.Once
	stopped  chan struct{}
}

// New creates a Dispatcher with a generously buffered internal queue;
// Submit only blocks once 4096 events are already pending.
func New(logger types.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		logger:   logger,
		registry: make(map[types.Header]Handler),
		queue:    make(chan Event, 4096),
		ctx:      ctx,
		cancel:   cancel,
		stopped:  make(chan struct{}),
	}
}

// RegisterHandler associates a handler with an event header.
func (d *Dispatcher) RegisterHandler(header types.Header, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.registry[header] = handler
}

// Submit enqueues an event for dispatch. Submit itself never blocks on
// handler execution: it only returns types.ErrDispatcherFinalizing once
// Stop has been called.
func (d *Dispatcher) Submit(event Event) error {
	select {
	case <-d.stopped:
		return types.ErrDispatcherFinalizing
	default:
	}
	select {
	case d.queue <- event:
		return nil
	case <-d.stopped:
		return types.ErrDispatcherFinalizing
	}
}

// ListenForEvents drains the queue, spawning the registered handler for
// each event as its own goroutine, until Stop is called. Callers run
// this as a goroutine.
func (d *Dispatcher) ListenForEvents() {
	for {
		select {
		case event, ok := <-d.queue:
			if !ok {
				return
			}
			handler, found := d.lookup(event.Header)
			if !found {
				if d.logger != nil {
					d.logger.Warnf("dispatch: no handler registered for header %s", event.Header)
				}
				continue
			}
			d.wg.Add(1)
			go func(ev Event, h Handler) {
				defer d.wg.Done()
				if err := h.Handle(d.ctx, ev); err != nil && d.logger != nil {
					d.logger.Errorf("dispatch: handler for %s failed: %v", ev.Header, err)
				}
			}(event, handler)
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) lookup(header types.Header) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.registry[header]
	return h, ok
}

// Stop cancels the dispatch loop, marks the dispatcher stopped so no
// further Submit succeeds (events still queued are discarded), and waits
// for in-flight handlers to finish. Handlers observe
// the stop as cancellation of the ctx they were handed.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopped)
		d.cancel()
		d.wg.Wait()
	})
}
