// Package transport implements the transport wrappers: a length-framed
// TCP stream and a boundary-preserving UDP datagram transport, plus the
// multicast helpers datagram sockets need.
package transport

import (
	"fmt"
	"net"
	"time"

	"github.com/prometheus/common/log"

	"github.com/jabolina/palmcast/pkg/palmcast/types"
	"github.com/jabolina/palmcast/pkg/palmcast/wire"
)

// Stream wraps one TCP connection. Send is atomic with respect to
// framing: the length prefix and payload are written with a single
// underlying Write call so a concurrent writer on the same connection
// can never interleave a partial frame.
type Stream struct {
	conn net.Conn
}

// NewStream wraps an already-connected net.Conn (from Accept or Dial).
func NewStream(conn net.Conn) *Stream {
	return &Stream{conn: conn}
}

// Send writes one framed WireFrame.
func (s *Stream) Send(frame types.WireFrame) error {
	return wire.WriteFrame(s.conn, frame)
}

// Recv blocks for exactly one framed WireFrame.
func (s *Stream) Recv() (types.WireFrame, error) {
	return wire.ReadFrame(s.conn)
}

// SendWithTimeout bounds a single Send by deadline. The OTM relay and
// the file sender write raw bytes and set their own write deadlines
// instead of calling it.
func (s *Stream) SendWithTimeout(frame types.WireFrame, timeout time.Duration) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	defer s.conn.SetWriteDeadline(time.Time{})
	return s.Send(frame)
}

// RecvWithTimeout bounds a single Recv by deadline.
func (s *Stream) RecvWithTimeout(timeout time.Duration) (types.WireFrame, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return types.WireFrame{}, err
	}
	defer s.conn.SetReadDeadline(time.Time{})
	return s.Recv()
}

// Write and Read expose the raw connection for the file-transfer engine,
// which frames its own control bytes (more-flag, FileItem, chunk bytes)
// directly rather than through WireFrame.
func (s *Stream) Write(p []byte) (int, error) { return s.conn.Write(p) }
func (s *Stream) Read(p []byte) (int, error)  { return s.conn.Read(p) }

// SetDeadline, SetReadDeadline and SetWriteDeadline set absolute
// deadlines on the raw connection; the transfer engine's chunk timeouts
// use the read and write variants.
func (s *Stream) SetDeadline(t time.Time) error      { return s.conn.SetDeadline(t) }
func (s *Stream) SetReadDeadline(t time.Time) error  { return s.conn.SetReadDeadline(t) }
func (s *Stream) SetWriteDeadline(t time.Time) error { return s.conn.SetWriteDeadline(t) }

// Close closes the underlying connection.
func (s *Stream) Close() error { return s.conn.Close() }

// RemoteAddr exposes the peer address of the underlying connection.
func (s *Stream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// Conn exposes the underlying net.Conn, e.g. for TCP_NODELAY tuning or
// the registry's non-blocking peek.
func (s *Stream) Conn() net.Conn { return s.conn }

// SetNoDelay enables TCP_NODELAY on the underlying connection, as the
// file-transfer engine does for every dedicated transfer connection.
func (s *Stream) SetNoDelay(enabled bool) error {
	tcp, ok := s.conn.(*net.TCPConn)
	if !ok {
		return fmt.Errorf("palmcast/transport: not a tcp connection")
	}
	return tcp.SetNoDelay(enabled)
}

// Listener wraps a TCP listener for the acceptor.
type Listener struct {
	ln net.Listener
}

// Listen binds a TCP listener on addr.
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	log.Debugf("stream transport bound on %s", ln.Addr())
	return &Listener{ln: ln}, nil
}

// Accept blocks for the next inbound connection.
func (l *Listener) Accept() (*Stream, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return NewStream(conn), nil
}

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Dial connects to addr with the given timeout. One attempt only;
// retries are layered on top by the connector.
func Dial(addr string, timeout time.Duration) (*Stream, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	return NewStream(conn), nil
}
