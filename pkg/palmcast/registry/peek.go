package registry

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/jabolina/palmcast/pkg/palmcast/transport"
)

// peekAlive performs a non-blocking MSG_PEEK on the stream's underlying
// file descriptor to detect a half-open TCP socket without consuming
// any buffered bytes.
func peekAlive(stream *transport.Stream) bool {
	tcpConn, ok := stream.Conn().(*net.TCPConn)
	if !ok {
		return true
	}
	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		return false
	}

	var peekErr error
	var n int
	controlErr := rawConn.Read(func(fd uintptr) bool {
		buf := make([]byte, 1)
		n, _, peekErr = unix.Recvfrom(int(fd), buf, unix.MSG_PEEK|unix.MSG_DONTWAIT)
		return true
	})
	if controlErr != nil {
		return false
	}
	if peekErr != nil {
		// EAGAIN/EWOULDBLOCK: no data pending but the connection is open.
		return peekErr == syscall.EAGAIN || peekErr == syscall.EWOULDBLOCK
	}
	// n == 0 means the peer sent FIN: socket is half-open.
	return n > 0
}
