package transport

import (
	"context"
	"net"
	"syscall"

	"github.com/prometheus/common/log"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"

	"github.com/jabolina/palmcast/pkg/palmcast/types"
	"github.com/jabolina/palmcast/pkg/palmcast/wire"
)

// Datagram wraps a UDP socket. Datagram frames carry no length prefix:
// UDP already preserves message boundaries, so Recv yields exactly one
// frame per incoming packet.
type Datagram struct {
	conn       *net.UDPConn
	p4         *ipv4.PacketConn
	p6         *ipv6.PacketConn
	recvBuffer int
}

// DefaultMaxDatagramRecv is the receive buffer size of every Datagram.
// NodeConfig.MaxDatagramRecvSize is not applied here; no constructor
// takes a different size.
const DefaultMaxDatagramRecv = 64 * 1024

// reuseAddr sets SO_REUSEADDR before bind, so several nodes on one host
// (and a restarted node racing its own TIME_WAIT socket) can share a
// group port.
func reuseAddr(network, address string, c syscall.RawConn) error {
	var soErr error
	if err := c.Control(func(fd uintptr) {
		soErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return soErr
}

// ListenDatagram binds a UDP socket for control-plane traffic (OTM
// inform/link-formation messages, gossip tree-check).
func ListenDatagram(addr string) (*Datagram, error) {
	lc := net.ListenConfig{Control: reuseAddr}
	pc, err := lc.ListenPacket(context.Background(), "udp", addr)
	if err != nil {
		return nil, err
	}
	return wrapDatagram(pc.(*net.UDPConn)), nil
}

// ListenMulticast binds a UDP socket on the group address and joins the
// group on the given interface, used by discovery's bootstrap beacon
// (external to this core, but the helper lives here since it's
// transport-layer).
func ListenMulticast(group *net.UDPAddr, iface *net.Interface) (*Datagram, error) {
	lc := net.ListenConfig{Control: reuseAddr}
	pc, err := lc.ListenPacket(context.Background(), "udp", group.String())
	if err != nil {
		return nil, err
	}
	d := wrapDatagram(pc.(*net.UDPConn))
	if err := d.JoinGroup(group.IP, iface); err != nil {
		d.Close()
		return nil, err
	}
	log.Debugf("datagram transport joined group %s", group)
	return d, nil
}

func wrapDatagram(conn *net.UDPConn) *Datagram {
	d := &Datagram{conn: conn, recvBuffer: DefaultMaxDatagramRecv}
	if conn.LocalAddr().(*net.UDPAddr).IP.To4() != nil {
		d.p4 = ipv4.NewPacketConn(conn)
	} else {
		d.p6 = ipv6.NewPacketConn(conn)
	}
	return d
}

// JoinGroup performs IP_ADD_MEMBERSHIP (IPv4) or IPV6_JOIN_GROUP
// (IPv6) on the wrapped socket.
func (d *Datagram) JoinGroup(group net.IP, iface *net.Interface) error {
	if d.p4 != nil {
		return d.p4.JoinGroup(iface, &net.UDPAddr{IP: group})
	}
	return d.p6.JoinGroup(iface, &net.UDPAddr{IP: group})
}

// SetTTL sets the multicast TTL (IPv4) or hop limit (IPv6).
func (d *Datagram) SetTTL(hops int) error {
	if d.p4 != nil {
		return d.p4.SetMulticastTTL(hops)
	}
	return d.p6.SetMulticastHopLimit(hops)
}

// SetLoopback controls whether multicast packets sent on this socket are
// looped back to the local host.
func (d *Datagram) SetLoopback(enabled bool) error {
	if d.p4 != nil {
		return d.p4.SetMulticastLoopback(enabled)
	}
	return d.p6.SetMulticastLoopback(enabled)
}

// Send writes a raw payload to addr with no framing.
func (d *Datagram) Send(payload []byte, addr *net.UDPAddr) error {
	_, err := d.conn.WriteToUDP(payload, addr)
	return err
}

// SendFrame encodes and sends a WireFrame as a single datagram.
func (d *Datagram) SendFrame(frame types.WireFrame, addr *net.UDPAddr) error {
	payload, err := wire.EncodeDatagram(frame)
	if err != nil {
		return err
	}
	return d.Send(payload, addr)
}

// Recv reads one raw datagram and its source address.
func (d *Datagram) Recv() ([]byte, *net.UDPAddr, error) {
	buf := make([]byte, d.recvBuffer)
	n, addr, err := d.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, nil, err
	}
	return buf[:n], addr, nil
}

// RecvFrame reads one datagram and decodes it as a WireFrame.
func (d *Datagram) RecvFrame() (types.WireFrame, *net.UDPAddr, error) {
	payload, addr, err := d.Recv()
	if err != nil {
		return types.WireFrame{}, nil, err
	}
	frame, err := wire.DecodeDatagram(payload)
	if err != nil {
		return types.WireFrame{}, addr, err
	}
	return frame, addr, nil
}

// LocalAddr returns the bound local address.
func (d *Datagram) LocalAddr() net.Addr { return d.conn.LocalAddr() }

// Close releases the underlying socket.
func (d *Datagram) Close() error { return d.conn.Close() }
