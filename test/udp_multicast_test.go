package test

import (
	"net"
	"testing"

	"github.com/jabolina/palmcast/pkg/palmcast/transport"
)

// multicastInterface finds an up, multicast-capable interface, skipping
// the test on hosts that have none (some CI sandboxes).
func multicastInterface(t *testing.T) *net.Interface {
	t.Helper()
	ifaces, err := net.Interfaces()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	for i := range ifaces {
		flags := ifaces[i].Flags
		if flags&net.FlagUp != 0 && flags&net.FlagMulticast != 0 {
			return &ifaces[i]
		}
	}
	t.Skip("no multicast-capable interface on this host")
	return nil
}

// freeUDPPort reserves and releases an ephemeral port for the group
// address.
func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

// The group helpers must join the group and accept TTL/loopback tuning.
func TestDatagramTransport_MulticastHelpers(t *testing.T) {
	iface := multicastInterface(t)
	group := &net.UDPAddr{IP: net.IPv4(224, 0, 0, 251), Port: freeUDPPort(t)}

	d, err := transport.ListenMulticast(group, iface)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer d.Close()

	if err := d.SetTTL(1); err != nil {
		t.Fatalf("setting ttl: %v", err)
	}
	if err := d.SetLoopback(true); err != nil {
		t.Fatalf("setting loopback: %v", err)
	}
}

// Two sockets must be able to share one group port on the same host;
// without SO_REUSEADDR the second bind fails with EADDRINUSE.
func TestDatagramTransport_GroupPortIsShared(t *testing.T) {
	iface := multicastInterface(t)
	group := &net.UDPAddr{IP: net.IPv4(224, 0, 0, 251), Port: freeUDPPort(t)}

	first, err := transport.ListenMulticast(group, iface)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer first.Close()

	second, err := transport.ListenMulticast(group, iface)
	if err != nil {
		t.Fatalf("second bind on the group port should share it: %v", err)
	}
	defer second.Close()
}
