package test

import (
	"crypto/md5"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// A sends one chat frame to B; B's data dispatcher routes it to the
// message handler with content and id intact.
func TestSingleTextMessage(t *testing.T) {
	cluster := CreateCluster(2, t)
	defer cluster.Off()
	a, b := cluster.Nodes[0], cluster.Nodes[1]

	msgID := MessageID("hi", 0)
	if err := a.SendText(b, msgID, "hi"); err != nil {
		t.Fatalf("sending text: %v", err)
	}

	select {
	case frame := <-b.Messages:
		if frame.PeerID != a.Config.LocalPeerID {
			t.Errorf("wrong sender id %s", frame.PeerID)
		}
		if frame.MsgID != msgID {
			t.Errorf("wrong msg id %s, want %s", frame.MsgID, msgID)
		}
		if message, _ := frame.GetString("message"); message != "hi" {
			t.Errorf("wrong message %q", message)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("message never arrived")
	}
}

// A full point-to-point file transfer lands the exact bytes under the
// receiver's download directory.
func TestFileTransferBetweenNodes(t *testing.T) {
	cluster := CreateCluster(2, t)
	defer cluster.Off()
	a, b := cluster.Nodes[0], cluster.Nodes[1]

	srcDir := t.TempDir()
	srcPath := WriteClusterFile(t, srcDir, "blob.bin", 300*1024)

	if err := a.SendFiles(b, "xfer-1", []string{srcPath}); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}

	src, err := os.ReadFile(srcPath)
	if err != nil {
		t.Fatal(err)
	}
	dstPath := filepath.Join(b.Config.PathDownload, "blob.bin")
	deadline := time.Now().Add(3 * time.Second)
	for {
		dst, err := os.ReadFile(dstPath)
		if err == nil && len(dst) == len(src) && md5.Sum(dst) == md5.Sum(src) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("received file never matched source (err=%v, got %d bytes)", err, len(dst))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// A handshake declaring a huge frame length with a tiny body must get
// the connection closed while the listener stays open for the next
// peer.
func TestMalformedHandshakeLeavesListenerOpen(t *testing.T) {
	cluster := CreateCluster(2, t)
	defer cluster.Off()
	a, b := cluster.Nodes[0], cluster.Nodes[1]

	raw, err := net.Dial("tcp", b.Config.StreamAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 1<<31-1)
	if _, err := raw.Write(header[:]); err != nil {
		t.Fatal(err)
	}
	if _, err := raw.Write([]byte("0123456789")); err != nil {
		t.Fatal(err)
	}

	raw.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 1)
	if _, err := raw.Read(buf); err == nil {
		t.Fatal("expected the acceptor to close the malformed connection")
	}

	// The listener survived: a well-formed peer still gets through.
	msgID := MessageID("after-garbage", 1)
	if err := a.SendText(b, msgID, "still alive"); err != nil {
		t.Fatalf("listener did not survive malformed handshake: %v", err)
	}
	select {
	case frame := <-b.Messages:
		if frame.MsgID != msgID {
			t.Errorf("unexpected frame %s", frame.MsgID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("message after malformed handshake never arrived")
	}
}
