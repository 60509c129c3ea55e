package transfer_test

import (
	"crypto/md5"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jabolina/palmcast/pkg/palmcast/transfer"
	"github.com/jabolina/palmcast/pkg/palmcast/transport"
	"github.com/jabolina/palmcast/pkg/palmcast/types"
	"github.com/jabolina/palmcast/pkg/palmcast/wire"
)

func loopback(t *testing.T) (*transport.Stream, *transport.Stream) {
	t.Helper()
	ln, err := transport.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan *transport.Stream, 1)
	go func() {
		s, err := ln.Accept()
		require.NoError(t, err)
		accepted <- s
	}()
	client, err := transport.Dial(ln.Addr().String(), time.Second)
	require.NoError(t, err)
	return client, <-accepted
}

func writeRandomFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestSenderReceiverFileRoundTrip(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	// Larger than a single 4 KiB chunk so the chunk loop actually iterates.
	srcPath := writeRandomFile(t, srcDir, "payload.bin", 10*1024)

	client, server := loopback(t)
	defer client.Close()
	defer server.Close()

	info, err := os.Stat(srcPath)
	require.NoError(t, err)
	item := &types.FileItem{Path: srcPath, Size: info.Size()}

	sender := transfer.NewSender("transfer-1", "sender-peer", []*types.FileItem{item}, client, nil)
	receiver := transfer.NewReceiver("transfer-1", dstDir, server)

	done := make(chan error, 1)
	go func() { done <- receiver.ReceiveAll() }()

	require.NoError(t, sender.SendAll())

	require.NoError(t, <-done)
	require.Equal(t, types.Completed, receiver.State())
	require.Equal(t, types.Completed, sender.State())

	srcBytes, err := os.ReadFile(srcPath)
	require.NoError(t, err)
	dstBytes, err := os.ReadFile(filepath.Join(dstDir, "payload.bin"))
	require.NoError(t, err)
	require.Equal(t, md5.Sum(srcBytes), md5.Sum(dstBytes))
	require.Equal(t, info.Size(), item.Seeked)
}

func TestDirectorySenderReceiverRoundTrip(t *testing.T) {
	srcRoot := t.TempDir()
	dstRoot := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(srcRoot, "sub", "empty"), 0o755))
	writeRandomFile(t, srcRoot, "a.txt", 100)
	require.NoError(t, os.MkdirAll(filepath.Join(srcRoot, "sub"), 0o755))
	writeRandomFile(t, filepath.Join(srcRoot, "sub"), "b.txt", 200)

	client, server := loopback(t)
	defer client.Close()
	defer server.Close()

	sender := transfer.NewDirectorySender(srcRoot, client)
	receiver := transfer.NewDirectoryReceiver(dstRoot, server)

	recvDone := make(chan error, 1)
	go func() { recvDone <- receiver.ReceiveAll() }()

	sendErr := sender.SendAll()
	_ = client.Close()
	require.NoError(t, sendErr)

	select {
	case err := <-recvDone:
		// EOF/connection-closed is the expected terminal condition since
		// the directory stream has no explicit end marker.
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("directory receiver never observed end of stream")
	}

	require.DirExists(t, filepath.Join(dstRoot, "sub", "empty"))
	require.FileExists(t, filepath.Join(dstRoot, "a.txt"))
	require.FileExists(t, filepath.Join(dstRoot, "sub", "b.txt"))
}

func TestSessionRegistryPauseAll(t *testing.T) {
	reg := transfer.NewSessionRegistry()
	reg.Insert(&types.TransferSession{TransferID: "t1", State: types.Sending})
	reg.Insert(&types.TransferSession{TransferID: "t2", State: types.Completed})

	reg.PauseAll()

	s1, ok := reg.Get("t1")
	require.True(t, ok)
	require.Equal(t, types.Paused, s1.State)

	s2, ok := reg.Get("t2")
	require.True(t, ok)
	require.Equal(t, types.Completed, s2.State, "completed sessions must not be re-paused")
}

func TestPausedTransferResumesWithoutRewriting(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	const total = 3 * 1024 * 1024
	const killAt = total / 2
	srcPath := writeRandomFile(t, srcDir, "resume.bin", total)

	// First attempt: the descriptor and half the bytes arrive, then the
	// connection dies. 1.5 MiB is exactly 24 chunks of 64 KiB, so the
	// break falls on a chunk boundary.
	client, server := loopback(t)
	session := &types.TransferSession{TransferID: "resume-1", State: types.Receiving}
	receiver := transfer.NewReceiver("resume-1", dstDir, server)
	receiver.Session = session

	recvDone := make(chan error, 1)
	go func() { recvDone <- receiver.ReceiveAll() }()

	require.NoError(t, wire.WriteMoreFlag(client, true))
	require.NoError(t, wire.WriteFileItem(client, types.FileItem{Path: "resume.bin", Size: total}))
	src, err := os.ReadFile(srcPath)
	require.NoError(t, err)
	_, err = client.Write(src[:killAt])
	require.NoError(t, err)
	require.NoError(t, client.Close())

	require.Error(t, <-recvDone)
	require.Equal(t, types.Paused, receiver.State())
	require.Equal(t, types.Paused, session.State)
	_ = server.Close()

	// The resume-seek reply equals the bytes already on disk.
	onDisk, err := transfer.ResumeSeek(filepath.Join(dstDir, "resume.bin"))
	require.NoError(t, err)
	require.Equal(t, int64(killAt), onDisk)

	// Reconnect with the same transfer id: receiver replies the seek,
	// sender fast-forwards and the rest of the file arrives.
	client2, server2 := loopback(t)
	defer client2.Close()
	defer server2.Close()

	receiver2 := transfer.NewReceiver("resume-1", dstDir, server2)
	recvDone2 := make(chan error, 1)
	go func() {
		if err := receiver2.SendResumeSeek(filepath.Join(dstDir, "resume.bin")); err != nil {
			recvDone2 <- err
			return
		}
		recvDone2 <- receiver2.ReceiveAll()
	}()

	item := &types.FileItem{Path: srcPath, Size: total}
	sender := transfer.NewSender("resume-1", "sender-peer", []*types.FileItem{item}, client2, nil)
	require.NoError(t, sender.Resume())
	require.NoError(t, <-recvDone2)
	require.Equal(t, types.Completed, sender.State())

	got, err := os.ReadFile(filepath.Join(dstDir, "resume.bin"))
	require.NoError(t, err)
	require.Equal(t, int64(total), int64(len(got)))
	require.Equal(t, md5.Sum(src), md5.Sum(got))
}
