package otm

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jabolina/palmcast/pkg/palmcast/types"
)

func TestFilesReceiverSpillsAcrossFileBoundaries(t *testing.T) {
	root := t.TempDir()
	receiver := NewFilesReceiver(root)

	metadata, err := EncodeFileMetadata([]*types.FileItem{
		{Path: "first.bin", Size: 10},
		{Path: "second.bin", Size: 6},
	})
	require.NoError(t, err)
	require.NoError(t, receiver.UpdateMetadata(metadata))

	// One 12-byte chunk: 10 bytes finish first.bin, 2 spill into
	// second.bin; a second chunk carries the rest plus end-of-stream
	// padding that must be discarded.
	first := []byte("aaaaaaaaaabb")
	second := []byte("cccc\x00\x00\x00\x00")
	require.NoError(t, receiver.DataReceived([][]byte{first, second}))

	require.True(t, receiver.Complete())
	gotFirst, err := os.ReadFile(filepath.Join(root, "first.bin"))
	require.NoError(t, err)
	require.Equal(t, []byte("aaaaaaaaaa"), gotFirst)
	gotSecond, err := os.ReadFile(filepath.Join(root, "second.bin"))
	require.NoError(t, err)
	require.Equal(t, []byte("bbcccc"), gotSecond)
}

func TestFilesReceiverWritesEachByteOnce(t *testing.T) {
	root := t.TempDir()
	receiver := NewFilesReceiver(root)

	metadata, err := EncodeFileMetadata([]*types.FileItem{{Path: "only.bin", Size: 8}})
	require.NoError(t, err)
	require.NoError(t, receiver.UpdateMetadata(metadata))

	require.NoError(t, receiver.DataReceived([][]byte{[]byte("12345678")}))
	// Late chunks after completion are padding/noise and must not grow
	// or rewrite the file.
	require.NoError(t, receiver.DataReceived([][]byte{[]byte("XXXXXXXX")}))

	got, err := os.ReadFile(filepath.Join(root, "only.bin"))
	require.NoError(t, err)
	require.Equal(t, []byte("12345678"), got)
}

func TestFilesReceiverRejectsGarbageMetadata(t *testing.T) {
	receiver := NewFilesReceiver(t.TempDir())
	err := receiver.UpdateMetadata(bytes.Repeat([]byte{0xc1}, 16))
	require.ErrorIs(t, err, types.ErrMalformedFrame)
}

func TestMetadataRoundTripIgnoresFramePadding(t *testing.T) {
	files := []*types.FileItem{{Path: "/tmp/source/a.bin", Size: 1024}}
	metadata, err := EncodeFileMetadata(files)
	require.NoError(t, err)

	frame, err := makeChunkFrame(chunkMetadata, metadata, 4096)
	require.NoError(t, err)
	require.Len(t, frame, 4097)

	receiver := NewFilesReceiver(t.TempDir())
	require.NoError(t, receiver.UpdateMetadata(frame[1:]))
	got := receiver.Files()
	require.Len(t, got, 1)
	require.Equal(t, "a.bin", got[0].Path, "metadata should carry base names only")
	require.Equal(t, int64(1024), got[0].Size)
}
