package otm

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/jabolina/palmcast/pkg/palmcast/types"
)

// FilesReceiver holds the deserialized file list for one OTM session
// and writes chunks sequentially into the current file, spilling any
// remainder into the next. The relay drives it through UpdateMetadata,
// DataReceived and Close; Files, Complete and ChunkCount report
// progress.
type FilesReceiver struct {
	root string

	mu         sync.Mutex
	files      []types.FileItem
	current    int
	file       *os.File
	chunkCount int
}

// NewFilesReceiver writes session files under root (PATH_DOWNLOAD).
func NewFilesReceiver(root string) *FilesReceiver {
	return &FilesReceiver{root: root}
}

// UpdateMetadata loads the msgpack-encoded file list out of the 0x00
// metadata chunk. The frame's zero padding after the msgpack value is
// ignored by the decoder.
func (f *FilesReceiver) UpdateMetadata(data []byte) error {
	var files []types.FileItem
	if err := msgpack.Unmarshal(data, &files); err != nil {
		return fmt.Errorf("%w: otm file metadata: %v", types.ErrMalformedFrame, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files = files
	f.current = 0
	return nil
}

// Files returns a snapshot of the session's file list with current
// seeked offsets.
func (f *FilesReceiver) Files() []types.FileItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.FileItem{}, f.files...)
}

// Complete reports whether every file in the session has been fully
// written.
func (f *FilesReceiver) Complete() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range f.files {
		if !item.Done() {
			return false
		}
	}
	return len(f.files) > 0
}

// ChunkCount reports how many buffered chunks have been consumed.
func (f *FilesReceiver) ChunkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chunkCount
}

// DataReceived drains one flushed buffer in FIFO order. A chunk
// exceeding the current file's remainder spills into the next file;
// bytes past the last file (end-of-stream frame padding) are
// discarded. Each byte lands in the output exactly once: the write
// offset only ever advances.
func (f *FilesReceiver) DataReceived(chunks [][]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, chunk := range chunks {
		view := chunk
		for len(view) > 0 && f.current < len(f.files) {
			item := &f.files[f.current]
			remaining := item.Remaining()
			if remaining <= 0 {
				if err := f.advanceLocked(); err != nil {
					return err
				}
				continue
			}
			if f.file == nil {
				if err := f.openCurrentLocked(); err != nil {
					return err
				}
			}
			n := int64(len(view))
			if n > remaining {
				n = remaining
			}
			if _, err := f.file.Write(view[:n]); err != nil {
				return fmt.Errorf("%w: %v", types.ErrDiskFull, err)
			}
			item.Advance(n)
			view = view[n:]
			if item.Done() {
				if err := f.advanceLocked(); err != nil {
					return err
				}
			}
		}
		f.chunkCount++
	}
	return nil
}

func (f *FilesReceiver) openCurrentLocked() error {
	item := f.files[f.current]
	absPath := filepath.Join(f.root, filepath.FromSlash(item.Path))
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return fmt.Errorf("%w: %v", types.ErrPermissionDenied, err)
	}
	file, err := os.OpenFile(absPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrPermissionDenied, err)
	}
	f.file = file
	return nil
}

func (f *FilesReceiver) advanceLocked() error {
	if f.file != nil {
		if err := f.file.Close(); err != nil {
			return err
		}
		f.file = nil
	}
	f.current++
	return nil
}

// Close releases the current file handle, if any.
func (f *FilesReceiver) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file != nil {
		err := f.file.Close()
		f.file = nil
		return err
	}
	return nil
}

// EncodeFileMetadata serializes the session file list for the 0x00
// metadata chunk, with paths rewritten to their base names so receivers
// never see the originator's directory layout.
func EncodeFileMetadata(files []*types.FileItem) ([]byte, error) {
	out := make([]types.FileItem, len(files))
	for i, item := range files {
		out[i] = types.FileItem{Path: filepath.Base(item.Path), Size: item.Size}
	}
	return msgpack.Marshal(out)
}
