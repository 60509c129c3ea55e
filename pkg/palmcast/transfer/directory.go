package transfer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jabolina/palmcast/pkg/palmcast/transport"
	"github.com/jabolina/palmcast/pkg/palmcast/types"
	"github.com/jabolina/palmcast/pkg/palmcast/wire"
)

// DirectorySender walks a local directory tree and streams a
// {relative_path, is_dir, size} header per entry, followed by a nested
// file transfer for each file.
type DirectorySender struct {
	Root   string
	stream *transport.Stream
}

// NewDirectorySender constructs a DirectorySender rooted at root.
func NewDirectorySender(root string, stream *transport.Stream) *DirectorySender {
	return &DirectorySender{Root: root, stream: stream}
}

// SendAll walks Root depth-first, sending a DirEntry header for every
// file, with a nested file transfer for each file. Empty directories are
// sent as a trailing-slash marker with no file transfer; non-empty
// directories get no header of their own.
func (d *DirectorySender) SendAll() error {
	return filepath.Walk(d.Root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == d.Root {
			return nil
		}
		rel, err := filepath.Rel(d.Root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if info.IsDir() {
			entries, err := os.ReadDir(path)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return d.sendEntry(types.DirEntry{RelativePath: rel + "/", IsDir: true})
			}
			return nil
		}

		if err := d.sendEntry(types.DirEntry{RelativePath: rel, IsDir: false, Size: info.Size()}); err != nil {
			return err
		}
		return d.sendFileBody(path, info.Size())
	})
}

func (d *DirectorySender) sendEntry(entry types.DirEntry) error {
	body, err := wire.Encode(types.WireFrame{
		Header: types.CmdRecvDir,
		Body: map[string]interface{}{
			"relative_path": entry.RelativePath,
			"is_dir":        entry.IsDir,
			"size":          entry.Size,
		},
	})
	if err != nil {
		return err
	}
	return wire.WriteRawFrame(d.stream, body)
}

func (d *DirectorySender) sendFileBody(path string, size int64) error {
	item := &types.FileItem{Path: path, Size: size}
	sender := NewSender("", "", []*types.FileItem{item}, d.stream, nil)
	return sender.sendFileChunks(item)
}

// DirectoryReceiver is the mirror of DirectorySender: it reads entry
// headers and, for files, receives the nested file body, creating
// parent directories before writing.
type DirectoryReceiver struct {
	Root   string
	stream *transport.Stream
}

// NewDirectoryReceiver constructs a DirectoryReceiver writing under root.
func NewDirectoryReceiver(root string, stream *transport.Stream) *DirectoryReceiver {
	return &DirectoryReceiver{Root: root, stream: stream}
}

// ReceiveAll reads entries until the stream yields an end-of-transfer
// malformed-frame (the directory stream has no explicit terminator
// beyond the caller closing the connection after the last entry).
func (d *DirectoryReceiver) ReceiveAll() error {
	for {
		raw, err := wire.ReadRawFrame(d.stream)
		if err != nil {
			return err
		}
		frame, err := wire.Decode(raw)
		if err != nil {
			return err
		}
		rel, _ := frame.GetString("relative_path")
		isDir, _ := frame.Get("is_dir")
		absPath := filepath.Join(d.Root, filepath.FromSlash(rel))

		if dirFlag, _ := isDir.(bool); dirFlag {
			abs := filepath.Join(d.Root, filepath.FromSlash(trimTrailingSlash(rel)))
			if err := os.MkdirAll(abs, 0o755); err != nil {
				return fmt.Errorf("%w: %v", types.ErrPermissionDenied, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
			return fmt.Errorf("%w: %v", types.ErrPermissionDenied, err)
		}

		fileSize, _ := frame.GetInt64("size")
		item := types.FileItem{Path: rel, Size: fileSize}
		receiver := NewReceiver("", d.Root, d.stream)
		if err := receiver.receiveFile(&item); err != nil {
			return err
		}
	}
}

func trimTrailingSlash(s string) string {
	if len(s) > 0 && s[len(s)-1] == '/' {
		return s[:len(s)-1]
	}
	return s
}
