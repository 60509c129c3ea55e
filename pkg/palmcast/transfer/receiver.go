package transfer

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/jabolina/palmcast/pkg/palmcast/transport"
	"github.com/jabolina/palmcast/pkg/palmcast/types"
	"github.com/jabolina/palmcast/pkg/palmcast/wire"
)

// Receiver is the mirror of Sender:
// for each incoming more=true it parses the FileItem, creates the
// target file under DownloadRoot, and appends chunks until
// received == size.
type Receiver struct {
	TransferID   types.PeerID
	DownloadRoot string
	ChunkTimeout time.Duration

	// Session, when set, records each received FileItem and the current
	// index so the session registry can answer resume-seek queries after
	// a mid-transfer disconnect.
	Session *types.TransferSession

	stream *transport.Stream
	state  types.TransferState

	statusCh chan types.StatusUpdate
}

// NewReceiver constructs a Receiver that writes files under root.
func NewReceiver(transferID types.PeerID, root string, stream *transport.Stream) *Receiver {
	return &Receiver{
		TransferID:   transferID,
		DownloadRoot: root,
		ChunkTimeout: DefaultChunkTimeout,
		stream:       stream,
		state:        types.Receiving,
		statusCh:     make(chan types.StatusUpdate, 16),
	}
}

// State returns the receiver's current lifecycle state.
func (r *Receiver) State() types.TransferState { return r.state }

// StatusUpdates exposes progress snapshots for an external bridge.
func (r *Receiver) StatusUpdates() <-chan types.StatusUpdate { return r.statusCh }

// ReceiveAll loops reading more-flag/FileItem/chunk triples until
// more=false.
func (r *Receiver) ReceiveAll() error {
	for {
		more, err := wire.ReadMoreFlag(r.stream)
		if err != nil {
			r.state = types.Failed
			return err
		}
		if !more {
			r.state = types.Completed
			if r.Session != nil {
				r.Session.State = types.Completed
			}
			return nil
		}

		item, err := wire.ReadFileItem(r.stream)
		if err != nil {
			r.state = types.Failed
			return err
		}
		target := &item
		if r.Session != nil {
			r.Session.FileList = append(r.Session.FileList, item)
			r.Session.CurrentIndex = len(r.Session.FileList) - 1
			r.Session.State = types.Receiving
			target = &r.Session.FileList[r.Session.CurrentIndex]
		}
		if err := r.receiveFile(target); err != nil {
			r.state = types.Paused
			if r.Session != nil {
				r.Session.State = types.Paused
			}
			return err
		}
	}
}

// ResumeSeek reports how many bytes have already been written to path,
// used as the resume-protocol reply: 0 if the file does not yet exist.
func ResumeSeek(path string) (int64, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// SendResumeSeek replies with the 8-byte big-endian count of bytes
// already on disk for the current file, so the sender can fast-forward.
func (r *Receiver) SendResumeSeek(currentFilePath string) error {
	seeked, err := ResumeSeek(currentFilePath)
	if err != nil {
		return err
	}
	return wire.WriteResumeSeek(r.stream, seeked)
}

func (r *Receiver) receiveFile(item *types.FileItem) error {
	absPath := filepath.Join(r.DownloadRoot, filepath.FromSlash(item.Path))
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return fmt.Errorf("%w: %v", types.ErrPermissionDenied, err)
	}

	flags := os.O_WRONLY | os.O_CREATE
	if item.Seeked == 0 {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(absPath, flags, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrPermissionDenied, err)
	}
	defer f.Close()

	if item.Seeked > 0 {
		if _, err := f.Seek(item.Seeked, io.SeekStart); err != nil {
			return err
		}
	}

	chunkSize := CalculateChunkSize(item.Size)
	buf := make([]byte, chunkSize)
	for item.Seeked < item.Size {
		want := item.Size - item.Seeked
		if want > int64(len(buf)) {
			want = int64(len(buf))
		}
		if err := r.stream.SetReadDeadline(time.Now().Add(r.ChunkTimeout)); err != nil {
			return err
		}
		n, err := io.ReadFull(r.stream, buf[:want])
		_ = r.stream.SetReadDeadline(time.Time{})
		if err != nil {
			return fmt.Errorf("%w: %v", types.ErrTransferIncomplete, err)
		}
		if _, err := f.Write(buf[:n]); err != nil {
			return fmt.Errorf("%w: %v", types.ErrDiskFull, err)
		}
		item.Advance(int64(n))
		r.emitStatus(item)
	}
	return nil
}

func (r *Receiver) emitStatus(item *types.FileItem) {
	select {
	case r.statusCh <- types.StatusUpdate{
		Prefix:  item.Path,
		Current: item.Seeked,
		Total:   item.Size,
		State:   r.state,
	}:
	default:
	}
}
