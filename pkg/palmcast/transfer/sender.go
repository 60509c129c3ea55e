package transfer

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/edsrzf/mmap-go"
	"github.com/gammazero/workerpool"

	"github.com/jabolina/palmcast/pkg/palmcast/transport"
	"github.com/jabolina/palmcast/pkg/palmcast/types"
	"github.com/jabolina/palmcast/pkg/palmcast/wire"
)

// DefaultChunkTimeout bounds a single chunk send.
const DefaultChunkTimeout = 5 * time.Second

// Sender drives one outbound transfer connection through the
// PREPARING -> CONNECTING -> SENDING -> (COMPLETED|PAUSED|FAILED)
// state machine, reporting progress through StatusUpdates().
type Sender struct {
	TransferID   types.PeerID
	LocalPeer    types.PeerID
	FileList     []*types.FileItem
	ChunkTimeout time.Duration

	stream *transport.Stream
	pool   *workerpool.WorkerPool
	state  types.TransferState
	index  int

	statusCh chan types.StatusUpdate
}

// NewSender constructs a Sender over an already-established, verified
// FILE_CONN stream. A non-nil pool runs the chunk copies out of the file
// mapping; with a nil pool they run on the calling goroutine. Opening
// and mapping the file always happen on the calling goroutine.
func NewSender(transferID, localPeer types.PeerID, files []*types.FileItem, stream *transport.Stream, pool *workerpool.WorkerPool) *Sender {
	return &Sender{
		TransferID:   transferID,
		LocalPeer:    localPeer,
		FileList:     files,
		ChunkTimeout: DefaultChunkTimeout,
		stream:       stream,
		pool:         pool,
		state:        types.Preparing,
		statusCh:     make(chan types.StatusUpdate, 16),
	}
}

// State returns the sender's current lifecycle state.
func (s *Sender) State() types.TransferState { return s.state }

// StatusUpdates exposes {prefix, current, total, state} snapshots for
// an external status bridge to consume.
func (s *Sender) StatusUpdates() <-chan types.StatusUpdate { return s.statusCh }

// Handshake sends the FILE_CONN handshake frame and sets TCP_NODELAY
// on the dedicated transfer connection.
func (s *Sender) Handshake() error {
	if err := s.stream.SetNoDelay(true); err != nil {
		return fmt.Errorf("palmcast/transfer: set nodelay: %w", err)
	}
	return s.stream.Send(types.WireFrame{
		Header: types.CmdFileConn,
		PeerID: s.LocalPeer,
		Body: map[string]interface{}{
			"version":     types.ProtocolVersion,
			"transfer_id": string(s.TransferID),
		},
	})
}

// SendAll runs the full transfer starting at s.index (0 unless Resume
// was called first), advancing through file_list, finishing with
// more=false.
func (s *Sender) SendAll() error {
	s.state = types.Sending
	for ; s.index < len(s.FileList); s.index++ {
		file := s.FileList[s.index]
		if err := wire.WriteMoreFlag(s.stream, true); err != nil {
			return s.fail(err)
		}
		// The descriptor carries the wire-relative name; Path stays the
		// local path for reading.
		descriptor := *file
		descriptor.Path = filepath.Base(file.Path)
		if err := wire.WriteFileItem(s.stream, descriptor); err != nil {
			return s.fail(err)
		}
		s.emitStatus(file)
		if err := s.sendFileChunks(file); err != nil {
			return s.pause(err)
		}
	}
	if err := wire.WriteMoreFlag(s.stream, false); err != nil {
		return s.fail(err)
	}
	s.state = types.Completed
	return nil
}

// Resume implements the resume protocol: the
// receiver sends an 8-byte big-endian count of bytes already written to
// current_file; the sender fast-forwards its mmap offset and continues
// from there.
func (s *Sender) Resume() error {
	s.state = types.Connecting
	if err := s.stream.SetReadDeadline(time.Now().Add(s.ChunkTimeout)); err != nil {
		return s.fail(err)
	}
	seeked, err := wire.ReadResumeSeek(s.stream)
	_ = s.stream.SetReadDeadline(time.Time{})
	if err != nil {
		s.state = types.Paused
		return fmt.Errorf("%w: %v", types.ErrTransferIncomplete, err)
	}
	if s.index < len(s.FileList) {
		s.FileList[s.index].Seeked = seeked
	}
	return s.SendAll()
}

func (s *Sender) sendFileChunks(file *types.FileItem) error {
	f, err := os.Open(file.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	mapped, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return err
	}
	defer mapped.Unmap()

	chunkSize := CalculateChunkSize(file.Size)
	for file.Seeked < file.Size {
		end := file.Seeked + int64(chunkSize)
		if end > file.Size {
			end = file.Size
		}
		chunk, err := s.readChunk(mapped, file.Seeked, end)
		if err != nil {
			return err
		}
		if err := s.sendChunkWithTimeout(chunk); err != nil {
			return err
		}
		file.Seeked = end
		s.emitStatus(file)
	}
	return nil
}

// readChunk offloads the mmap slice copy onto the worker pool, when one
// is set, so page faults are taken there; the caller waits for the
// result. With a nil pool the copy runs inline.
func (s *Sender) readChunk(mapped mmap.MMap, start, end int64) ([]byte, error) {
	if s.pool == nil {
		return append([]byte(nil), mapped[start:end]...), nil
	}
	result := make(chan []byte, 1)
	s.pool.Submit(func() {
		result <- append([]byte(nil), mapped[start:end]...)
	})
	return <-result, nil
}

func (s *Sender) sendChunkWithTimeout(chunk []byte) error {
	if err := s.stream.SetWriteDeadline(time.Now().Add(s.ChunkTimeout)); err != nil {
		return err
	}
	defer s.stream.SetWriteDeadline(time.Time{})
	_, err := s.stream.Write(chunk)
	return err
}

func (s *Sender) pause(err error) error {
	s.state = types.Paused
	return fmt.Errorf("%w: %v", types.ErrTimeout, err)
}

func (s *Sender) fail(err error) error {
	s.state = types.Failed
	return err
}

func (s *Sender) emitStatus(file *types.FileItem) {
	select {
	case s.statusCh <- types.StatusUpdate{
		Prefix:  file.Path,
		Current: file.Seeked,
		Total:   file.Size,
		State:   s.state,
	}:
	default:
	}
}
