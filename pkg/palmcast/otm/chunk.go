package otm

import (
	"fmt"
	"io"

	"github.com/jabolina/palmcast/pkg/palmcast/types"
)

// Chunk status prefixes.
const (
	chunkMetadata    byte = 0x00
	chunkData        byte = 0x01
	chunkEndOfStream byte = 0xff
)

// Every frame on an OTM stream link is exactly 1 + chunk_size bytes:
// the status prefix followed by the data portion, zero-padded when the
// source yields fewer bytes. Fixed-size frames are what let every relay
// read chunk_size + 1 bytes per iteration without any further framing;
// receivers discard the padding because the file list tells them
// exactly how many payload bytes each file owes.
func makeChunkFrame(status byte, data []byte, chunkSize int) ([]byte, error) {
	if len(data) > chunkSize {
		return nil, fmt.Errorf("%w: otm chunk %d bytes exceeds session chunk size %d", types.ErrMalformedFrame, len(data), chunkSize)
	}
	frame := make([]byte, 1+chunkSize)
	frame[0] = status
	copy(frame[1:], data)
	return frame, nil
}

// readChunkFrame blocks for exactly one fixed-size frame off the parent
// link.
func readChunkFrame(r io.Reader, chunkSize int) (byte, []byte, error) {
	frame := make([]byte, 1+chunkSize)
	if _, err := io.ReadFull(r, frame); err != nil {
		return 0, nil, err
	}
	return frame[0], frame[1:], nil
}
