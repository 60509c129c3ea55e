// Package wire implements the wire codec: one framing rule end to end,
// u32-be length prefix plus a msgpack-encoded, canonically-ordered body.
// Datagram frames omit the length prefix since UDP already preserves
// message boundaries.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/jabolina/palmcast/pkg/palmcast/types"
)

// MaxFrameSize is the declared-length ceiling; anything larger is
// rejected as malformed before a single byte of payload is read.
const MaxFrameSize = 4 * 1024 * 1024

const lengthPrefixSize = 4

// Encode serializes a WireFrame into its canonical byte representation:
// map keys are sorted so that two logically equal frames always produce
// identical bytes and decode(encode(f)) reproduces f.
func Encode(frame types.WireFrame) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(frame); err != nil {
		return nil, fmt.Errorf("palmcast/wire: encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses the canonical byte representation produced by Encode.
func Decode(payload []byte) (types.WireFrame, error) {
	var frame types.WireFrame
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(&frame); err != nil {
		return types.WireFrame{}, fmt.Errorf("%w: %v", types.ErrMalformedFrame, err)
	}
	return frame, nil
}

// WriteFrame writes LEN(4 bytes, big-endian) || PAYLOAD atomically: the
// header and body are assembled into one buffer and handed to a single
// Write call so framing can never be split across two partial writes.
func WriteFrame(w io.Writer, frame types.WireFrame) error {
	payload, err := Encode(frame)
	if err != nil {
		return err
	}
	return writeLengthPrefixed(w, payload)
}

// writeLengthPrefixed assembles the length prefix and payload into a
// single buffer and performs one Write call.
func writeLengthPrefixed(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: payload %d bytes exceeds %d byte ceiling", types.ErrMalformedFrame, len(payload), MaxFrameSize)
	}
	out := make([]byte, lengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[lengthPrefixSize:], payload)
	_, err := w.Write(out)
	return err
}

// ReadFrame reads exactly one LEN || PAYLOAD frame from r. It fails with
// ErrMalformedFrame on truncation or a declared length exceeding
// MaxFrameSize.
func ReadFrame(r io.Reader) (types.WireFrame, error) {
	payload, err := ReadRawFrame(r)
	if err != nil {
		return types.WireFrame{}, err
	}
	return Decode(payload)
}

// ReadRawFrame reads exactly one LEN || PAYLOAD frame, returning the raw
// payload bytes without decoding them. Used by the directory receiver
// for its entry headers and by callers that want to defer decoding.
func ReadRawFrame(r io.Reader) ([]byte, error) {
	var lenBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: reading length prefix: %v", types.ErrMalformedFrame, err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: declared length %d exceeds %d byte ceiling", types.ErrMalformedFrame, length, MaxFrameSize)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: reading payload: %v", types.ErrMalformedFrame, err)
	}
	return payload, nil
}

// WriteRawFrame writes a pre-encoded payload with the length prefix,
// atomically as a single Write.
func WriteRawFrame(w io.Writer, payload []byte) error {
	return writeLengthPrefixed(w, payload)
}

// EncodeDatagram serializes a WireFrame body-only, with no length prefix,
// for transmission over a boundary-preserving UDP datagram.
func EncodeDatagram(frame types.WireFrame) ([]byte, error) {
	return Encode(frame)
}

// DecodeDatagram parses a body-only datagram payload.
func DecodeDatagram(payload []byte) (types.WireFrame, error) {
	return Decode(payload)
}
