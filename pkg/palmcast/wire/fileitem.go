package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/jabolina/palmcast/pkg/palmcast/types"
)

// WriteFileItem writes a single file descriptor:
// u32-be len || msgpack(FileItem).
func WriteFileItem(w io.Writer, item types.FileItem) error {
	body, err := msgpack.Marshal(item)
	if err != nil {
		return fmt.Errorf("palmcast/wire: marshal file item: %w", err)
	}
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(body)))
	if _, err := w.Write(append(header, body...)); err != nil {
		return err
	}
	return nil
}

// ReadFileItem reads one file descriptor written by WriteFileItem.
func ReadFileItem(r io.Reader) (types.FileItem, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return types.FileItem{}, fmt.Errorf("%w: reading file item length: %v", types.ErrMalformedFrame, err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxFrameSize {
		return types.FileItem{}, fmt.Errorf("%w: file item length %d exceeds ceiling", types.ErrMalformedFrame, length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return types.FileItem{}, fmt.Errorf("%w: reading file item body: %v", types.ErrMalformedFrame, err)
	}
	var item types.FileItem
	if err := msgpack.Unmarshal(body, &item); err != nil {
		return types.FileItem{}, fmt.Errorf("%w: %v", types.ErrMalformedFrame, err)
	}
	return item, nil
}

// WriteMoreFlag writes the 1-byte more-files-follow control prefix
// (\x01 = more, \x00 = end-of-files).
func WriteMoreFlag(w io.Writer, more bool) error {
	var b [1]byte
	if more {
		b[0] = 1
	}
	_, err := w.Write(b[:])
	return err
}

// ReadMoreFlag reads the more-files-follow prefix.
func ReadMoreFlag(r io.Reader) (bool, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return false, fmt.Errorf("%w: reading more-flag: %v", types.ErrMalformedFrame, err)
	}
	return b[0] != 0, nil
}

// WriteResumeSeek writes the 8-byte big-endian resume offset sent by the
// receiver on reconnect.
func WriteResumeSeek(w io.Writer, seeked int64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(seeked))
	_, err := w.Write(b[:])
	return err
}

// ReadResumeSeek reads the 8-byte resume offset.
func ReadResumeSeek(r io.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", types.ErrTransferIncomplete, err)
	}
	return int64(binary.BigEndian.Uint64(b[:])), nil
}
