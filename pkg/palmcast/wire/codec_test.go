package wire_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jabolina/palmcast/pkg/palmcast/types"
	"github.com/jabolina/palmcast/pkg/palmcast/wire"
)

func TestFrameRoundTrip(t *testing.T) {
	frame := types.WireFrame{
		Header: types.CmdText,
		PeerID: "peer-a",
		MsgID:  "msg-1",
		Body: map[string]interface{}{
			"message": "hi",
			"zeta":    1,
			"alpha":   2,
		},
	}

	encoded, err := wire.Encode(frame)
	require.NoError(t, err)

	decoded, err := wire.Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, frame.Header, decoded.Header)
	require.Equal(t, frame.PeerID, decoded.PeerID)
	require.Equal(t, frame.MsgID, decoded.MsgID)

	// Canonical ordering: encoding the same logical frame twice produces
	// byte-identical output.
	encodedAgain, err := wire.Encode(frame)
	require.NoError(t, err)
	require.True(t, bytes.Equal(encoded, encodedAgain))
}

func TestWriteReadFrame(t *testing.T) {
	frame := types.WireFrame{
		Header: types.CmdVerifyHeader,
		PeerID: "peer-b",
		Body:   map[string]interface{}{"version": types.ProtocolVersion},
	}

	var buf bytes.Buffer
	require.NoError(t, wire.WriteFrame(&buf, frame))

	got, err := wire.ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, frame.Header, got.Header)
}

func TestReadFrameTruncated(t *testing.T) {
	// Declares a 10-byte payload but supplies none: truncation must fail
	// closed with ErrMalformedFrame, never block or panic.
	r := strings.NewReader("\x00\x00\x00\x0a")
	_, err := wire.ReadFrame(r)
	require.ErrorIs(t, err, types.ErrMalformedFrame)
}

func TestReadFrameOversized(t *testing.T) {
	// Declared length of 2^31-1 with only 10 bytes of body must close
	// within the acceptor's bounded timeout rather than trying to read
	// gigabytes.
	r := strings.NewReader("\x7f\xff\xff\xff0123456789")
	_, err := wire.ReadFrame(r)
	require.ErrorIs(t, err, types.ErrMalformedFrame)
}

func TestFileItemRoundTrip(t *testing.T) {
	item := types.FileItem{Path: "a/b/c.bin", Size: 12345, Seeked: 100}
	var buf bytes.Buffer
	require.NoError(t, wire.WriteFileItem(&buf, item))

	got, err := wire.ReadFileItem(&buf)
	require.NoError(t, err)
	require.Equal(t, item, got)
}

func TestMoreFlagRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, wire.WriteMoreFlag(&buf, true))
	require.NoError(t, wire.WriteMoreFlag(&buf, false))

	more, err := wire.ReadMoreFlag(&buf)
	require.NoError(t, err)
	require.True(t, more)

	more, err = wire.ReadMoreFlag(&buf)
	require.NoError(t, err)
	require.False(t, more)
}

func TestResumeSeekRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, wire.WriteResumeSeek(&buf, 1572864))

	got, err := wire.ReadResumeSeek(&buf)
	require.NoError(t, err)
	require.Equal(t, int64(1572864), got)
}
