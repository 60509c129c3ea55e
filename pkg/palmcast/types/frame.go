package types

import "net"

// WireFrame is the canonical self-describing envelope used for
// handshakes, commands, gossip and control messages. Body holds
// command-specific fields; Header, PeerID and MsgID are present on
// every frame.
//
// Round-tripping a WireFrame through wire.Encode/wire.Decode must
// reproduce an equal value: the encoder sorts Body keys before encoding
// so two frames with the same logical content always serialize to the
// same bytes.
type WireFrame struct {
	Header Header                 `msgpack:"header"`
	PeerID PeerID                 `msgpack:"peer_id"`
	MsgID  string                 `msgpack:"msg_id"`
	Body   map[string]interface{} `msgpack:"body"`
}

// Get reads a field out of Body, returning ok=false if absent.
func (f WireFrame) Get(key string) (interface{}, bool) {
	if f.Body == nil {
		return nil, false
	}
	v, ok := f.Body[key]
	return v, ok
}

// GetString reads a string field out of Body.
func (f WireFrame) GetString(key string) (string, bool) {
	v, ok := f.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetInt64 reads an integer field out of Body. Msgpack decodes numbers
// into whichever width fits, so every numeric type is accepted.
func (f WireFrame) GetInt64(key string) (int64, bool) {
	v, ok := f.Get(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// With returns a copy of the frame with key set in Body.
func (f WireFrame) With(key string, value interface{}) WireFrame {
	body := make(map[string]interface{}, len(f.Body)+1)
	for k, v := range f.Body {
		body[k] = v
	}
	body[key] = value
	f.Body = body
	return f
}

// GossipMessage is a TTL-bounded message propagated by the (out of
// scope) gossip layer. The core only decrements the TTL per hop (Hop);
// it keeps no seen-set for these messages, so recognising duplicates by
// ID and actual dissemination are left to the external gossip layer.
type GossipMessage struct {
	ID        string                 `msgpack:"id"`
	TTL       int                    `msgpack:"ttl"`
	CreatedAt int64                  `msgpack:"created_at"`
	Payload   map[string]interface{} `msgpack:"payload"`
}

// Hop decrements TTL by one, returning false once the message must be
// dropped instead of forwarded.
func (g *GossipMessage) Hop() bool {
	g.TTL--
	return g.TTL > 0
}

// ConnectionEvent is emitted by the acceptor once a handshake frame has
// been read off a freshly accepted socket; the connector emits none for
// outbound links. Transport holds the concrete *transport.Stream;
// it is typed interface{} here because transport imports types, so types
// cannot import transport back without a cycle. Handlers that need the
// stream type-assert it.
type ConnectionEvent struct {
	Transport interface{}
	Handshake WireFrame
	FromAddr  string
}

// DatagramEvent pairs a control-plane frame with the UDP source it
// arrived from, submitted to the gossip dispatcher by the datagram
// pump. The source address is what OTM Phase A replies to.
type DatagramEvent struct {
	Frame WireFrame
	From  *net.UDPAddr
}

// StreamDataEvent is emitted by the stream reader for every subsequent
// framed message read from a verified long-lived peer connection. See
// ConnectionEvent's comment for why Transport is interface{}.
type StreamDataEvent struct {
	Frame     WireFrame
	Transport interface{}
}
