package types

import "fmt"

// PeerID is the stable opaque identifier of a participant. The protocol
// only requires it be unique and comparable; the composition root hands
// out uuid-derived strings (see core.NewPeerID).
type PeerID string

// Status is a RemotePeer's reachability as last observed by discovery.
type Status int

const (
	StatusOffline Status = iota
	StatusOnline
)

func (s Status) String() string {
	if s == StatusOnline {
		return "online"
	}
	return "offline"
}

// Addr is a (host, port) pair, used both for the TCP data endpoint and the
// control/RPC endpoint of a RemotePeer.
type Addr struct {
	Host string
	Port int
}

func (a Addr) String() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// RemotePeer is the identity and reachability of a participant, as
// produced by the (out of scope) discovery/DHT layer and consumed here
// only through lookups.
type RemotePeer struct {
	PeerID     PeerID
	Username   string
	Status     Status
	StreamAddr Addr
	ReqAddr    Addr
}

func (p RemotePeer) String() string {
	return fmt.Sprintf("peer(%s@%s)", p.PeerID, p.StreamAddr)
}
