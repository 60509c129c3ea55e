package types

import "time"

// NodeConfig is the environment surface an external profile loader
// fills in (THIS_IP/PORT_THIS/PATH_DOWNLOAD and friends), bundled into
// one struct passed by reference through the composition root rather
// than read from process-wide globals.
type NodeConfig struct {
	LocalPeerID PeerID

	// StreamAddr is the main TCP listener address (THIS_IP:PORT_THIS).
	StreamAddr string
	// DatagramAddr is the UDP control-channel address for OTM/gossip.
	DatagramAddr string

	// PathDownload is the root directory incoming transfers land under.
	PathDownload string

	DefaultTransferTimeout time.Duration
	DefaultGossipFanout    int
	MaxOTMBuffering        int
	MaxDatagramRecvSize    int
}

// DefaultNodeConfig returns the documented protocol defaults.
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		DefaultTransferTimeout: 5 * time.Second,
		DefaultGossipFanout:    DefaultFanout,
		MaxOTMBuffering:        MaxChunkBuffering,
		MaxDatagramRecvSize:    64 * 1024,
	}
}
