package core

import (
	"github.com/google/uuid"

	"github.com/jabolina/palmcast/pkg/palmcast/types"
)

// NewPeerID mints a fresh opaque peer identifier. The protocol only
// requires uniqueness and comparability, so a random uuid string is
// enough.
func NewPeerID() types.PeerID {
	return types.PeerID(uuid.NewString())
}

// NewTransferID mints a transfer/session identifier, shared by the
// file transfer engine and the OTM protocol.
func NewTransferID() string {
	return uuid.NewString()
}
