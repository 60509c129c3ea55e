package types

// Header is the short ASCII tag identifying the intent of a WireFrame.
// These strings are part of the wire format and must match byte-for-byte
// across implementations.
type Header string

const (
	CmdVerifyHeader  Header = "CMD_VERIFY_HEADER"
	CmdText          Header = "CMD_TEXT"
	CmdFileConn      Header = "CMD_FILE_CONN"
	CmdRecvDir       Header = "CMD_RECV_DIR"
	CmdClosingHeader Header = "CMD_CLOSING_HEADER"

	OTMUpdateStreamLink Header = "OTM_UPDATE_STREAM_LINK"
	OTMFileTransfer     Header = "OTM_FILE_TRANSFER"
	GossipTreeCheck     Header = "GOSSIP_TREE_CHECK"
	GossipAddStreamLink Header = "GOSSIP_ADD_STREAM_LINK"

	// Companion headers completing the three-phase OTM control
	// exchange; internal to the control plane.
	OTMInform          Header = "OTM_INFORM"
	OTMInformResponse  Header = "OTM_INFORM_RESPONSE"
	OTMParentBroken    Header = "OTM_PARENT_LINK_BROKEN"
)

// ProtocolVersion is carried on every handshake frame so peers can reject
// incompatible wire formats instead of misparsing them.
const ProtocolVersion = 1
