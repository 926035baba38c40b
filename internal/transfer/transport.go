package transfer

import "github.com/waterslowdown/clouddrop/internal/room"

// DataSender is the subset of PCM's Manager the transfer engine needs to
// move data-channel bytes: send opaque frames, observe the outbound
// buffer for flow control, and report which mode (p2p or relay) a
// transfer in progress is actually running over, for Progress events.
// internal/pcm's Manager is adapted to this interface by
// cmd/clouddrop's wiring rather than implementing it directly, since
// pcm.ConnectionState is a concrete type PCM has its own reasons to
// keep concrete.
type DataSender interface {
	Send(peerID string, data []byte) error
	BufferedAmount(peerID string) (uint64, bool)
	Mode(peerID string) TransferMode
}

// Signaler delivers control-plane messages (file-request, file-response,
// file-cancel) through RS, independent of whether bulk data is currently
// flowing p2p or relayed, per spec section 2's data-flow description.
type Signaler interface {
	Send(msg room.Message) error
}

// RosterLookup resolves a peer-id to its roster attributes, needed to
// compute the sender's trust fingerprint on an inbound file-request.
type RosterLookup interface {
	PeerInfo(peerID string) (room.PeerInfo, bool)
}
