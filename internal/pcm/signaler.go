package pcm

import "github.com/waterslowdown/clouddrop/internal/room"

// Signaler abstracts delivery of signaling frames to a remote peer via
// RS. The production implementation (internal/rsclient) forwards over
// the live WebSocket; MemorySignaler below wires two in-process Managers
// together for tests, the same role bureau-foundation-bureau's
// MemorySignaler plays for its WebRTCTransport tests — except here the
// model is push (RS forwards immediately), not poll, since spec section
// 4.2 exchanges ICE candidates incrementally rather than gathering them
// all before one round-trip.
type Signaler interface {
	Send(msg room.Message) error
}

// MemorySignaler connects exactly two Managers in-process by routing
// each Send directly into the other's HandleMessage, bypassing any
// network. Used by tests that need two real pion PeerConnections
// negotiating against each other.
type MemorySignaler struct {
	peerID string // the sending side's id, stamped as From the way RS does
	other  *Manager
}

// NewMemoryLink creates a pair of Signalers, one per side, each
// delivering into the other Manager supplied.
func NewMemoryLink(aID string, a *Manager, bID string, b *Manager) (aSig, bSig *MemorySignaler) {
	aSig = &MemorySignaler{peerID: aID, other: b}
	bSig = &MemorySignaler{peerID: bID, other: a}
	return aSig, bSig
}

func (s *MemorySignaler) Send(msg room.Message) error {
	msg.From = s.peerID
	go s.other.HandleMessage(msg)
	return nil
}
