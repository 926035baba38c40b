package main

import (
	"sync"

	"github.com/waterslowdown/clouddrop/internal/room"
)

// roster is the CLI peer's own copy of the room membership, kept in sync
// from the join/peer-joined/peer-left/name-changed frames RS forwards.
// It backs transfer.RosterLookup so the engine can resolve a fingerprint
// for any peer currently in the room; peers are dropped on peer-left.
type roster struct {
	mu    sync.Mutex
	peers map[string]room.PeerInfo
}

func newRoster() *roster {
	return &roster{peers: make(map[string]room.PeerInfo)}
}

func (r *roster) setAll(peers []room.PeerInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range peers {
		r.peers[p.ID] = p
	}
}

func (r *roster) upsert(p room.PeerInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.ID] = p
}

func (r *roster) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
}

// PeerInfo implements transfer.RosterLookup.
func (r *roster) PeerInfo(peerID string) (room.PeerInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[peerID]
	return p, ok
}

func (r *roster) snapshot() []room.PeerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]room.PeerInfo, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}
