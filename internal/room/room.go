package room

import (
	"encoding/json"
	"log"
	"sort"
	"time"
)

// maxRelayDataWireSize bounds the encoded size of a relay-data message's
// payload, per spec section 5's resource policy: "RS imposes a per-frame
// size cap (64 KiB payload -> ~90 KiB wire) and drops frames exceeding
// it." This is RS's half of the cap: it inspects the wire encoding it is
// actually about to relay, independent of whatever envelope shape PCM
// put inside msg.Data.
const maxRelayDataWireSize = 90 * 1024

// Room is a single-threaded event loop over one room's peer set, per
// spec section 5: "all message handlers are short, non-blocking, and
// atomic with respect to the room's peer set." Every mutation of the
// peer table runs as a closure submitted to cmds, so no mutex is needed
// on the hot path — only the rarer registry-level create/destroy uses a
// lock (see registry.go).
type Room struct {
	code    string
	cmds    chan func()
	peers   *genTable
	closeCh chan struct{}
}

func newRoom(code string) *Room {
	r := &Room{
		code:    code,
		cmds:    make(chan func(), 64),
		peers:   newGenTable(),
		closeCh: make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Room) run() {
	for {
		select {
		case cmd := <-r.cmds:
			cmd()
		case <-r.closeCh:
			return
		}
	}
}

// do submits cmd to the room's loop and blocks until it has run, giving
// callers a synchronous-looking API over the serialized event loop.
func (r *Room) do(cmd func()) {
	done := make(chan struct{})
	r.cmds <- func() {
		cmd()
		close(done)
	}
	<-done
}

// Join admits a peer, assigns it the given id, and returns the roster of
// other live peers at the instant of admission — satisfying invariant 1
// in spec section 8 by construction: the snapshot is taken inside the
// room's own serialized loop, so it can neither miss a concurrent joiner
// nor include one that has not yet been admitted.
func (r *Room) Join(id string, data JoinData, send func(Message) error) []PeerInfo {
	var others []PeerInfo
	r.do(func() {
		p := &peerRecord{
			id:          id,
			name:        data.Name,
			deviceType:  data.DeviceType,
			browserInfo: data.BrowserInfo,
			joinedAt:    time.Now(),
			send:        send,
		}
		others = rosterExcept(r.peers, "")
		r.peers.put(id, p)
		log.Printf("[room %s] peer %s joined (%s)", r.code, id, data.Name)
		r.broadcastExcept(id, Message{
			Type: TypePeerJoined,
			Data: p.info(),
		})
	})
	return others
}

// Leave removes a peer and notifies the rest of the room, reporting
// whether the room is now empty. Idempotent: calling it twice for the
// same id is a no-op the second time. Callers that need to remove an
// emptied room from a Registry must do so while still holding whatever
// lock served the Leave call — see Registry.Leave — since a caller that
// only inspects Empty() afterward races a concurrent GetOrCreate for the
// same code against this call closing closeCh.
func (r *Room) Leave(id string) (empty bool) {
	if r.Empty() {
		return true // the last peer already left and the event loop has exited
	}
	r.do(func() {
		if _, ok := r.peers.get(id); !ok {
			empty = r.peers.len() == 0
			return
		}
		r.peers.remove(id)
		log.Printf("[room %s] peer %s left", r.code, id)
		r.broadcastExcept(id, Message{Type: TypePeerLeft, Data: PeerInfo{ID: id}})
		if r.peers.len() == 0 {
			close(r.closeCh)
		}
		empty = r.peers.len() == 0
	})
	return empty
}

// Rename updates a peer's stored name and broadcasts name-changed, per
// spec section 4.1: "name-changed also updates the sender's stored
// attachment."
func (r *Room) Rename(id, newName string) {
	r.do(func() {
		p, ok := r.peers.get(id)
		if !ok {
			return
		}
		p.name = newName
		r.broadcastExcept(id, Message{Type: TypeNameChanged, Data: p.info()})
	})
}

// Forward relays msg to msg.To if that peer is currently live. Messages
// without a live recipient are dropped silently, per spec section 4.1.
func (r *Room) Forward(from string, msg Message) {
	if !forwardable[msg.Type] || msg.To == "" {
		return
	}
	if msg.Type == TypeRelayData {
		if raw, err := json.Marshal(msg.Data); err == nil && len(raw) > maxRelayDataWireSize {
			log.Printf("[room %s] dropping oversized relay-data frame from %s: %d bytes", r.code, from, len(raw))
			return
		}
	}
	r.do(func() {
		target, ok := r.peers.get(msg.To)
		if !ok {
			return
		}
		msg.From = from
		if err := target.send(msg); err != nil {
			log.Printf("[room %s] forward to %s failed: %v", r.code, msg.To, err)
		}
	})
}

// Empty reports whether the room's last peer has left, which also stops
// its event loop. A room that no peer has joined yet is not Empty.
func (r *Room) Empty() bool {
	empty := false
	select {
	case <-r.closeCh:
		empty = true
	default:
	}
	return empty
}

func (r *Room) broadcastExcept(exclude string, msg Message) {
	for _, p := range r.peers.all() {
		if p.id == exclude {
			continue
		}
		if err := p.send(msg); err != nil {
			log.Printf("[room %s] broadcast to %s failed: %v", r.code, p.id, err)
		}
	}
}

func rosterExcept(t *genTable, exclude string) []PeerInfo {
	all := t.all()
	sort.Slice(all, func(i, j int) bool { return all[i].joinedAt.Before(all[j].joinedAt) })
	out := make([]PeerInfo, 0, len(all))
	for _, p := range all {
		if p.id == exclude {
			continue
		}
		out = append(out, p.info())
	}
	return out
}
