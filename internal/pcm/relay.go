package pcm

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
)

// relayEnvelope is the JSON shape carried inside a relay-data frame, per
// spec section 4.2: {seq, payload_b64, enc}.
type relayEnvelope struct {
	Seq        uint32 `json:"seq"`
	PayloadB64 string `json:"payload_b64"`
	Enc        bool   `json:"enc"`
}

// relaySender assigns a monotonically increasing seq to every payload
// handed to Send while the connection is in relay mode, independent of
// TE's own chunk-sequence numbers — the "second line of defense"
// ordering guarantee from spec section 4.2 rests on these being two
// distinct counters.
type relaySender struct {
	mu  sync.Mutex
	seq uint32
}

func (s *relaySender) wrap(payload []byte, encrypted bool) (relayEnvelope, error) {
	if len(payload) > MaxRelayFramePayload {
		return relayEnvelope{}, fmt.Errorf("pcm: relay payload of %d bytes exceeds %d-byte cap", len(payload), MaxRelayFramePayload)
	}
	s.mu.Lock()
	seq := s.seq
	s.seq++
	s.mu.Unlock()
	return relayEnvelope{
		Seq:        seq,
		PayloadB64: base64.StdEncoding.EncodeToString(payload),
		Enc:        encrypted,
	}, nil
}

// relayReassembler reorders inbound relay-data frames by seq and
// delivers payloads to the receive callback strictly in order, matching
// spec section 4.2's "Receive reassembles by seq." The number of frames
// buffered ahead of the next expected seq is bounded by MaxRelaySeqGap
// to protect against a peer that never sends the missing seq (see
// types.go).
type relayReassembler struct {
	mu      sync.Mutex
	nextSeq uint32
	pending map[uint32][]byte
}

func newRelayReassembler() *relayReassembler {
	return &relayReassembler{pending: make(map[uint32][]byte)}
}

// feed ingests one inbound frame and returns, in order, every payload
// now ready for delivery (the frame itself, plus any previously buffered
// frames it unblocks).
func (r *relayReassembler) feed(env relayEnvelope) ([][]byte, error) {
	payload, err := base64.StdEncoding.DecodeString(env.PayloadB64)
	if err != nil {
		return nil, fmt.Errorf("pcm: decode relay payload: %w", err)
	}
	if len(payload) > MaxRelayFramePayload {
		return nil, fmt.Errorf("pcm: relay payload of %d bytes exceeds %d-byte cap, dropping seq %d", len(payload), MaxRelayFramePayload, env.Seq)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if env.Seq < r.nextSeq {
		return nil, nil // duplicate or already-delivered seq; drop
	}
	r.pending[env.Seq] = payload

	if len(r.pending) > MaxRelaySeqGap {
		r.evictOldestLocked()
	}

	var ready [][]byte
	for {
		p, ok := r.pending[r.nextSeq]
		if !ok {
			break
		}
		ready = append(ready, p)
		delete(r.pending, r.nextSeq)
		r.nextSeq++
	}
	return ready, nil
}

// evictOldestLocked drops the lowest-seq pending frame and advances
// nextSeq past it, so a single lost frame cannot block delivery forever
// while the buffer is at capacity. Caller must hold r.mu.
func (r *relayReassembler) evictOldestLocked() {
	if len(r.pending) == 0 {
		return
	}
	min := r.nextSeq
	found := false
	for seq := range r.pending {
		if !found || seq < min {
			min = seq
			found = true
		}
	}
	if found {
		delete(r.pending, min)
		if min >= r.nextSeq {
			r.nextSeq = min + 1
		}
	}
}

func marshalRelayData(env relayEnvelope) (json.RawMessage, error) {
	return json.Marshal(env)
}
