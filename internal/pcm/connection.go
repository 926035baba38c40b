package pcm

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/waterslowdown/clouddrop/internal/room"
)

// Connection is one logical PCM connection to a single remote peer,
// implementing the state machine and perfect-negotiation algorithm from
// spec section 4.2.
type Connection struct {
	localID  string
	remoteID string
	polite   bool // per spec: the higher peer-id lexicographically is polite

	manager *Manager

	mu              sync.Mutex
	state           ConnectionState
	pc              *webrtc.PeerConnection
	dc              *webrtc.DataChannel
	dcOpen          bool
	makingOffer     bool
	remoteDescSet   bool
	pendingICE      []webrtc.ICECandidateInit
	ephemeral       ephemeralKeyPair
	keyExchangeSent bool
	iceFailSince    *time.Time

	relaySend *relaySender
	relayRecv *relayReassembler

	slowTimer  *time.Timer
	relayTimer *time.Timer

	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(local, remote string, m *Manager) (*Connection, error) {
	ephemeral, err := generateEphemeralKeyPair()
	if err != nil {
		return nil, err
	}

	pc, err := webrtc.NewPeerConnection(m.config.WebRTC)
	if err != nil {
		return nil, fmt.Errorf("pcm: new peer connection to %s: %w", remote, err)
	}

	c := &Connection{
		localID:   local,
		remoteID:  remote,
		polite:    isPolite(local, remote),
		manager:   m,
		state:     StateIdle,
		pc:        pc,
		ephemeral: ephemeral,
		relaySend: &relaySender{},
		relayRecv: newRelayReassembler(),
		closed:    make(chan struct{}),
	}

	pc.OnICECandidate(c.onICECandidate)
	pc.OnConnectionStateChange(c.onConnectionStateChange)
	pc.OnNegotiationNeeded(c.onNegotiationNeeded)
	pc.OnDataChannel(c.onDataChannel)

	return c, nil
}

// isPolite implements the Design Notes' correction: compare as bytes,
// not as locale strings. strings.Compare on Go strings already performs
// a byte-wise comparison, so using it directly both satisfies the note
// and keeps the rule in one obvious place.
func isPolite(local, remote string) bool {
	return strings.Compare(local, remote) > 0
}

func (c *Connection) setState(s ConnectionState) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.manager.emitStateChange(c.remoteID, s)
	}
}

func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// startOutboundDataChannel creates the single data channel this side
// will use once connected, and arms the health/fallback watchdog per
// spec section 4.2's timing table. Called once, by whichever side
// initiates (Manager.ensureConnection for the first Send or Prewarm).
func (c *Connection) startOutboundDataChannel() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dc != nil {
		return nil
	}
	ordered := true
	dc, err := c.pc.CreateDataChannel("clouddrop", &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fmt.Errorf("pcm: create data channel: %w", err)
	}
	c.wireDataChannelLocked(dc)
	c.state = StateConnecting
	c.armWatchdogLocked()
	return nil
}

func (c *Connection) armWatchdogLocked() {
	c.slowTimer = time.AfterFunc(WatchdogSlowAfter, func() {
		if c.State() == StateConnecting {
			c.setState(StateSlow)
		}
	})
	c.relayTimer = time.AfterFunc(WatchdogRelayAfter, func() {
		s := c.State()
		if s == StateConnecting || s == StateSlow {
			c.transitionToRelay()
		}
	})
}

func (c *Connection) cancelWatchdogLocked() {
	if c.slowTimer != nil {
		c.slowTimer.Stop()
	}
	if c.relayTimer != nil {
		c.relayTimer.Stop()
	}
}

func (c *Connection) transitionToRelay() {
	c.mu.Lock()
	c.cancelWatchdogLocked()
	c.mu.Unlock()
	c.setState(StateRelay)
	c.sendKeyExchangeIfNeeded()
}

// BufferedAmount reports the data channel's outbound buffer in bytes,
// for TE's high/low water mark flow control (spec section 4.3). The
// second return is false when there is no open data channel to measure
// (idle, connecting, or relay mode), in which case TE skips backpressure.
func (c *Connection) BufferedAmount() (uint64, bool) {
	c.mu.Lock()
	dc, open := c.dc, c.dcOpen
	c.mu.Unlock()
	if dc == nil || !open {
		return 0, false
	}
	return uint64(dc.BufferedAmount()), true
}

func (c *Connection) onDataChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	if c.dc == nil {
		c.wireDataChannelLocked(dc)
	}
	c.mu.Unlock()
}

// wireDataChannelLocked attaches open/message handlers. Caller must hold c.mu.
func (c *Connection) wireDataChannelLocked(dc *webrtc.DataChannel) {
	c.dc = dc
	dc.OnOpen(func() {
		c.mu.Lock()
		c.dcOpen = true
		c.mu.Unlock()
	})
	dc.OnClose(func() {
		c.mu.Lock()
		c.dcOpen = false
		c.mu.Unlock()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.manager.emitReceived(c.remoteID, msg.Data)
	})
}

func (c *Connection) onNegotiationNeeded() {
	c.mu.Lock()
	c.makingOffer = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.makingOffer = false
		c.mu.Unlock()
	}()

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		log.Printf("[pcm] %s: create offer for %s: %v", c.localID, c.remoteID, err)
		return
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		log.Printf("[pcm] %s: set local description for %s: %v", c.localID, c.remoteID, err)
		return
	}
	c.sendSignal(room.TypeOffer, offer.SDP)
}

func (c *Connection) onICECandidate(candidate *webrtc.ICECandidate) {
	if candidate == nil {
		return // end-of-candidates
	}
	init := candidate.ToJSON()
	c.sendSignal(room.TypeICECandidate, init)
}

func (c *Connection) onConnectionStateChange(s webrtc.PeerConnectionState) {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		c.mu.Lock()
		c.cancelWatchdogLocked()
		c.iceFailSince = nil
		c.mu.Unlock()
		if c.State() != StateRelay {
			c.setState(StateP2P)
		}
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		c.mu.Lock()
		if c.iceFailSince == nil {
			now := time.Now()
			c.iceFailSince = &now
		}
		since := *c.iceFailSince
		c.mu.Unlock()
		if time.Since(since) > ICEFailureGrace {
			c.transitionToRelay()
		} else {
			time.AfterFunc(ICEFailureGrace, func() {
				st := c.pc.ICEConnectionState()
				if st == webrtc.ICEConnectionStateFailed || st == webrtc.ICEConnectionStateDisconnected {
					c.transitionToRelay()
				}
			})
		}
	case webrtc.PeerConnectionStateClosed:
		c.setState(StateClosed)
	}
}

// HandleOffer implements perfect negotiation's offer-collision handling
// from spec section 4.2.
func (c *Connection) HandleOffer(sdp string) {
	c.mu.Lock()
	collision := c.makingOffer || (c.pc.SignalingState() != webrtc.SignalingStateStable)
	ignore := !c.polite && collision
	c.mu.Unlock()

	if ignore {
		return // impolite side mid-offer: ignore the remote offer
	}

	if collision {
		// Polite side rolls back its own offer before accepting the remote one.
		if err := c.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			log.Printf("[pcm] %s: rollback for %s: %v", c.localID, c.remoteID, err)
			return
		}
	}

	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		log.Printf("[pcm] %s: set remote offer from %s: %v", c.localID, c.remoteID, err)
		return
	}
	c.markRemoteDescSetAndFlush()

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		log.Printf("[pcm] %s: create answer for %s: %v", c.localID, c.remoteID, err)
		return
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		log.Printf("[pcm] %s: set local answer for %s: %v", c.localID, c.remoteID, err)
		return
	}
	c.sendSignal(room.TypeAnswer, answer.SDP)
}

// HandleAnswer implements the offerer side of perfect negotiation.
func (c *Connection) HandleAnswer(sdp string) {
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		log.Printf("[pcm] %s: set remote answer from %s: %v", c.localID, c.remoteID, err)
		return
	}
	c.markRemoteDescSetAndFlush()
}

func (c *Connection) markRemoteDescSetAndFlush() {
	c.mu.Lock()
	c.remoteDescSet = true
	pending := c.pendingICE
	c.pendingICE = nil
	c.mu.Unlock()

	for _, cand := range pending {
		if err := c.pc.AddICECandidate(cand); err != nil {
			log.Printf("[pcm] %s: add buffered ICE candidate from %s: %v", c.localID, c.remoteID, err)
		}
	}
}

// HandleICECandidate buffers the candidate if the remote description is
// not yet set, per spec section 4.2.
func (c *Connection) HandleICECandidate(init webrtc.ICECandidateInit) {
	c.mu.Lock()
	if !c.remoteDescSet {
		c.pendingICE = append(c.pendingICE, init)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.pc.AddICECandidate(init); err != nil {
		log.Printf("[pcm] %s: add ICE candidate from %s: %v", c.localID, c.remoteID, err)
	}
}

// HandleKeyExchange stores the remote public key and derives the shared
// relay key, per spec section 4.2.
func (c *Connection) HandleKeyExchange(remotePublic []byte) {
	key, err := deriveRelayKey(c.ephemeral.private, remotePublic)
	if err != nil {
		log.Printf("[pcm] %s: derive relay key with %s: %v", c.localID, c.remoteID, err)
		return
	}
	c.manager.keys.set(c.remoteID, key)
}

func (c *Connection) sendKeyExchangeIfNeeded() {
	c.mu.Lock()
	if c.keyExchangeSent {
		c.mu.Unlock()
		return
	}
	c.keyExchangeSent = true
	pub := append([]byte(nil), c.ephemeral.public[:]...)
	c.mu.Unlock()
	c.sendSignal(room.TypeKeyExchange, keyExchangeData{PublicKey: pub})
}

func (c *Connection) sendSignal(t room.MessageType, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		log.Printf("[pcm] %s: marshal %s payload for %s: %v", c.localID, t, c.remoteID, err)
		return
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		decoded = data
	}
	if err := c.manager.signaler.Send(room.Message{Type: t, To: c.remoteID, Data: decoded}); err != nil {
		log.Printf("[pcm] %s: send %s to %s: %v", c.localID, t, c.remoteID, err)
	}
}

// Send transmits data to the remote peer over the current path (direct
// data channel in p2p mode, RS-relayed frames otherwise).
func (c *Connection) Send(data []byte) error {
	switch c.State() {
	case StateP2P:
		c.mu.Lock()
		dc, open := c.dc, c.dcOpen
		c.mu.Unlock()
		if dc == nil || !open {
			return fmt.Errorf("pcm: data channel to %s not open", c.remoteID)
		}
		return dc.Send(data)
	case StateClosed:
		return fmt.Errorf("pcm: connection to %s is closed", c.remoteID)
	default:
		return c.sendViaRelay(data)
	}
}

// sendViaRelay wraps payload in a sequenced envelope and forwards it
// through RS. The envelope's enc flag only records whether a relay key
// exists for this peer; TE is responsible for actually sealing chunk
// payloads with that key before calling Send, per spec section 4.3.
func (c *Connection) sendViaRelay(data []byte) error {
	_, hasKey := c.manager.keys.get(c.remoteID)
	env, err := c.relaySend.wrap(data, hasKey)
	if err != nil {
		return err
	}
	raw, err := marshalRelayData(env)
	if err != nil {
		return err
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}
	return c.manager.signaler.Send(room.Message{Type: room.TypeRelayData, To: c.remoteID, Data: decoded})
}

// ReceiveRelay handles an inbound relay-data frame, reassembling by seq
// and delivering ready payloads in order.
func (c *Connection) ReceiveRelay(env relayEnvelope) {
	ready, err := c.relayRecv.feed(env)
	if err != nil {
		log.Printf("[pcm] %s: relay reassembly from %s: %v", c.localID, c.remoteID, err)
		return
	}
	for _, payload := range ready {
		c.manager.emitReceived(c.remoteID, payload)
	}
}

// Close tears the connection down idempotently and rekeys, per spec
// section 4.2 ("Rekey on connection close").
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.cancelWatchdogLocked()
		c.mu.Unlock()
		err = c.pc.Close()
		c.manager.keys.clear(c.remoteID)
		c.setState(StateClosed)
		close(c.closed)
	})
	return err
}
