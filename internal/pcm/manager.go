package pcm

import (
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/waterslowdown/clouddrop/internal/room"
)

// Config holds the settings a Manager needs to create PeerConnections,
// notably the ICE server list RS (or an operator) supplies.
type Config struct {
	WebRTC webrtc.Configuration
}

// DefaultConfig returns a Configuration with a single public STUN server,
// enough to exercise host/srflx candidate gathering without any TURN
// relay infrastructure of its own — spec section 4.2's own relay
// fallback exists precisely so a TURN server is not a hard requirement.
func DefaultConfig() Config {
	return Config{
		WebRTC: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
		},
	}
}

// Manager owns one Connection per remote peer and is the PCM's public
// surface: Prewarm/Send drive outbound traffic, HandleMessage ingests
// signaling frames forwarded by RS, and the Events channel is the single
// sink for state changes and inbound payloads, the Go analogue of the
// spec's PCM event callbacks.
type Manager struct {
	localID  string
	config   Config
	signaler Signaler
	keys     *keyStore

	mu    sync.Mutex
	conns map[string]*Connection

	events chan interface{}
}

// NewManager creates a Manager for localID, sending signaling frames
// through sig and buffering delivered events on a channel of the given
// capacity.
func NewManager(localID string, sig Signaler, cfg Config, eventBuf int) *Manager {
	return &Manager{
		localID:  localID,
		config:   cfg,
		signaler: sig,
		keys:     newKeyStore(),
		conns:    make(map[string]*Connection),
		events:   make(chan interface{}, eventBuf),
	}
}

// Events returns the channel StateChange and Received values are
// delivered on. Callers should drain it continuously; when the buffer
// is full, a new event is dropped and logged rather than delivered.
func (m *Manager) Events() <-chan interface{} {
	return m.events
}

func (m *Manager) emitStateChange(peerID string, s ConnectionState) {
	select {
	case m.events <- StateChange{PeerID: peerID, State: s}:
	default:
		log.Printf("[pcm] %s: event channel full, dropped state change for %s", m.localID, peerID)
	}
}

func (m *Manager) emitReceived(peerID string, data []byte) {
	cp := append([]byte(nil), data...)
	select {
	case m.events <- Received{PeerID: peerID, Data: cp}:
	default:
		log.Printf("[pcm] %s: event channel full, dropped payload from %s", m.localID, peerID)
	}
}

// ensureConnection returns the Connection for peerID, creating it (and,
// if initiate is true, its outbound data channel) on first use.
func (m *Manager) ensureConnection(peerID string, initiate bool) (*Connection, error) {
	m.mu.Lock()
	c, ok := m.conns[peerID]
	if !ok {
		var err error
		c, err = newConnection(m.localID, peerID, m)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		m.conns[peerID] = c
	}
	m.mu.Unlock()

	if initiate {
		if err := c.startOutboundDataChannel(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Prewarm begins connection setup to peerID without sending any
// application data, so the direct path has time to establish before the
// first real Send call needs it.
func (m *Manager) Prewarm(peerID string) error {
	_, err := m.ensureConnection(peerID, true)
	return err
}

// Send delivers data to peerID over whatever path the connection is
// currently using, creating the connection on first use.
func (m *Manager) Send(peerID string, data []byte) error {
	c, err := m.ensureConnection(peerID, true)
	if err != nil {
		return err
	}
	return c.Send(data)
}

// State reports the current ConnectionState for peerID, or StateIdle if
// no connection has been created yet.
func (m *Manager) State(peerID string) ConnectionState {
	m.mu.Lock()
	c, ok := m.conns[peerID]
	m.mu.Unlock()
	if !ok {
		return StateIdle
	}
	return c.State()
}

// BufferedAmount exposes the data channel's outbound buffer for peerID,
// so the transfer engine can apply its high/low water mark backpressure.
func (m *Manager) BufferedAmount(peerID string) (uint64, bool) {
	m.mu.Lock()
	c, ok := m.conns[peerID]
	m.mu.Unlock()
	if !ok {
		return 0, false
	}
	return c.BufferedAmount()
}

// RelayKey exposes the derived shared key for peerID so the transfer
// engine can AEAD-seal chunk payloads before handing them to Send, per
// spec section 4.3's use of the PCM-negotiated key.
func (m *Manager) RelayKey(peerID string) ([]byte, bool) {
	return m.keys.get(peerID)
}

// Close tears down the connection to peerID, if one exists.
func (m *Manager) Close(peerID string) error {
	m.mu.Lock()
	c, ok := m.conns[peerID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return c.Close()
}

// CloseAll tears down every connection the Manager owns, for shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// HandleMessage dispatches a signaling frame forwarded by RS (or, in
// tests, a MemorySignaler) to the Connection for msg.From, creating the
// connection if this is the first frame from that peer.
func (m *Manager) HandleMessage(msg room.Message) {
	if msg.From == "" {
		log.Printf("[pcm] %s: signaling frame with no From field, dropping", m.localID)
		return
	}

	c, err := m.ensureConnection(msg.From, false)
	if err != nil {
		log.Printf("[pcm] %s: create connection for %s: %v", m.localID, msg.From, err)
		return
	}

	switch msg.Type {
	case room.TypeOffer:
		sdp, ok := msg.Data.(string)
		if !ok {
			log.Printf("[pcm] %s: offer from %s: malformed payload", m.localID, msg.From)
			return
		}
		c.HandleOffer(sdp)

	case room.TypeAnswer:
		sdp, ok := msg.Data.(string)
		if !ok {
			log.Printf("[pcm] %s: answer from %s: malformed payload", m.localID, msg.From)
			return
		}
		c.HandleAnswer(sdp)

	case room.TypeICECandidate:
		init, err := decodeICECandidate(msg.Data)
		if err != nil {
			log.Printf("[pcm] %s: ice-candidate from %s: %v", m.localID, msg.From, err)
			return
		}
		c.HandleICECandidate(init)

	case room.TypeKeyExchange:
		data, err := decodeKeyExchange(msg.Data)
		if err != nil {
			log.Printf("[pcm] %s: key-exchange from %s: %v", m.localID, msg.From, err)
			return
		}
		c.HandleKeyExchange(data.PublicKey)

	case room.TypeRelayData:
		env, err := decodeRelayEnvelope(msg.Data)
		if err != nil {
			log.Printf("[pcm] %s: relay-data from %s: %v", m.localID, msg.From, err)
			return
		}
		c.ReceiveRelay(env)

	default:
		log.Printf("[pcm] %s: unexpected signaling type %q from %s", m.localID, msg.Type, msg.From)
	}
}

// decodeX helpers round-trip msg.Data (already unmarshalled into
// interface{} by encoding/json, or a concrete struct in in-process test
// paths) back through JSON into the concrete shape each frame expects.

func decodeICECandidate(data interface{}) (webrtc.ICECandidateInit, error) {
	var init webrtc.ICECandidateInit
	if err := room.DecodeData(data, &init); err != nil {
		return init, fmt.Errorf("decode ICE candidate: %w", err)
	}
	return init, nil
}

func decodeKeyExchange(data interface{}) (keyExchangeData, error) {
	var d keyExchangeData
	if err := room.DecodeData(data, &d); err != nil {
		return d, fmt.Errorf("decode key exchange: %w", err)
	}
	return d, nil
}

func decodeRelayEnvelope(data interface{}) (relayEnvelope, error) {
	var env relayEnvelope
	if err := room.DecodeData(data, &env); err != nil {
		return env, fmt.Errorf("decode relay envelope: %w", err)
	}
	return env, nil
}
