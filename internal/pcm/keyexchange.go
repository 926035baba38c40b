package pcm

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const hkdfInfoRelayKey = "clouddrop-relay-key"

// keyExchangeData is the payload of a key-exchange frame, per spec
// section 4.2.
type keyExchangeData struct {
	PublicKey []byte `json:"publicKey"`
}

// ephemeralKeyPair is this side's X25519 scalar and its public point,
// generated fresh per spec section 4.2 ("exchanges ephemeral public
// keys"). Grounded on Klickk-SecuMSG-Server/services/crypto-core/core.go's
// curve25519 keypair generation.
type ephemeralKeyPair struct {
	private [32]byte
	public  [32]byte
}

func generateEphemeralKeyPair() (ephemeralKeyPair, error) {
	var kp ephemeralKeyPair
	if _, err := io.ReadFull(rand.Reader, kp.private[:]); err != nil {
		return kp, fmt.Errorf("pcm: generate ephemeral key: %w", err)
	}
	pub, err := curve25519.X25519(kp.private[:], curve25519.Basepoint)
	if err != nil {
		return kp, fmt.Errorf("pcm: derive ephemeral public key: %w", err)
	}
	copy(kp.public[:], pub)
	return kp, nil
}

// deriveRelayKey computes the ECDH shared secret with the remote public
// key and stretches it through HKDF-SHA256 into a ChaCha20-Poly1305 key,
// the same DH-then-HKDF shape as Klickk-SecuMSG-Server's ratchet root
// derivation, minus the ratchet itself — spec section 4.2 asks only for
// a flat (peer-id -> key) map, rekeyed on connection close.
func deriveRelayKey(private [32]byte, remotePublic []byte) ([]byte, error) {
	shared, err := curve25519.X25519(private[:], remotePublic)
	if err != nil {
		return nil, fmt.Errorf("pcm: ECDH: %w", err)
	}
	hk := hkdf.New(sha256.New, shared, nil, []byte(hkdfInfoRelayKey))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hk, key); err != nil {
		return nil, fmt.Errorf("pcm: derive relay key: %w", err)
	}
	return key, nil
}

// keyStore is the per-peer (peer-id -> key) map from spec section 4.2,
// rekeyed whenever a connection closes.
type keyStore struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

func newKeyStore() *keyStore {
	return &keyStore{keys: make(map[string][]byte)}
}

func (s *keyStore) set(peerID string, key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[peerID] = key
}

func (s *keyStore) get(peerID string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[peerID]
	return k, ok
}

func (s *keyStore) clear(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, peerID)
}
