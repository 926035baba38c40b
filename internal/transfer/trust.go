package transfer

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/waterslowdown/clouddrop/internal/room"
)

// Fingerprint is the advisory, non-cryptographic device identifier from
// spec section 3: H(name | device-class | browser-info). Per the Design
// Notes' open-question decision, this type is deliberately not named
// "identity" or "key" anywhere in its API — it is a UX shortcut, and an
// attacker can trivially collide it. Renamed rather than replaced with a
// real per-device public key, since spec section 3 defines trust as a
// prompt-skipping convenience, not a security boundary.
type Fingerprint string

// ComputeFingerprint hashes a peer's roster attributes with FNV-1a, the
// same non-cryptographic hash family used for cheap identifiers
// throughout the corpus; a 32-bit hash is already understood to be a
// UX-only identifier, so nothing stronger is warranted here.
func ComputeFingerprint(info room.PeerInfo) Fingerprint {
	h := fnv.New32a()
	h.Write([]byte(info.Name))
	h.Write([]byte{0})
	h.Write([]byte(info.DeviceType))
	h.Write([]byte{0})
	h.Write([]byte(info.BrowserInfo))
	return Fingerprint(fmtUint32(h.Sum32()))
}

func fmtUint32(v uint32) string {
	const hex = "0123456789abcdef"
	buf := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		buf[i] = hex[v&0xf]
		v >>= 4
	}
	return string(buf)
}

// TrustRecord is one entry in the persistent-local trust store from spec
// section 3.
type TrustRecord struct {
	Fingerprint Fingerprint
	Name        string
	DeviceType  room.DeviceClass
	BrowserInfo string
	TrustedAt   time.Time
}

// TrustStore is the client's local (fingerprint -> record) map, mutated
// only by explicit Trust/Untrust calls.
type TrustStore struct {
	mu      sync.RWMutex
	records map[Fingerprint]TrustRecord
}

func NewTrustStore() *TrustStore {
	return &TrustStore{records: make(map[Fingerprint]TrustRecord)}
}

// Trust adds info's fingerprint to the store, or refreshes TrustedAt if
// already present.
func (s *TrustStore) Trust(info room.PeerInfo, now time.Time) Fingerprint {
	fp := ComputeFingerprint(info)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[fp] = TrustRecord{
		Fingerprint: fp,
		Name:        info.Name,
		DeviceType:  info.DeviceType,
		BrowserInfo: info.BrowserInfo,
		TrustedAt:   now,
	}
	return fp
}

// Untrust removes fp from the store. A no-op if it was never trusted.
func (s *TrustStore) Untrust(fp Fingerprint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, fp)
}

// IsTrusted reports whether info's fingerprint currently has a record.
func (s *TrustStore) IsTrusted(info room.PeerInfo) bool {
	fp := ComputeFingerprint(info)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[fp]
	return ok
}

// Snapshot returns every trusted record, for a UI listing.
func (s *TrustStore) Snapshot() []TrustRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]TrustRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return out
}
