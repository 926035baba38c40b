package main

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"

	"github.com/waterslowdown/clouddrop/internal/room"
	"github.com/waterslowdown/clouddrop/internal/transfer"
)

// loadTrustStore restores the persistent-local trust records spec
// section 3 describes (browser localStorage there, a JSON file here) so
// trusted senders survive across CLI runs. A missing or unreadable file
// just starts with an empty store; trust is a UX convenience, not a
// security boundary, so there is nothing to fail hard on here.
func loadTrustStore(path string) *transfer.TrustStore {
	store := transfer.NewTrustStore()
	raw, err := os.ReadFile(path)
	if err != nil {
		return store
	}
	var records []transfer.TrustRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		log.Printf("[clouddrop] discarding unreadable trust store %s: %v", path, err)
		return store
	}
	for _, r := range records {
		store.Trust(room.PeerInfo{Name: r.Name, DeviceType: r.DeviceType, BrowserInfo: r.BrowserInfo}, r.TrustedAt)
	}
	return store
}

func saveTrustStore(store *transfer.TrustStore, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(store.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o600)
}
