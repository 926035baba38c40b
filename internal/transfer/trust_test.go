package transfer

import (
	"testing"
	"time"

	"github.com/waterslowdown/clouddrop/internal/room"
)

func TestTrustUntrustRoundTripsStore(t *testing.T) {
	store := NewTrustStore()
	peer := room.PeerInfo{Name: "Alice", DeviceType: room.DeviceDesktop, BrowserInfo: "Chrome"}

	if store.IsTrusted(peer) {
		t.Fatalf("peer should not be trusted before Trust")
	}
	fp := store.Trust(peer, time.Now())
	if !store.IsTrusted(peer) {
		t.Fatalf("peer should be trusted after Trust")
	}
	store.Untrust(fp)
	if store.IsTrusted(peer) {
		t.Fatalf("peer should not be trusted after Untrust returns store to prior state")
	}
}

func TestFingerprintStableForSameAttributes(t *testing.T) {
	a := room.PeerInfo{Name: "Bob", DeviceType: room.DeviceMobile, BrowserInfo: "Safari"}
	b := room.PeerInfo{Name: "Bob", DeviceType: room.DeviceMobile, BrowserInfo: "Safari"}
	if ComputeFingerprint(a) != ComputeFingerprint(b) {
		t.Fatalf("identical attributes produced different fingerprints")
	}
}

func TestFingerprintDiffersAcrossAttributes(t *testing.T) {
	a := room.PeerInfo{Name: "Bob", DeviceType: room.DeviceMobile, BrowserInfo: "Safari"}
	b := room.PeerInfo{Name: "Bob", DeviceType: room.DeviceDesktop, BrowserInfo: "Safari"}
	if ComputeFingerprint(a) == ComputeFingerprint(b) {
		t.Fatalf("different device classes collided into the same fingerprint")
	}
}
