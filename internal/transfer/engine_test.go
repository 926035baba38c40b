package transfer

import (
	"bytes"
	"crypto/sha256"
	"testing"
	"time"

	"github.com/waterslowdown/clouddrop/internal/room"
)

// bridgeData delivers Send calls straight into the peer Engine's
// HandleData, the transfer-package analogue of pcm's MemorySignaler —
// good enough to exercise the full handshake/chunk/integrity pipeline
// without a real PCM connection. Frames are handed off through a single
// worker goroutine so delivery order matches what an ordered WebRTC
// data channel actually guarantees; spawning one goroutine per Send
// would let file-end race ahead of an earlier chunk.
type bridgeData struct {
	peer   *Engine
	selfID string
	mode   TransferMode
	queue  chan []byte
}

func newBridgeData(peer *Engine, selfID string, mode TransferMode) *bridgeData {
	b := &bridgeData{peer: peer, selfID: selfID, mode: mode, queue: make(chan []byte, 256)}
	go func() {
		for data := range b.queue {
			b.peer.HandleData(b.selfID, data)
		}
	}()
	return b
}

func (b *bridgeData) Send(peerID string, data []byte) error {
	b.queue <- append([]byte(nil), data...)
	return nil
}

func (b *bridgeData) BufferedAmount(peerID string) (uint64, bool) { return 0, false }
func (b *bridgeData) Mode(peerID string) TransferMode             { return b.mode }

type bridgeControl struct {
	peer   *Engine
	selfID string
	queue  chan room.Message
}

func newBridgeControl(peer *Engine, selfID string) *bridgeControl {
	b := &bridgeControl{peer: peer, selfID: selfID, queue: make(chan room.Message, 256)}
	go func() {
		for msg := range b.queue {
			b.peer.HandleControl(msg)
		}
	}()
	return b
}

func (b *bridgeControl) Send(msg room.Message) error {
	msg.From = b.selfID
	b.queue <- msg
	return nil
}

type fakeRoster struct {
	info map[string]room.PeerInfo
}

func (f *fakeRoster) PeerInfo(peerID string) (room.PeerInfo, bool) {
	v, ok := f.info[peerID]
	return v, ok
}

type fakeKeys struct{ key []byte }

func (f *fakeKeys) RelayKey(peerID string) ([]byte, bool) {
	if f.key == nil {
		return nil, false
	}
	return f.key, true
}

// newEnginePair wires two Engines ("alice" and "bob") directly together
// over the bridge types above, both running in the given mode. Each
// side's roster is pre-populated with the other's attributes, the way a
// real `joined`/`peer-joined` roster would be.
func newEnginePair(t *testing.T, mode TransferMode, sharedKey []byte) (alice, bob *Engine) {
	t.Helper()
	aliceInfo := room.PeerInfo{Name: "Alice", DeviceType: room.DeviceDesktop, BrowserInfo: "Chrome"}
	bobInfo := room.PeerInfo{Name: "Bob", DeviceType: room.DeviceMobile, BrowserInfo: "Safari"}

	aliceRoster := &fakeRoster{info: map[string]room.PeerInfo{"bob": bobInfo}}
	bobRoster := &fakeRoster{info: map[string]room.PeerInfo{"alice": aliceInfo}}

	alice = NewEngine("alice", nil, nil, aliceRoster, &fakeKeys{key: sharedKey}, NewTrustStore(), 64)
	bob = NewEngine("bob", nil, nil, bobRoster, &fakeKeys{key: sharedKey}, NewTrustStore(), 64)
	alice.data = newBridgeData(bob, "alice", mode)
	alice.control = newBridgeControl(bob, "alice")
	bob.data = newBridgeData(alice, "bob", mode)
	bob.control = newBridgeControl(alice, "bob")
	return alice, bob
}

func waitForEvent(t *testing.T, e *Engine, timeout time.Duration, match func(interface{}) bool) interface{} {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-e.Events():
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for matching event")
			return nil
		}
	}
}

// acceptPendingRequest reads from e's own event stream (the only
// consumer — never run this concurrently with another reader of the
// same channel) until it sees a FileRequested for fileID, then accepts
// it.
func acceptPendingRequest(t *testing.T, e *Engine, fileID string, timeout time.Duration) {
	t.Helper()
	req := waitForEvent(t, e, timeout, func(ev interface{}) bool {
		fr, ok := ev.(FileRequested)
		return ok && fr.FileID == fileID
	}).(FileRequested)
	if err := e.RespondToFileRequest(req.PeerID, req.FileID, true, false); err != nil {
		t.Fatalf("RespondToFileRequest: %v", err)
	}
}

func TestHappyPathDirectTransferCompletesWithMatchingHash(t *testing.T) {
	alice, bob := newEnginePair(t, ModeP2P, nil)
	content := []byte("hello world")

	fileID, err := alice.SendFile("bob", "hello.txt", content)
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}

	req := waitForEvent(t, bob, 2*time.Second, func(ev interface{}) bool {
		fr, ok := ev.(FileRequested)
		return ok && fr.FileID == fileID
	}).(FileRequested)

	if err := bob.RespondToFileRequest("alice", req.FileID, true, false); err != nil {
		t.Fatalf("RespondToFileRequest: %v", err)
	}

	recv := waitForEvent(t, bob, 2*time.Second, func(ev interface{}) bool {
		_, ok := ev.(FileReceived)
		return ok
	}).(FileReceived)

	if !bytes.Equal(recv.Data, content) {
		t.Fatalf("received %q, want %q", recv.Data, content)
	}
	sum := sha256.Sum256(content)
	gotSum := sha256.Sum256(recv.Data)
	if sum != gotSum {
		t.Fatalf("hash mismatch: got %x want %x", gotSum, sum)
	}

	waitForEvent(t, alice, 2*time.Second, func(ev interface{}) bool {
		p, ok := ev.(Progress)
		return ok && p.FileID == fileID && p.Percent == 100
	})
}

func TestDeclineFailsSenderWithoutStreamingChunks(t *testing.T) {
	alice, bob := newEnginePair(t, ModeP2P, nil)
	fileID, err := alice.SendFile("bob", "nope.txt", []byte("data"))
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}

	req := waitForEvent(t, bob, 2*time.Second, func(ev interface{}) bool {
		fr, ok := ev.(FileRequested)
		return ok && fr.FileID == fileID
	}).(FileRequested)
	if err := bob.RespondToFileRequest("alice", req.FileID, false, false); err != nil {
		t.Fatalf("RespondToFileRequest: %v", err)
	}

	failed := waitForEvent(t, alice, 2*time.Second, func(ev interface{}) bool {
		_, ok := ev.(TransferFailed)
		return ok
	}).(TransferFailed)
	if failed.Kind != FailDeclined {
		t.Fatalf("fail kind = %s, want %s", failed.Kind, FailDeclined)
	}
}

func TestTrustedSenderBypassesConfirmationPrompt(t *testing.T) {
	alice, bob := newEnginePair(t, ModeP2P, nil)
	aliceInfo, _ := bob.roster.PeerInfo("alice")
	bob.trust.Trust(aliceInfo, time.Now())

	content := []byte("trusted payload")
	fileID, err := alice.SendFile("bob", "t.txt", content)
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}

	// With a trusted fingerprint, bob must never emit FileRequested; the
	// first observable event should be its own TransferStarted/FileReceived.
	recv := waitForEvent(t, bob, 2*time.Second, func(ev interface{}) bool {
		fr, ok := ev.(FileReceived)
		return ok && fr.FileID == fileID
	}).(FileReceived)
	if !bytes.Equal(recv.Data, content) {
		t.Fatalf("received %q, want %q", recv.Data, content)
	}
}

func TestZeroByteFileCompletesWithNoChunks(t *testing.T) {
	alice, bob := newEnginePair(t, ModeP2P, nil)
	fileID, err := alice.SendFile("bob", "empty.bin", nil)
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	acceptPendingRequest(t, bob, fileID, 2*time.Second)

	recv := waitForEvent(t, bob, 2*time.Second, func(ev interface{}) bool {
		fr, ok := ev.(FileReceived)
		return ok && fr.FileID == fileID
	}).(FileReceived)
	if len(recv.Data) != 0 {
		t.Fatalf("received %d bytes, want 0", len(recv.Data))
	}
}

func TestFileExactlyChunkSizeProducesOneChunk(t *testing.T) {
	alice, bob := newEnginePair(t, ModeP2P, nil)
	content := bytes.Repeat([]byte{0xAB}, ChunkSize)
	fileID, err := alice.SendFile("bob", "exact.bin", content)
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	acceptPendingRequest(t, bob, fileID, 2*time.Second)

	chunkEvents := 0
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-bob.Events():
			if p, ok := ev.(Progress); ok && p.FileID == fileID {
				chunkEvents++
			}
			if fr, ok := ev.(FileReceived); ok && fr.FileID == fileID {
				if !bytes.Equal(fr.Data, content) {
					t.Fatalf("content mismatch")
				}
				if chunkEvents != 1 {
					t.Fatalf("progress events for exactly-one-chunk file = %d, want 1", chunkEvents)
				}
				return
			}
		case <-deadline:
			t.Fatalf("timed out")
		}
	}
}

func TestFileChunkSizePlusOneProducesTwoChunksSecondIsOneByte(t *testing.T) {
	alice, bob := newEnginePair(t, ModeP2P, nil)
	content := bytes.Repeat([]byte{0xCD}, ChunkSize+1)
	fileID, err := alice.SendFile("bob", "plusone.bin", content)
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	acceptPendingRequest(t, bob, fileID, 2*time.Second)

	chunkEvents := 0
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-bob.Events():
			if _, ok := ev.(Progress); ok {
				chunkEvents++
			}
			if fr, ok := ev.(FileReceived); ok && fr.FileID == fileID {
				if !bytes.Equal(fr.Data, content) {
					t.Fatalf("content mismatch")
				}
				if chunkEvents != 2 {
					t.Fatalf("progress events for chunk-size+1 file = %d, want 2", chunkEvents)
				}
				return
			}
		case <-deadline:
			t.Fatalf("timed out")
		}
	}
}

func TestCancelMidStreamPreventsFileReceivedAndReports(t *testing.T) {
	alice, bob := newEnginePair(t, ModeP2P, nil)
	content := bytes.Repeat([]byte{0x01}, ChunkSize*10)
	fileID, err := alice.SendFile("bob", "big.bin", content)
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	acceptPendingRequest(t, bob, fileID, 2*time.Second)

	waitForEvent(t, bob, 2*time.Second, func(ev interface{}) bool {
		p, ok := ev.(Progress)
		return ok && p.FileID == fileID
	})

	alice.CancelSend(fileID, CancelUser)

	cancelled := waitForEvent(t, bob, 2*time.Second, func(ev interface{}) bool {
		c, ok := ev.(TransferCancelled)
		return ok && c.FileID == fileID
	}).(TransferCancelled)
	if cancelled.Reason != CancelUser {
		t.Fatalf("cancel reason = %v, want CancelUser", cancelled.Reason)
	}

	select {
	case ev := <-bob.Events():
		if fr, ok := ev.(FileReceived); ok && fr.FileID == fileID {
			t.Fatalf("got FileReceived for a cancelled transfer")
		}
	case <-time.After(300 * time.Millisecond):
	}
}

func TestRelayModeChunksAreEncryptedEndToEnd(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	alice, bob := newEnginePair(t, ModeRelay, key)
	content := bytes.Repeat([]byte{0x99}, ChunkSize+10)
	fileID, err := alice.SendFile("bob", "relay.bin", content)
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	acceptPendingRequest(t, bob, fileID, 2*time.Second)

	recv := waitForEvent(t, bob, 2*time.Second, func(ev interface{}) bool {
		fr, ok := ev.(FileReceived)
		return ok && fr.FileID == fileID
	}).(FileReceived)
	if !bytes.Equal(recv.Data, content) {
		t.Fatalf("relay transfer content mismatch")
	}
}

// TestCorruptFileEndFailsTransfer drives handleFileEnd directly against
// a hand-built recvTransfer, sidestepping the background streaming
// goroutines so the corrupted-hash case is deterministic rather than
// racing the real file-end frame in flight.
func TestCorruptFileEndFailsTransfer(t *testing.T) {
	bob := NewEngine("bob", nil, nil, &fakeRoster{info: map[string]room.PeerInfo{}}, &fakeKeys{}, NewTrustStore(), 8)
	content := []byte("integrity check me")
	transferID := randomTransferID()
	fileID := transferID.String()

	rt := &recvTransfer{
		peerID: "alice", fileID: fileID, transferID: transferID,
		name: "c.txt", size: int64(len(content)), state: StateReceiving,
		buf: append([]byte(nil), content...),
	}
	bob.mu.Lock()
	bob.recvs[fileID] = rt
	bob.mu.Unlock()

	badHash := sha256.Sum256(content)
	badHash[0] ^= 0xFF // corrupt the hash sender would have sent

	bob.handleFileEnd("alice", frame{Kind: FrameFileEnd, TransferID: transferID, Payload: badHash[:]})

	failed := waitForEvent(t, bob, time.Second, func(ev interface{}) bool {
		f, ok := ev.(TransferFailed)
		return ok && f.FileID == fileID
	}).(TransferFailed)
	if failed.Kind != FailCorrupt {
		t.Fatalf("fail kind = %s, want %s", failed.Kind, FailCorrupt)
	}
}

// TestFileEndAcceptsMatchingHash is the positive counterpart, confirming
// handleFileEnd delivers FileReceived when the hash matches.
func TestFileEndAcceptsMatchingHash(t *testing.T) {
	bob := NewEngine("bob", nil, nil, &fakeRoster{info: map[string]room.PeerInfo{}}, &fakeKeys{}, NewTrustStore(), 8)
	content := []byte("integrity check me")
	transferID := randomTransferID()
	fileID := transferID.String()

	rt := &recvTransfer{
		peerID: "alice", fileID: fileID, transferID: transferID,
		name: "c.txt", size: int64(len(content)), state: StateReceiving,
		buf: append([]byte(nil), content...),
	}
	bob.mu.Lock()
	bob.recvs[fileID] = rt
	bob.mu.Unlock()

	sum := sha256.Sum256(content)
	bob.handleFileEnd("alice", frame{Kind: FrameFileEnd, TransferID: transferID, Payload: sum[:]})

	recv := waitForEvent(t, bob, time.Second, func(ev interface{}) bool {
		fr, ok := ev.(FileReceived)
		return ok && fr.FileID == fileID
	}).(FileReceived)
	if !bytes.Equal(recv.Data, content) {
		t.Fatalf("received %q, want %q", recv.Data, content)
	}
}
