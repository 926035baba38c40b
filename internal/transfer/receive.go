package transfer

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"log"
)

// HandleData ingests one inbound data-channel (or relay-forwarded)
// payload, already stripped of PCM's own framing, and dispatches it by
// frame-kind per spec section 4.3.
func (e *Engine) HandleData(peerID string, raw []byte) {
	f, err := decodeFrame(raw)
	if err != nil {
		log.Printf("[te] %s: invalid frame from %s: %v", e.localID, peerID, err)
		return
	}

	switch f.Kind {
	case FrameText:
		e.emit(TextReceived{PeerID: peerID, Text: string(f.Payload)})

	case FrameFileStart:
		e.handleFileStart(peerID, f)

	case FrameChunk:
		e.handleChunk(peerID, f)

	case FrameFileEnd:
		e.handleFileEnd(peerID, f)

	case FrameCancel:
		reason := CancelError
		if len(f.Payload) == 1 {
			reason = CancelReason(f.Payload[0])
		}
		e.cancelByFileID(f.TransferID.String(), reason)

	default:
		log.Printf("[te] %s: unknown frame kind %s from %s", e.localID, f.Kind, peerID)
	}
}

// handleFileStart enforces the Design Notes' open-question decision:
// file-start frames are accepted only for a transfer this side already
// accepted via file-response. Anything else — a stray or out-of-order
// file-start — is dropped.
func (e *Engine) handleFileStart(peerID string, f frame) {
	fileID := f.TransferID.String()
	e.mu.Lock()
	t, ok := e.recvs[fileID]
	e.mu.Unlock()
	if !ok {
		log.Printf("[te] %s: dropping file-start for unaccepted transfer %s from %s", e.localID, fileID, peerID)
		return
	}

	t.mu.Lock()
	alreadyStreaming := t.state != StateAccepted
	t.mu.Unlock()
	if alreadyStreaming {
		return // duplicate file-start; ignore
	}

	var start fileStartData
	if err := json.Unmarshal(f.Payload, &start); err != nil {
		e.finishCancelledRecv(t, CancelError, true)
		return
	}

	t.mu.Lock()
	t.state = StateReceiving
	t.mu.Unlock()
	e.emit(TransferStarted{PeerID: peerID, FileID: fileID, Name: t.name, Size: t.size, Direction: DirectionRecv})
}

func (e *Engine) handleChunk(peerID string, f frame) {
	fileID := f.TransferID.String()
	e.mu.Lock()
	t, ok := e.recvs[fileID]
	e.mu.Unlock()
	if !ok {
		return // unknown or already-cancelled transfer; tolerate per spec section 5
	}

	t.mu.Lock()
	if t.state != StateReceiving || t.cancelled {
		t.mu.Unlock()
		return
	}
	if f.Seq != t.nextSeq {
		t.mu.Unlock()
		e.failRecv(t, FailInvalidFrame)
		return
	}
	mode := t.mode
	seq := t.nextSeq
	t.mu.Unlock()

	payload := f.Payload
	if mode == ModeRelay {
		key, ok := e.keys.RelayKey(peerID)
		if !ok {
			e.failRecv(t, FailNegotiationFailed)
			return
		}
		opened, err := openChunk(key, t.transferID, seq, f.Payload)
		if err != nil {
			e.failRecv(t, FailInvalidFrame)
			return
		}
		payload = opened
	}

	t.mu.Lock()
	if t.bytesDone+int64(len(payload)) > t.size {
		t.mu.Unlock()
		e.failRecv(t, FailInvalidFrame)
		return
	}
	t.buf = append(t.buf, payload...)
	t.bytesDone += int64(len(payload))
	t.nextSeq++
	bytesDone := t.bytesDone
	t.mu.Unlock()

	percent := 100
	if t.size > 0 {
		percent = int(bytesDone * 100 / t.size)
	}
	e.emit(Progress{PeerID: peerID, FileID: fileID, FileName: t.name, FileSize: t.size, Percent: percent, Mode: mode})
}

func (e *Engine) handleFileEnd(peerID string, f frame) {
	fileID := f.TransferID.String()
	e.mu.Lock()
	t, ok := e.recvs[fileID]
	e.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return
	}
	buf := t.buf
	t.mu.Unlock()

	if len(f.Payload) != sha256.Size {
		e.failRecv(t, FailInvalidFrame)
		return
	}
	sum := sha256.Sum256(buf)
	if subtle.ConstantTimeCompare(sum[:], f.Payload) != 1 {
		e.failRecvCorrupt(t)
		return
	}

	e.mu.Lock()
	delete(e.recvs, fileID)
	e.mu.Unlock()
	e.emit(FileReceived{PeerID: peerID, FileID: fileID, Name: t.name, Data: buf})
}

func (e *Engine) failRecv(t *recvTransfer, kind FailKind) {
	e.mu.Lock()
	delete(e.recvs, t.fileID)
	e.mu.Unlock()
	e.emit(TransferFailed{PeerID: t.peerID, FileID: t.fileID, Kind: kind})
}

func (e *Engine) failRecvCorrupt(t *recvTransfer) {
	e.mu.Lock()
	delete(e.recvs, t.fileID)
	t.buf = nil
	e.mu.Unlock()
	e.emit(TransferFailed{PeerID: t.peerID, FileID: t.fileID, Kind: FailCorrupt})
}
