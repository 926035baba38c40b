package transfer

import (
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/waterslowdown/clouddrop/internal/room"
)

// HandleControl dispatches an inbound RS control-plane frame
// (file-request, file-response, file-cancel) to the matching transfer.
// Callers feed it every message forwarded by RS with one of these
// types; unrelated message types are ignored.
func (e *Engine) HandleControl(msg room.Message) {
	switch msg.Type {
	case room.TypeFileRequest:
		var data fileRequestData
		if err := roundTrip(msg.Data, &data); err != nil {
			log.Printf("[te] %s: malformed file-request from %s: %v", e.localID, msg.From, err)
			return
		}
		e.handleFileRequest(msg.From, data)

	case room.TypeFileResponse:
		var data fileResponseData
		if err := roundTrip(msg.Data, &data); err != nil {
			log.Printf("[te] %s: malformed file-response from %s: %v", e.localID, msg.From, err)
			return
		}
		e.handleFileResponse(data)

	case room.TypeFileCancel:
		var data fileCancelData
		if err := roundTrip(msg.Data, &data); err != nil {
			log.Printf("[te] %s: malformed file-cancel from %s: %v", e.localID, msg.From, err)
			return
		}
		reason := CancelError
		switch data.Reason {
		case reasonString(CancelUser):
			reason = CancelUser
		case reasonString(CancelPeerLeft):
			reason = CancelPeerLeft
		}
		e.cancelByFileID(data.FileID, reason)
	}
}

func (e *Engine) handleFileRequest(peerID string, data fileRequestData) {
	trusted := false
	if info, ok := e.roster.PeerInfo(peerID); ok {
		trusted = e.trust.IsTrusted(info)
	}

	if trusted {
		e.acceptFileRequest(peerID, data, false)
		return
	}

	e.mu.Lock()
	e.pendingRecvReq[data.FileID] = data
	e.mu.Unlock()
	e.emit(FileRequested{PeerID: peerID, FileID: data.FileID, Name: data.Name, Size: data.Size, TotalChunks: data.TotalChunks})
}

// RespondToFileRequest is called by the host once the user has decided
// on a pending FileRequested event (or immediately, for programmatic
// callers that don't need a prompt). trustAfter adds the sender's
// fingerprint to the trust store before accepting, the "accept and
// trust" shortcut from spec section 4.3.
func (e *Engine) RespondToFileRequest(peerID, fileID string, accept bool, trustAfter bool) error {
	e.mu.Lock()
	data, ok := e.pendingRecvReq[fileID]
	delete(e.pendingRecvReq, fileID)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("transfer: no pending request %s from %s", fileID, peerID)
	}

	if trustAfter && accept {
		if info, ok := e.roster.PeerInfo(peerID); ok {
			e.trust.Trust(info, time.Now())
		}
	}

	if accept {
		e.acceptFileRequest(peerID, data, true)
	} else {
		e.declineFileRequest(peerID, data)
	}
	return nil
}

func (e *Engine) acceptFileRequest(peerID string, data fileRequestData, surfaced bool) {
	transferID, err := uuid.Parse(data.FileID)
	if err != nil {
		log.Printf("[te] %s: file-request %s from %s has non-UUID fileId", e.localID, data.FileID, peerID)
		return
	}

	t := &recvTransfer{
		peerID:      peerID,
		fileID:      data.FileID,
		transferID:  transferID,
		name:        data.Name,
		size:        data.Size,
		totalChunks: data.TotalChunks,
		mode:        TransferMode(data.TransferMode),
		startedAt:   time.Now(),
		state:       StateAccepted,
		buf:         make([]byte, 0, data.Size),
	}
	e.mu.Lock()
	e.recvs[data.FileID] = t
	e.mu.Unlock()

	_ = e.sendControl(peerID, room.TypeFileResponse, fileResponseData{FileID: data.FileID, Accepted: true})
}

func (e *Engine) declineFileRequest(peerID string, data fileRequestData) {
	_ = e.sendControl(peerID, room.TypeFileResponse, fileResponseData{FileID: data.FileID, Accepted: false})
}

func (e *Engine) handleFileResponse(data fileResponseData) {
	e.mu.Lock()
	t, ok := e.sends[data.FileID]
	e.mu.Unlock()
	if !ok {
		return // late or duplicate response for a transfer we've already finalized
	}
	select {
	case t.responded <- data.Accepted:
	default:
	}
}

// CancelSend cancels an in-progress or pending outbound transfer from
// the local side.
func (e *Engine) CancelSend(fileID string, reason CancelReason) {
	e.mu.Lock()
	t, ok := e.sends[fileID]
	e.mu.Unlock()
	if !ok {
		return
	}
	t.mu.Lock()
	already := t.cancelled
	t.cancelled = true
	peerID := t.peerID
	transferID := t.transferID
	t.mu.Unlock()
	if already {
		return
	}
	_ = e.sendControl(peerID, room.TypeFileCancel, fileCancelData{FileID: fileID, Reason: reasonString(reason)})
	_ = e.sendDataFrame(peerID, frame{Kind: FrameCancel, TransferID: transferID, Payload: []byte{byte(reason)}})
}

// CancelRecv cancels an in-progress inbound transfer from the local
// side.
func (e *Engine) CancelRecv(fileID string, reason CancelReason) {
	e.mu.Lock()
	t, ok := e.recvs[fileID]
	e.mu.Unlock()
	if !ok {
		return
	}
	e.finishCancelledRecv(t, reason, true)
}

// cancelByFileID is used for cancels arriving from the remote side
// (control-plane file-cancel or a data-channel cancel frame), teardown
// is idempotent regardless of which arrives first.
func (e *Engine) cancelByFileID(fileID string, reason CancelReason) {
	e.mu.Lock()
	send, sendOK := e.sends[fileID]
	recv, recvOK := e.recvs[fileID]
	e.mu.Unlock()

	if sendOK {
		send.mu.Lock()
		already := send.cancelled
		send.cancelled = true
		send.mu.Unlock()
		if !already {
			e.setSendState(send, StateCancelled)
			e.emit(TransferCancelled{PeerID: send.peerID, FileID: fileID, Reason: reason})
			e.removeSend(fileID)
		}
	}
	if recvOK {
		e.finishCancelledRecv(recv, reason, false)
	}
}

func (e *Engine) finishCancelledRecv(t *recvTransfer, reason CancelReason, notifyPeer bool) {
	t.mu.Lock()
	already := t.cancelled
	t.cancelled = true
	t.mu.Unlock()
	if already {
		return
	}
	if notifyPeer {
		_ = e.sendControl(t.peerID, room.TypeFileCancel, fileCancelData{FileID: t.fileID, Reason: reasonString(reason)})
		_ = e.sendDataFrame(t.peerID, frame{Kind: FrameCancel, TransferID: t.transferID, Payload: []byte{byte(reason)}})
	}
	e.emit(TransferCancelled{PeerID: t.peerID, FileID: t.fileID, Reason: reason})
	e.mu.Lock()
	delete(e.recvs, t.fileID)
	e.mu.Unlock()
}

func reasonString(r CancelReason) string {
	switch r {
	case CancelUser:
		return "user"
	case CancelPeerLeft:
		return "peer-left"
	case CancelError:
		return "error"
	default:
		return "error"
	}
}

// roundTrip re-marshals an already-decoded interface{} (as produced by
// encoding/json's default unmarshal-to-interface{}, or passed as a
// concrete struct in in-process test paths) into a concrete type.
func roundTrip(in interface{}, out interface{}) error {
	return room.DecodeData(in, out)
}
