package transfer

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/waterslowdown/clouddrop/internal/room"
)

// RelayKeyLookup exposes the PCM-derived per-peer shared key so the
// engine can AEAD-seal and open chunk payloads sent over the relay
// path, per spec section 4.3.
type RelayKeyLookup interface {
	RelayKey(peerID string) ([]byte, bool)
}

// Engine is the Transfer Engine from spec section 4.3: one Engine per
// local peer, tracking every in-flight send and receive across all
// remote peers.
type Engine struct {
	localID string
	data    DataSender
	control Signaler
	roster  RosterLookup
	keys    RelayKeyLookup
	trust   *TrustStore

	mu             sync.Mutex
	sends          map[string]*sendTransfer // keyed by fileID
	recvs          map[string]*recvTransfer
	pendingRecvReq map[string]fileRequestData // fileID -> metadata awaiting the host's accept/decline decision

	events chan interface{}
}

// NewEngine constructs an Engine bound to the given transports. eventBuf
// sizes the observable event channel; callers should drain it
// continuously.
func NewEngine(localID string, data DataSender, control Signaler, roster RosterLookup, keys RelayKeyLookup, trust *TrustStore, eventBuf int) *Engine {
	return &Engine{
		localID:        localID,
		data:           data,
		control:        control,
		roster:         roster,
		keys:           keys,
		trust:          trust,
		sends:          make(map[string]*sendTransfer),
		recvs:          make(map[string]*recvTransfer),
		pendingRecvReq: make(map[string]fileRequestData),
		events:         make(chan interface{}, eventBuf),
	}
}

// Events returns the channel Progress, FileReceived, TransferStarted,
// TransferCancelled, TransferFailed, FileRequested, and TextReceived
// values are delivered on.
func (e *Engine) Events() <-chan interface{} {
	return e.events
}

func (e *Engine) emit(ev interface{}) {
	select {
	case e.events <- ev:
	default:
		log.Printf("[te] %s: event channel full, dropped %T", e.localID, ev)
	}
}

type sendTransfer struct {
	peerID      string
	fileID      string
	transferID  uuid.UUID
	name        string
	data        []byte
	totalChunks int
	mode        TransferMode
	startedAt   time.Time

	mu        sync.Mutex
	state     State
	bytesDone int64
	cancelled bool
	responded chan bool // receives the accept/decline decision
}

type recvTransfer struct {
	peerID      string
	fileID      string
	transferID  uuid.UUID
	name        string
	size        int64
	totalChunks int
	mode        TransferMode
	startedAt   time.Time

	mu        sync.Mutex
	state     State
	buf       []byte
	nextSeq   uint32
	bytesDone int64
	cancelled bool
}

// SendText transmits a text frame with no handshake, per spec section
// 4.3. Delivery is best-effort; a send failure only raises a local error.
func (e *Engine) SendText(peerID, text string) error {
	f := frame{Kind: FrameText, TransferID: randomTransferID(), Seq: 0, Payload: []byte(text)}
	if err := e.data.Send(peerID, encodeFrame(f)); err != nil {
		return fmt.Errorf("transfer: send text to %s: %w", peerID, err)
	}
	return nil
}

// SendFile begins the request/response handshake for a new outbound
// transfer and, once accepted, streams it. It returns immediately with
// the assigned fileID; completion is reported via Events.
func (e *Engine) SendFile(peerID, name string, data []byte) (string, error) {
	transferID := randomTransferID()
	fileID := transferID.String()
	totalChunks := (len(data) + ChunkSize - 1) / ChunkSize
	mode := e.data.Mode(peerID)

	t := &sendTransfer{
		peerID:      peerID,
		fileID:      fileID,
		transferID:  transferID,
		name:        name,
		data:        data,
		totalChunks: totalChunks,
		mode:        mode,
		startedAt:   time.Now(),
		state:       StateRequested,
		responded:   make(chan bool, 1),
	}

	e.mu.Lock()
	e.sends[fileID] = t
	e.mu.Unlock()

	req := fileRequestData{
		FileID:       fileID,
		Name:         name,
		Size:         int64(len(data)),
		TotalChunks:  totalChunks,
		TransferMode: string(mode),
	}
	if err := e.sendControl(peerID, room.TypeFileRequest, req); err != nil {
		e.failSend(t, FailTransportClosed)
		return fileID, err
	}

	go e.awaitAcceptance(t)
	return fileID, nil
}

func (e *Engine) awaitAcceptance(t *sendTransfer) {
	select {
	case accepted := <-t.responded:
		if !accepted {
			e.setSendState(t, StateDeclined)
			e.emit(TransferFailed{PeerID: t.peerID, FileID: t.fileID, Kind: FailDeclined})
			e.removeSend(t.fileID)
			return
		}
		e.setSendState(t, StateAccepted)
		e.streamFile(t)
	case <-time.After(AcceptTimeout):
		e.setSendState(t, StateFailed)
		e.emit(TransferFailed{PeerID: t.peerID, FileID: t.fileID, Kind: FailTimeout})
		e.removeSend(t.fileID)
	}
}

func (e *Engine) streamFile(t *sendTransfer) {
	e.setSendState(t, StateStreaming)
	e.emit(TransferStarted{PeerID: t.peerID, FileID: t.fileID, Name: t.name, Size: int64(len(t.data)), Direction: DirectionSend})

	if err := e.sendDataFrame(t.peerID, frame{Kind: FrameFileStart, TransferID: t.transferID, Payload: mustJSON(fileStartData{
		Name: t.name, Size: int64(len(t.data)), TotalChunks: t.totalChunks,
	})}); err != nil {
		e.failSend(t, FailTransportClosed)
		return
	}

	lastActivity := time.Now()
	var seq uint32
	offset := 0
	for offset < len(t.data) {
		if t.isCancelled() {
			e.finishCancelledSend(t)
			return
		}

		if !e.waitForDrain(t, &lastActivity) {
			e.failSend(t, FailTransportClosed)
			return
		}

		end := offset + ChunkSize
		if end > len(t.data) {
			end = len(t.data)
		}
		payload := t.data[offset:end]
		if t.mode == ModeRelay {
			key, ok := e.keys.RelayKey(t.peerID)
			if !ok {
				e.failSend(t, FailNegotiationFailed)
				return
			}
			sealed, err := sealChunk(key, t.transferID, seq, payload)
			if err != nil {
				e.failSend(t, FailNegotiationFailed)
				return
			}
			payload = sealed
		}

		if err := e.sendDataFrame(t.peerID, frame{Kind: FrameChunk, TransferID: t.transferID, Seq: seq, Payload: payload}); err != nil {
			e.failSend(t, FailTransportClosed)
			return
		}
		lastActivity = time.Now()
		seq++
		offset = end
		t.mu.Lock()
		t.bytesDone = int64(offset)
		t.mu.Unlock()
		e.emitSendProgress(t)
	}

	hash := sha256.Sum256(t.data)
	if err := e.sendDataFrame(t.peerID, frame{Kind: FrameFileEnd, TransferID: t.transferID, Payload: hash[:]}); err != nil {
		e.failSend(t, FailTransportClosed)
		return
	}
	e.setSendState(t, StateDone)
	e.emitSendProgress(t)
	e.removeSend(t.fileID)
}

// waitForDrain blocks while the outbound buffer is above the high water
// mark, per spec section 4.3's flow control, until it drains to the low
// water mark. If that has not happened within the relay stall timeout
// (spec section 5) of waiting, it returns false and the caller should
// abandon the transfer.
func (e *Engine) waitForDrain(t *sendTransfer, lastActivity *time.Time) bool {
	amt, ok := e.data.BufferedAmount(t.peerID)
	if !ok || amt <= HighWaterMark {
		return true
	}
	stallDeadline := time.Now().Add(RelayStallTimeout)
	for {
		if t.isCancelled() {
			return true // let the caller observe cancellation
		}
		amt, ok := e.data.BufferedAmount(t.peerID)
		if !ok || amt <= LowWaterMark {
			return true
		}
		if time.Now().After(stallDeadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (e *Engine) sendDataFrame(peerID string, f frame) error {
	return e.data.Send(peerID, encodeFrame(f))
}

func (e *Engine) sendControl(peerID string, t room.MessageType, data interface{}) error {
	return e.control.Send(room.Message{Type: t, To: peerID, Data: data})
}

func (e *Engine) emitSendProgress(t *sendTransfer) {
	t.mu.Lock()
	bytesDone := t.bytesDone
	t.mu.Unlock()
	size := int64(len(t.data))
	percent := 100
	if size > 0 {
		percent = int(bytesDone * 100 / size)
	}
	speed := float64(0)
	if elapsed := time.Since(t.startedAt).Seconds(); elapsed > 0 {
		speed = float64(bytesDone) / elapsed
	}
	e.emit(Progress{PeerID: t.peerID, FileID: t.fileID, FileName: t.name, FileSize: size, Percent: percent, Speed: speed, Mode: t.mode})
}

func (e *Engine) setSendState(t *sendTransfer, s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (e *Engine) failSend(t *sendTransfer, kind FailKind) {
	e.setSendState(t, StateFailed)
	e.emit(TransferFailed{PeerID: t.peerID, FileID: t.fileID, Kind: kind})
	e.removeSend(t.fileID)
}

func (e *Engine) finishCancelledSend(t *sendTransfer) {
	e.setSendState(t, StateCancelled)
	e.emit(TransferCancelled{PeerID: t.peerID, FileID: t.fileID, Reason: CancelUser})
	e.removeSend(t.fileID)
}

func (e *Engine) removeSend(fileID string) {
	e.mu.Lock()
	delete(e.sends, fileID)
	e.mu.Unlock()
}

func (t *sendTransfer) isCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// fileStartData is the JSON payload of a file-start data-channel frame.
type fileStartData struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	TotalChunks int    `json:"totalChunks"`
}

func mustJSON(v interface{}) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("transfer: marshal %T: %v", v, err))
	}
	return raw
}
