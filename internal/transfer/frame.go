// Package transfer implements the Transfer Engine: file and text
// semantics layered on top of PCM's byte-oriented streams, per spec
// section 4.3.
package transfer

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// FrameKind is the first byte of every data-channel frame.
type FrameKind byte

const (
	FrameText      FrameKind = 0x01
	FrameFileStart FrameKind = 0x02
	FrameChunk     FrameKind = 0x03
	FrameFileEnd   FrameKind = 0x04
	FrameCancel    FrameKind = 0x05
)

func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "text"
	case FrameFileStart:
		return "file-start"
	case FrameChunk:
		return "chunk"
	case FrameFileEnd:
		return "file-end"
	case FrameCancel:
		return "cancel"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(k))
	}
}

// CancelReason is the one-byte payload of a cancel frame.
type CancelReason byte

const (
	CancelUser     CancelReason = 0
	CancelPeerLeft CancelReason = 1
	CancelError    CancelReason = 2
)

// frameHeaderLen is the fixed 25-byte header size from spec section 4.3:
// 1 (kind) + 16 (transfer-id) + 4 (seq) + 4 (payload-len).
const frameHeaderLen = 1 + 16 + 4 + 4

// frame is the decoded shape of one data-channel wire frame.
type frame struct {
	Kind       FrameKind
	TransferID uuid.UUID
	Seq        uint32
	Payload    []byte
}

// encodeFrame lays the frame out in network byte order per spec section
// 4.3's fixed 25-byte header.
func encodeFrame(f frame) []byte {
	buf := make([]byte, frameHeaderLen+len(f.Payload))
	buf[0] = byte(f.Kind)
	copy(buf[1:17], f.TransferID[:])
	binary.BigEndian.PutUint32(buf[17:21], f.Seq)
	binary.BigEndian.PutUint32(buf[21:25], uint32(len(f.Payload)))
	copy(buf[25:], f.Payload)
	return buf
}

// decodeFrame parses a wire frame, rejecting anything whose declared
// payload-len does not match the bytes actually present — an
// invalid-frame per spec section 7's error kinds.
func decodeFrame(raw []byte) (frame, error) {
	if len(raw) < frameHeaderLen {
		return frame{}, fmt.Errorf("transfer: frame too short: %d bytes", len(raw))
	}
	var f frame
	f.Kind = FrameKind(raw[0])
	copy(f.TransferID[:], raw[1:17])
	f.Seq = binary.BigEndian.Uint32(raw[17:21])
	payloadLen := binary.BigEndian.Uint32(raw[21:25])
	rest := raw[25:]
	if uint32(len(rest)) != payloadLen {
		return frame{}, fmt.Errorf("transfer: declared payload-len %d does not match %d bytes present", payloadLen, len(rest))
	}
	f.Payload = rest
	return f, nil
}
