// Package room implements the Room Server: per-room signaling broker,
// peer roster, and password gate described in spec section 4.1.
package room

import "time"

// DeviceClass mirrors the three device shapes the spec's data model names.
type DeviceClass string

const (
	DeviceDesktop DeviceClass = "desktop"
	DeviceMobile  DeviceClass = "mobile"
	DeviceTablet  DeviceClass = "tablet"
)

// MessageType enumerates every frame type the room server forwards or
// originates, per spec sections 4.1 and 6.
type MessageType string

const (
	TypeJoin         MessageType = "join"
	TypeJoined       MessageType = "joined"
	TypePeerJoined   MessageType = "peer-joined"
	TypePeerLeft     MessageType = "peer-left"
	TypeNameChanged  MessageType = "name-changed"
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeICECandidate MessageType = "ice-candidate"
	TypeText         MessageType = "text"
	TypeRelayData    MessageType = "relay-data"
	TypeKeyExchange  MessageType = "key-exchange"
	TypeFileRequest  MessageType = "file-request"
	TypeFileResponse MessageType = "file-response"
	TypeFileCancel   MessageType = "file-cancel"
	TypeError        MessageType = "error"
)

// forwardable is the set of message types relayed verbatim to a specific
// peer by `to`, per spec section 4.1 "Forwarding".
var forwardable = map[MessageType]bool{
	TypeOffer:        true,
	TypeAnswer:       true,
	TypeICECandidate: true,
	TypeText:         true,
	TypeRelayData:    true,
	TypeKeyExchange:  true,
	TypeFileRequest:  true,
	TypeFileResponse: true,
	TypeFileCancel:   true,
}

// Message is the shape of every JSON text frame on the RS socket:
// {type, from?, to?, data?}.
type Message struct {
	Type MessageType `json:"type"`
	From string      `json:"from,omitempty"`
	To   string      `json:"to,omitempty"`
	Data interface{} `json:"data,omitempty"`
}

// JoinData is the payload of a client's first message.
type JoinData struct {
	Name        string      `json:"name"`
	DeviceType  DeviceClass `json:"deviceType"`
	BrowserInfo string      `json:"browserInfo"`
}

// PeerInfo is the public roster shape exposed in `joined` and
// `peer-joined` frames — the server view of a Peer from spec section 3,
// minus its live connection handle.
type PeerInfo struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	DeviceType  DeviceClass `json:"deviceType"`
	BrowserInfo string      `json:"browserInfo"`
}

// JoinedData answers a client's join with its assigned identity and the
// current roster.
type JoinedData struct {
	PeerID   string     `json:"peerId"`
	RoomCode string     `json:"roomCode"`
	Peers    []PeerInfo `json:"peers"`
}

// ErrorData carries a close reason before the socket is closed.
type ErrorData struct {
	Error string `json:"error"`
}

// Close codes per spec section 6.
const (
	CloseCodePasswordRequired  = 4001
	CloseCodePasswordIncorrect = 4002
)

const (
	ErrPasswordRequired  = "PASSWORD_REQUIRED"
	ErrPasswordIncorrect = "PASSWORD_INCORRECT"
)

// peerRecord is the server-side Peer from spec section 3: attributes
// plus a live connection handle, created on join and destroyed on close.
type peerRecord struct {
	id          string
	name        string
	deviceType  DeviceClass
	browserInfo string
	joinedAt    time.Time
	send        func(Message) error
}

func (p *peerRecord) info() PeerInfo {
	return PeerInfo{ID: p.id, Name: p.name, DeviceType: p.deviceType, BrowserInfo: p.browserInfo}
}
