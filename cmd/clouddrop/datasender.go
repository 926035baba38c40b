package main

import (
	"github.com/waterslowdown/clouddrop/internal/pcm"
	"github.com/waterslowdown/clouddrop/internal/transfer"
)

// pcmDataSender adapts *pcm.Manager to transfer.DataSender. It exists
// because pcm.Manager.State returns the concrete pcm.ConnectionState PCM
// has its own reasons to keep — the transfer engine only ever needs to
// know p2p-or-relay, so Mode collapses PCM's six-state machine down to
// TE's two-value TransferMode.
type pcmDataSender struct {
	manager *pcm.Manager
}

func (a pcmDataSender) Send(peerID string, data []byte) error {
	return a.manager.Send(peerID, data)
}

func (a pcmDataSender) BufferedAmount(peerID string) (uint64, bool) {
	return a.manager.BufferedAmount(peerID)
}

// Mode reports relay only once PCM has actually transitioned to it.
// Reporting relay any earlier would make TE seal chunks with the
// relay-derived key before PCM's key exchange (which only runs on that
// same transition, per spec section 4.2) has produced one — Idle,
// Connecting, and Slow all still ride the direct data channel, so TE's
// declared mode must agree with what Connection.Send actually does.
func (a pcmDataSender) Mode(peerID string) transfer.TransferMode {
	if a.manager.State(peerID) == pcm.StateRelay {
		return transfer.ModeRelay
	}
	return transfer.ModeP2P
}
