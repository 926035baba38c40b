package room

import (
	"encoding/json"
	"fmt"
)

// DecodeData re-marshals a Message.Data value — already decoded into
// interface{} by encoding/json's default unmarshal, or a concrete struct
// when a Message is constructed in-process for tests — into a concrete
// payload type. Every consumer of forwarded frames (internal/pcm,
// internal/transfer) uses this instead of a type assertion, since the
// same Message may arrive either way depending on whether it crossed a
// real WebSocket or an in-memory signaling link.
func DecodeData(data interface{}, out interface{}) error {
	if data == nil {
		return fmt.Errorf("room: nil message data")
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("room: re-marshal message data: %w", err)
	}
	return json.Unmarshal(raw, out)
}
