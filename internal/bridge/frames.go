package bridge

import "encoding/json"

// Frame types exchanged with the external client.
const (
	FrameTypeCAM   = "cam"
	FrameTypePing  = "ping"
	FrameTypePong  = "pong"
	FrameTypeError = "error"
)

// Frame is the envelope for every wire exchange with the external client.
// Payload carries the typed body; Timestamp is echoed opaquely on
// ping/pong; Message carries human-readable error text.
type Frame struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
	Message   string          `json:"message,omitempty"`
}

func errorFrame(msg string) Frame {
	return Frame{Type: FrameTypeError, Message: msg}
}

func pongFrame(timestamp json.RawMessage) Frame {
	return Frame{Type: FrameTypePong, Timestamp: timestamp}
}
