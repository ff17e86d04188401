package ws

import (
	"encoding/json"
	"strings"
)

// MsgError carries a failure back to the sender.
const MsgError = "error"

// CloseNotAuthorized is the close code sent to rejected connections.
const CloseNotAuthorized = 4003

// Envelope is the frame exchanged in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outbound struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

type ErrorPayload struct {
	ID      string `json:"id,omitempty"`
	Message string `json:"message"`
}

// payloadText returns a JSON string payload unquoted, or the raw text of any
// other JSON value.
func payloadText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	if strings.TrimSpace(string(raw)) == "null" {
		return ""
	}
	return string(raw)
}

// closeReason trims reason to the 123 bytes a close frame can carry.
func closeReason(reason string) string {
	if len(reason) > 123 {
		return reason[:123]
	}
	return reason
}
