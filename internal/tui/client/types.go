package client

import "encoding/json"

// Routes used by the game session host.
const (
	MsgPlayerUpdate  = "player.update"
	MsgServerStarted = "server.started"
	MsgP2PToken      = "player.p2ptoken"
	MsgPostResults   = "gameSession.postResults"
	MsgShutdown      = "gameSession.shutdown"
	MsgError         = "error"

	MsgReady = "player.ready"
	MsgFault = "player.faulted"
	MsgReset = "gameSession.reset"
)

// CloseNotAuthorized is the close code the host uses to reject a connection.
const CloseNotAuthorized = 4003

// PlayerStatus mirrors the numeric status carried by player.update.
type PlayerStatus uint8

const (
	StatusNotConnected PlayerStatus = iota
	StatusConnected
	StatusReady
	StatusFaulted
	StatusDisconnected
)

func (s PlayerStatus) String() string {
	switch s {
	case StatusNotConnected:
		return "not connected"
	case StatusConnected:
		return "connected"
	case StatusReady:
		return "ready"
	case StatusFaulted:
		return "faulted"
	case StatusDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// ParseStatus maps the snake_case names used by the HTTP API.
func ParseStatus(name string) PlayerStatus {
	switch name {
	case "connected":
		return StatusConnected
	case "ready":
		return StatusReady
	case "faulted":
		return StatusFaulted
	case "disconnected":
		return StatusDisconnected
	}
	return StatusNotConnected
}

// Envelope is the frame exchanged with the host.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type PlayerUpdate struct {
	UserID string       `json:"userId"`
	Status PlayerStatus `json:"status"`
	Data   string       `json:"data"`
}

type ServerStarted struct {
	P2PToken string `json:"p2pToken"`
}

type ErrorPayload struct {
	ID      string `json:"id,omitempty"`
	Message string `json:"message"`
}

// SessionInfo is the body of GET /api/session.
type SessionInfo struct {
	State   string       `json:"state"`
	Clients []ClientInfo `json:"clients"`
	IP      string       `json:"ip,omitempty"`
	Port    int          `json:"port,omitempty"`
	Pid     int          `json:"pid,omitempty"`
}

type ClientInfo struct {
	UserID      string `json:"userId"`
	Status      string `json:"status"`
	FaultReason string `json:"faultReason,omitempty"`
	Connected   bool   `json:"connected"`
	Submitted   bool   `json:"submitted"`
}
