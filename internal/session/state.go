package session

import "encoding/json"

// State is the overall status of a game session.
type State int

const (
	WaitingPlayers State = iota
	AllPlayersConnected
	Starting
	Started
	Shutdown
	Faulted
)

var stateNames = map[State]string{
	WaitingPlayers:      "waiting_players",
	AllPlayersConnected: "all_players_connected",
	Starting:            "starting",
	Started:             "started",
	Shutdown:            "shutdown",
	Faulted:             "faulted",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// forming reports whether participants are still being gathered.
func (s State) forming() bool {
	return s == WaitingPlayers || s == AllPlayersConnected
}

// PlayerStatus is the per-participant connection status. Values are ordered:
// a client only moves forward within a round, except through Reset.
type PlayerStatus int

const (
	NotConnected PlayerStatus = iota
	Connected
	Ready
	PlayerFaulted
	Disconnected
)

var playerStatusNames = map[PlayerStatus]string{
	NotConnected:  "not_connected",
	Connected:     "connected",
	Ready:         "ready",
	PlayerFaulted: "faulted",
	Disconnected:  "disconnected",
}

func (p PlayerStatus) String() string {
	if n, ok := playerStatusNames[p]; ok {
		return n
	}
	return "unknown"
}

func (p PlayerStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}
