package session

import (
	"context"
	"io"
	"time"
)

// Routes exchanged with clients and the process peer.
const (
	RoutePlayerReady   = "player.ready"
	RoutePlayerFaulted = "player.faulted"
	RoutePlayerUpdate  = "player.update"
	RouteP2PToken      = "player.p2ptoken"
	RouteServerStarted = "server.started"
	RouteShutdown      = "gameSession.shutdown"
	RoutePostResults   = "gameSession.postResults"
	RouteReset         = "gameSession.reset"
)

// Peer is one transport connection attached to the session.
type Peer interface {
	// ID is unique per connection, never reused.
	ID() string
	// ServerToken is the launch token presented by the dedicated server
	// process, or "" for participant connections.
	ServerToken() string
	Send(route string, payload any) error
	Disconnect(reason string) error
}

// Transport fans a message out to every connection of the session.
type Transport interface {
	Broadcast(route string, payload any)
}

// Users resolves the authenticated identity behind a connection. ok is false
// for unauthenticated peers.
type Users interface {
	GetUser(ctx context.Context, peer Peer) (identity string, ok bool, err error)
}

// Lease is an exclusive claim on (ip, port). Release must be idempotent.
type Lease interface {
	IP() string
	Port() int
	Release()
}

// PortLeaser hands out ports from a named transport pool.
type PortLeaser interface {
	AcquirePort(ctx context.Context, pool string) (Lease, error)
}

// LaunchSpec describes one dedicated server launch attempt.
type LaunchSpec struct {
	Path    string
	Args    []string
	Env     []string
	Verbose bool
	Lease   Lease
}

// Process is a running dedicated server. It owns the lease passed in its
// LaunchSpec and releases it exactly once when it exits or is terminated.
type Process interface {
	Pid() int
	Done() <-chan struct{}
	// Err is the exit error; only meaningful after Done is closed.
	Err() error
	// Terminate asks the process to stop through graceful, waits up to
	// timeout, then kills it.
	Terminate(ctx context.Context, graceful func() error, timeout time.Duration) error
}

// Launcher starts dedicated server processes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// P2PTokens issues peer-to-peer rendezvous tokens for a connection.
type P2PTokens interface {
	CreateP2PToken(ctx context.Context, peer Peer) (string, error)
}

// WriteFunc writes the shared game outcome. The same function is handed to
// every submitter of a round.
type WriteFunc func(w io.Writer) error

// Result is one participant's contribution to a completed round. Peer is nil
// when the participant disconnected; Data is nil when it never submitted.
type Result struct {
	Identity string
	Peer     Peer
	Data     []byte
}

// Completion is passed to the ResultsHandler once per round.
type Completion struct {
	Config     Configuration
	Results    []Result
	Identities []string
}

// ResultsHandler aggregates the results of a round into the shared outcome.
type ResultsHandler interface {
	GameSessionCompleted(ctx context.Context, c Completion) (WriteFunc, error)
}

// Observer receives lifecycle notifications, typically for metrics.
type Observer interface {
	StateChanged(from, to State)
	LaunchFinished(err error)
	RoundCompleted(err error)
}

type nopObserver struct{}

func (nopObserver) StateChanged(State, State) {}
func (nopObserver) LaunchFinished(error)      {}
func (nopObserver) RoundCompleted(error)      {}
