// Package session coordinates a single multiplayer match: participant
// admission, the start barrier, the dedicated server process lifecycle and
// the result barrier.
//
// Lock order: Service.mu is always taken before Registry.mu. Service.mu is
// only held for check-and-transition steps, never across process launch,
// termination or network sends.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DummyExecutable skips the process launch: a port is leased and the
	// session starts after Options.DummyDelay.
	DummyExecutable = "dummy"

	defaultTransport       = "public1"
	defaultShutdownTimeout = 10 * time.Second

	reasonServerStopped   = "Game server stopped"
	reasonSessionShutdown = "Game session shut down"
	reasonReplaced        = "Replaced by a new connection"
)

// Options carries the gameServer and gameSession settings.
type Options struct {
	// ServerEnabled is false when no dedicated server is configured; the
	// session then starts as soon as the start condition holds.
	ServerEnabled   bool
	Executable      string
	Verbose         bool
	Log             bool
	Transport       string
	ShutdownTimeout time.Duration
	DummyDelay      time.Duration
	// PublicURL is handed to the process so it can connect back.
	PublicURL string

	UseP2P        bool
	ReplaceActive bool
}

// Deps are the collaborators a Service drives.
type Deps struct {
	Transport Transport
	Users     Users
	Ports     PortLeaser
	Launcher  Launcher
	P2P       P2PTokens
	Results   ResultsHandler
	Observer  Observer
	Logger    *zap.SugaredLogger
}

// PlayerUpdate is broadcast on RoutePlayerUpdate.
type PlayerUpdate struct {
	UserID string `json:"userId"`
	Status uint8  `json:"status"`
	Data   string `json:"data"`
}

// ServerStarted is sent on RouteServerStarted.
type ServerStarted struct {
	P2PToken string `json:"p2pToken"`
}

// Snapshot is a read-only view of the session.
type Snapshot struct {
	State   State        `json:"state"`
	Clients []ClientInfo `json:"clients"`
	IP      string       `json:"ip,omitempty"`
	Port    int          `json:"port,omitempty"`
	Pid     int          `json:"pid,omitempty"`
}

type processExited struct {
	proc Process
}

// Service is the session orchestrator.
type Service struct {
	config   Configuration
	opts     Options
	deps     Deps
	log      *zap.SugaredLogger
	registry *Registry

	mu          sync.Mutex
	state       State
	// round identifies the current start attempt. Launch work captured for
	// an older round is discarded.
	round       uint64
	completed   bool
	serverToken string
	serverPeer  Peer
	p2pToken    string
	proc        Process
	lease       Lease

	events    chan processExited
	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a session in WaitingPlayers. Users, Transport and Results are
// required; Ports and Launcher are required when opts.ServerEnabled.
func New(cfg Configuration, opts Options, deps Deps) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Users == nil || deps.Transport == nil || deps.Results == nil {
		return nil, errors.New("session: users, transport and results handler are required")
	}
	if opts.ServerEnabled && opts.Executable != "" && deps.Ports == nil {
		return nil, errors.New("session: a port leaser is required when a game server is configured")
	}
	if opts.ServerEnabled && opts.Executable != "" && opts.Executable != DummyExecutable && deps.Launcher == nil {
		return nil, errors.New("session: a launcher is required when a game server executable is configured")
	}
	if opts.Transport == "" {
		opts.Transport = defaultTransport
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	return &Service{
		config:   cfg,
		opts:     opts,
		deps:     deps,
		log:      deps.Logger.Named("gamesession"),
		registry: NewRegistry(),
		state:    WaitingPlayers,
		events:   make(chan processExited, 4),
		closed:   make(chan struct{}),
	}, nil
}

// Run delivers process exit notifications to the orchestrator one at a
// time. It returns when ctx is cancelled or the session shuts down.
func (s *Service) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return nil
		case ev := <-s.events:
			s.handleProcessExit(ctx, ev.proc)
		}
	}
}

// Done is closed once the session reaches Shutdown.
func (s *Service) Done() <-chan struct{} {
	return s.closed
}

// State returns the current session state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HostUserID returns the configured host, "" when there is none.
func (s *Service) HostUserID() string {
	return s.config.HostUserID
}

// Registry exposes the client registry for read access.
func (s *Service) Registry() *Registry {
	return s.registry
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{State: s.state, Clients: s.registry.Snapshot()}
	if s.lease != nil {
		snap.IP = s.lease.IP()
		snap.Port = s.lease.Port()
	}
	if s.proc != nil {
		snap.Pid = s.proc.Pid()
	}
	return snap
}

// Identify resolves the participant behind peer.
func (s *Service) Identify(ctx context.Context, peer Peer) (string, error) {
	identity, ok, err := s.deps.Users.GetUser(ctx, peer)
	if err != nil {
		return "", fmt.Errorf("looking up user: %w", err)
	}
	if !ok {
		return "", ErrUnauthenticated
	}
	return identity, nil
}

func (s *Service) isServerPeer(peer Peer) bool {
	token := peer.ServerToken()
	if token == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverToken != "" && token == s.serverToken
}

// setStateLocked must be called with s.mu held.
func (s *Service) setStateLocked(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.log.Debugw("session state changed", "from", from, "to", to)
	s.deps.Observer.StateChanged(from, to)
	if to == Shutdown {
		s.closeOnce.Do(func() { close(s.closed) })
	}
}

// updateFormingLocked toggles between WaitingPlayers and AllPlayersConnected
// for private sessions. Caller must hold s.mu.
func (s *Service) updateFormingLocked() {
	if s.config.Public || !s.state.forming() {
		return
	}
	all := s.registry.Has(s.config.UserIDs) &&
		s.registry.AllSatisfy(func(c ClientInfo) bool { return c.Connected })
	if all {
		s.setStateLocked(AllPlayersConnected)
	} else {
		s.setStateLocked(WaitingPlayers)
	}
}

func (s *Service) broadcastUpdate(identity string, status PlayerStatus, data string) {
	s.deps.Transport.Broadcast(RoutePlayerUpdate, PlayerUpdate{
		UserID: identity,
		Status: uint8(status),
		Data:   data,
	})
}

// OnConnecting admits peer or rejects it with an authorization error.
func (s *Service) OnConnecting(ctx context.Context, peer Peer) error {
	if peer.ServerToken() != "" {
		if !s.isServerPeer(peer) {
			s.log.Warnw("rejected dedicated server connection with unknown token", "peer", peer.ID())
			return ErrServerAuthFailed
		}
		return nil
	}

	identity, err := s.Identify(ctx, peer)
	if err != nil {
		return err
	}
	if !s.config.IsMember(identity) {
		s.log.Infow("rejected non-member", "userId", identity)
		return ErrNotAuthorized
	}

	s.mu.Lock()
	if s.state == Shutdown {
		s.mu.Unlock()
		return ErrSessionShutdown
	}
	previous, err := s.registry.Admit(identity, peer, s.opts.ReplaceActive)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("admitting %s: %w", identity, err)
	}
	s.updateFormingLocked()
	s.mu.Unlock()

	if previous != nil {
		if err := previous.Disconnect(reasonReplaced); err != nil {
			s.log.Debugw("closing replaced connection", "userId", identity, "error", err)
		}
	}

	s.log.Infow("player connected", "userId", identity, "peer", peer.ID())
	// Public sessions can be joined by anyone at any time; per-join updates
	// are not broadcast there, late joiners still get the OnConnected snapshot.
	if !s.config.Public {
		s.broadcastUpdate(identity, Connected, "")
	}
	return nil
}

// OnConnected sends the new peer the status of every other participant and,
// if the session already started, the start notification.
func (s *Service) OnConnected(ctx context.Context, peer Peer) error {
	if peer.ServerToken() != "" {
		s.mu.Lock()
		if s.serverToken != "" && peer.ServerToken() == s.serverToken {
			s.serverPeer = peer
		}
		s.mu.Unlock()
		return nil
	}

	identity, err := s.Identify(ctx, peer)
	if err != nil {
		return err
	}
	for _, c := range s.registry.Snapshot() {
		if c.Identity == identity {
			continue
		}
		update := PlayerUpdate{UserID: c.Identity, Status: uint8(c.Status), Data: c.FaultReason}
		if err := peer.Send(RoutePlayerUpdate, update); err != nil {
			return fmt.Errorf("sending roster to %s: %w", identity, err)
		}
	}

	s.mu.Lock()
	started := s.state == Started
	token := s.p2pToken
	s.mu.Unlock()
	if started {
		if err := peer.Send(RouteServerStarted, ServerStarted{P2PToken: token}); err != nil {
			return fmt.Errorf("sending start notification to %s: %w", identity, err)
		}
	}

	s.tryStart(ctx)
	return nil
}

// OnDisconnected detaches peer, re-evaluates both barriers and tears the
// dedicated server down once every participant is gone.
func (s *Service) OnDisconnected(ctx context.Context, peer Peer) {
	if peer.ServerToken() != "" {
		s.mu.Lock()
		if s.serverPeer == peer {
			s.serverPeer = nil
		}
		s.mu.Unlock()
		return
	}

	identity, ok, err := s.deps.Users.GetUser(ctx, peer)
	if err != nil || !ok {
		// The user session may already be gone; fall back to the registry.
		identity, ok = s.registry.FindByPeer(peer)
	}

	if ok {
		if _, changed := s.registry.MarkDisconnected(identity, peer); changed {
			s.log.Infow("player disconnected", "userId", identity, "peer", peer.ID())
			s.mu.Lock()
			if identity == s.config.HostUserID {
				s.p2pToken = ""
			}
			if s.config.Public {
				s.registry.RemoveIdle(identity, ErrRoundReset)
			}
			s.updateFormingLocked()
			s.mu.Unlock()

			s.broadcastUpdate(identity, Disconnected, "")
			s.evaluateGameComplete(ctx)
			s.tryStart(ctx)
		}
	}

	if s.registry.AllSatisfy(func(c ClientInfo) bool { return !c.Connected }) {
		s.teardown(ctx)
	}
}

// Ready handles RoutePlayerReady. For the dedicated server connection it
// means the server is up and the session starts.
func (s *Service) Ready(ctx context.Context, peer Peer, data string) error {
	if peer.ServerToken() != "" {
		if !s.isServerPeer(peer) {
			return ErrServerAuthFailed
		}
		return s.serverReady(ctx, peer)
	}

	identity, err := s.Identify(ctx, peer)
	if err != nil {
		return err
	}
	info, changed, err := s.registry.SetReady(identity)
	if err != nil {
		return err
	}
	s.log.Debugw("received ready", "userId", identity, "status", info.Status)
	if changed {
		s.broadcastUpdate(identity, Ready, data)
	}

	if identity == s.config.HostUserID && s.opts.UseP2P && s.deps.P2P != nil {
		token, err := s.deps.P2P.CreateP2PToken(ctx, peer)
		if err != nil {
			return fmt.Errorf("creating p2p token: %w", err)
		}
		s.mu.Lock()
		s.p2pToken = token
		serverPeer := s.serverPeer
		s.mu.Unlock()

		targets := s.registry.Peers()
		if serverPeer != nil {
			targets = append(targets, serverPeer)
		}
		for _, p := range targets {
			if p == peer {
				continue
			}
			if err := p.Send(RouteP2PToken, token); err != nil {
				s.log.Debugw("sending p2p token", "peer", p.ID(), "error", err)
			}
		}
	}

	s.tryStart(ctx)
	return nil
}

// Faulted handles RoutePlayerFaulted. A fault while the session is still
// forming moves it to Faulted, which has no automatic way out: Reset or
// Shutdown decide what happens next.
func (s *Service) Faulted(ctx context.Context, peer Peer, reason string) error {
	identity, err := s.Identify(ctx, peer)
	if err != nil {
		return err
	}
	if _, err := s.registry.SetFaulted(identity, reason); err != nil {
		return err
	}
	s.log.Warnw("player faulted", "userId", identity, "reason", reason)
	s.broadcastUpdate(identity, PlayerFaulted, reason)

	s.mu.Lock()
	if s.state.forming() {
		s.setStateLocked(Faulted)
	}
	s.mu.Unlock()
	return nil
}

// startConditionLocked must be called with s.mu held.
func (s *Service) startConditionLocked() bool {
	if s.config.Public {
		return !s.registry.AllSatisfy(func(c ClientInfo) bool { return c.Status != Ready || !c.Connected })
	}
	return s.registry.Has(s.config.UserIDs) &&
		s.registry.AllSatisfy(func(c ClientInfo) bool { return c.Status == Ready })
}

// tryStart moves a forming session to Starting when the start condition
// holds and launches the game server. Only one caller can win the
// transition; the others see Starting and return.
func (s *Service) tryStart(ctx context.Context) {
	s.mu.Lock()
	if !s.state.forming() || !s.startConditionLocked() {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(Starting)
	s.round++
	round := s.round
	s.mu.Unlock()

	s.log.Infow("starting game session", "round", round)
	s.launch(context.WithoutCancel(ctx), round)
}

// currentLocked reports whether round is still the active start attempt. Caller
// must hold s.mu.
func (s *Service) currentLocked(round uint64) bool {
	return s.state == Starting && s.round == round
}

func (s *Service) launch(ctx context.Context, round uint64) {
	if !s.opts.ServerEnabled {
		s.log.Infow("no game server configured, game session started")
		s.markStarted("", round)
		return
	}
	if s.opts.Executable == "" {
		s.failStart(errors.New("missing 'gameServer.executable' configuration value"), round)
		return
	}

	lease, err := s.deps.Ports.AcquirePort(ctx, s.opts.Transport)
	if err != nil {
		s.failStart(fmt.Errorf("acquiring port from pool %q: %w", s.opts.Transport, err), round)
		return
	}

	if s.opts.Executable == DummyExecutable {
		s.log.Infow("using dummy game server", "ip", lease.IP(), "port", lease.Port())
		if !s.holdLease(lease, round) {
			return
		}
		select {
		case <-time.After(s.opts.DummyDelay):
		case <-s.closed:
			return
		}
		s.markStarted("", round)
		return
	}

	token := uuid.NewString()
	s.mu.Lock()
	if !s.currentLocked(round) {
		s.mu.Unlock()
		lease.Release()
		return
	}
	s.serverToken = token
	s.lease = lease
	s.mu.Unlock()

	args := []string{fmt.Sprintf("PORT=%d", lease.Port())}
	if s.opts.Log {
		args = append(args, "-log")
	}
	spec := LaunchSpec{
		Path: s.opts.Executable,
		Args: args,
		Env: []string{
			"connectionToken=" + token,
			"GAMEHOST_URL=" + s.opts.PublicURL,
			"GAMEHOST_IP=" + lease.IP(),
		},
		Verbose: s.opts.Verbose,
		Lease:   lease,
	}
	s.log.Debugw("starting game server", "path", spec.Path, "args", spec.Args)

	proc, err := s.deps.Launcher.Launch(ctx, spec)
	if err != nil {
		s.failStart(fmt.Errorf("starting game server: %w", err), round)
		return
	}
	s.deps.Observer.LaunchFinished(nil)

	s.mu.Lock()
	if !s.currentLocked(round) || s.lease != lease {
		// Reset or shut down while the process was starting.
		s.mu.Unlock()
		s.terminate(ctx, proc, nil)
		return
	}
	s.proc = proc
	s.mu.Unlock()

	s.log.Infow("game server process started", "pid", proc.Pid(), "port", lease.Port())
	go s.watch(proc)
}

// holdLease records a lease for the dummy server. It releases the lease and
// returns false if round is no longer the active start attempt.
func (s *Service) holdLease(lease Lease, round uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.currentLocked(round) {
		lease.Release()
		return false
	}
	s.lease = lease
	return true
}

func (s *Service) watch(proc Process) {
	select {
	case <-proc.Done():
	case <-s.closed:
		return
	}
	select {
	case s.events <- processExited{proc: proc}:
	case <-s.closed:
	}
}

func (s *Service) serverReady(ctx context.Context, peer Peer) error {
	s.mu.Lock()
	if s.serverToken == "" || peer.ServerToken() != s.serverToken {
		s.mu.Unlock()
		return ErrServerAuthFailed
	}
	round := s.round
	s.mu.Unlock()

	token := ""
	if s.deps.P2P != nil {
		t, err := s.deps.P2P.CreateP2PToken(ctx, peer)
		if err != nil {
			return fmt.Errorf("creating p2p token for game server: %w", err)
		}
		token = t
	}
	s.log.Infow("game server responded as ready")
	s.markStarted(token, round)
	return nil
}

// markStarted moves round from Starting to Started and notifies every
// participant.
func (s *Service) markStarted(p2pToken string, round uint64) {
	s.mu.Lock()
	if !s.currentLocked(round) {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(Started)
	s.p2pToken = p2pToken
	s.mu.Unlock()

	s.log.Infow("game session started")
	s.deps.Transport.Broadcast(RouteServerStarted, ServerStarted{P2PToken: p2pToken})
}

// endRoundLocked applies the restart-or-shutdown branch after a failed
// launch or a lost game server. Caller must hold s.mu. It returns the
// participant connections to close (shutdown only).
func (s *Service) endRoundLocked() []Peer {
	s.round++
	s.serverToken = ""
	s.serverPeer = nil
	s.p2pToken = ""
	s.completed = false
	if s.config.CanRestart {
		s.resetRoundLocked()
		s.setStateLocked(WaitingPlayers)
		s.updateFormingLocked()
		return nil
	}
	s.registry.FailPending(ErrSessionShutdown)
	s.setStateLocked(Shutdown)
	return s.registry.Peers()
}

func (s *Service) failStart(err error, round uint64) {
	s.log.Errorw("failed to start game server", "error", err, "round", round)
	s.deps.Observer.LaunchFinished(err)

	s.mu.Lock()
	if !s.currentLocked(round) {
		s.mu.Unlock()
		return
	}
	lease := s.lease
	s.lease = nil
	peers := s.endRoundLocked()
	restarted := s.state != Shutdown
	s.mu.Unlock()

	if lease != nil {
		lease.Release()
	}
	s.afterRoundEnded(restarted, peers)
}

func (s *Service) handleProcessExit(ctx context.Context, proc Process) {
	s.mu.Lock()
	if s.proc != proc {
		// Terminated on purpose by teardown, Reset or Shutdown.
		s.mu.Unlock()
		return
	}
	s.proc = nil
	lease := s.lease
	s.lease = nil
	peers := s.endRoundLocked()
	restarted := s.state != Shutdown
	s.mu.Unlock()

	s.log.Errorw("game server stopped", "pid", proc.Pid(), "error", proc.Err(), "restart", restarted)
	if lease != nil {
		lease.Release()
	}
	s.afterRoundEnded(restarted, peers)
}

func (s *Service) afterRoundEnded(restarted bool, peers []Peer) {
	if restarted {
		for _, c := range s.registry.Snapshot() {
			s.broadcastUpdate(c.Identity, c.Status, "")
		}
		return
	}
	for _, p := range peers {
		if err := p.Disconnect(reasonServerStopped); err != nil {
			s.log.Debugw("disconnecting player", "peer", p.ID(), "error", err)
		}
	}
}

// teardown stops the game server and releases the port once every
// participant has left.
func (s *Service) teardown(ctx context.Context) {
	s.mu.Lock()
	proc, lease, serverPeer := s.proc, s.lease, s.serverPeer
	if proc == nil && lease == nil && s.state != Starting {
		s.mu.Unlock()
		return
	}
	s.proc = nil
	s.lease = nil
	var peers []Peer
	restarted := true
	if s.state == Starting || s.state == Started {
		peers = s.endRoundLocked()
		restarted = s.state != Shutdown
	}
	s.mu.Unlock()

	if proc != nil {
		s.log.Infow("closing down game server", "pid", proc.Pid())
		s.terminate(ctx, proc, serverPeer)
	}
	if lease != nil {
		lease.Release()
	}
	s.log.Infow("game server shut down")
	if !restarted {
		s.afterRoundEnded(false, peers)
	}
}

func (s *Service) terminate(ctx context.Context, proc Process, serverPeer Peer) {
	graceful := func() error {
		if serverPeer == nil {
			return errors.New("no game server connection")
		}
		return serverPeer.Send(RouteShutdown, struct{}{})
	}
	if err := proc.Terminate(ctx, graceful, s.opts.ShutdownTimeout); err != nil {
		s.log.Warnw("terminating game server", "pid", proc.Pid(), "error", err)
	}
}

// SubmitResult stores identity's result for the current round and returns
// the future that resolves once every participant has submitted or left.
func (s *Service) SubmitResult(ctx context.Context, identity string, data []byte) (*Future, error) {
	s.mu.Lock()
	switch s.state {
	case Started:
	case Shutdown:
		s.mu.Unlock()
		return nil, ErrSessionShutdown
	default:
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: unable to post result, session is %s", ErrNotStarted, state)
	}
	future, err := s.registry.SetResult(identity, data)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.log.Debugw("result submitted", "userId", identity, "bytes", len(data))
	s.evaluateGameComplete(ctx)
	return future, nil
}

// evaluateGameComplete runs the results handler once per round, when every
// participant has either submitted or lost its connection.
func (s *Service) evaluateGameComplete(ctx context.Context) {
	s.mu.Lock()
	if s.state != Started || s.completed {
		s.mu.Unlock()
		return
	}
	submitted := false
	done := s.registry.AllSatisfy(func(c ClientInfo) bool {
		if c.Submitted {
			submitted = true
		}
		return c.Submitted || !c.Connected
	})
	if !done || !submitted {
		s.mu.Unlock()
		return
	}
	s.completed = true
	results, futures := s.registry.roundResults()
	s.mu.Unlock()

	completion := Completion{
		Config:     s.config,
		Results:    results,
		Identities: s.identities(results),
	}
	write, err := s.runResultsHandler(context.WithoutCancel(ctx), completion)
	if err != nil {
		s.log.Errorw("results handler failed", "error", err)
	}
	for _, f := range futures {
		f.resolve(write, err)
	}
	s.deps.Observer.RoundCompleted(err)
	s.log.Infow("game session round completed", "results", len(results))
}

func (s *Service) runResultsHandler(ctx context.Context, c Completion) (write WriteFunc, err error) {
	defer func() {
		if r := recover(); r != nil {
			write, err = nil, fmt.Errorf("results handler panicked: %v", r)
		}
	}()
	write, err = s.deps.Results.GameSessionCompleted(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("aggregating results: %w", err)
	}
	if write == nil {
		return nil, errors.New("aggregating results: handler returned no writer")
	}
	return write, nil
}

func (s *Service) identities(results []Result) []string {
	set := make(map[string]bool, len(results)+len(s.config.UserIDs))
	for _, id := range s.config.UserIDs {
		set[id] = true
	}
	for _, r := range results {
		set[r.Identity] = true
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reset starts a new round: per-round client state is cleared, pending
// submissions fail with ErrRoundReset, any running game server is stopped and
// the session waits for players again.
func (s *Service) Reset(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Shutdown {
		s.mu.Unlock()
		return ErrSessionShutdown
	}
	proc, lease, serverPeer := s.proc, s.lease, s.serverPeer
	s.proc = nil
	s.lease = nil
	s.serverToken = ""
	s.serverPeer = nil
	s.p2pToken = ""
	s.completed = false
	s.round++
	s.resetRoundLocked()
	s.setStateLocked(WaitingPlayers)
	s.updateFormingLocked()
	s.mu.Unlock()

	s.log.Infow("game session reset")
	if proc != nil {
		s.terminate(ctx, proc, serverPeer)
	}
	if lease != nil {
		lease.Release()
	}
	s.afterRoundEnded(true, nil)
	return nil
}

// Shutdown is terminal. Cleanup is best effort: failures are logged and
// never prevent the session from reaching Shutdown.
func (s *Service) Shutdown(ctx context.Context) {
	s.mu.Lock()
	proc, lease, serverPeer := s.proc, s.lease, s.serverPeer
	s.proc = nil
	s.lease = nil
	s.serverToken = ""
	s.serverPeer = nil
	s.p2pToken = ""
	s.round++
	s.registry.FailPending(ErrSessionShutdown)
	s.setStateLocked(Shutdown)
	peers := s.registry.Peers()
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.closed) })

	s.log.Infow("shutting down game session", "port", leasePort(lease))
	func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Errorw("closing game server", "panic", r)
			}
		}()
		if proc != nil {
			s.terminate(ctx, proc, serverPeer)
		}
	}()
	if lease != nil {
		lease.Release()
	}
	for _, p := range peers {
		if err := p.Disconnect(reasonSessionShutdown); err != nil {
			s.log.Debugw("disconnecting player", "peer", p.ID(), "error", err)
		}
	}
	s.log.Infow("game session shut down")
}

// resetRoundLocked starts a new round in the registry. Public participants
// that left are forgotten once their round is over. Caller must hold s.mu.
func (s *Service) resetRoundLocked() {
	s.registry.ResetRound(ErrRoundReset)
	if s.config.Public {
		s.registry.PruneDisconnected(ErrRoundReset)
	}
}

func leasePort(l Lease) int {
	if l == nil {
		return 0
	}
	return l.Port()
}
