package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

type sent struct {
	route   string
	payload any
}

type fakePeer struct {
	id          string
	user        string
	serverToken string

	mu           sync.Mutex
	sent         []sent
	disconnected []string
}

var peerSeq atomic.Int64

func newPeer(user string) *fakePeer {
	return &fakePeer{id: fmt.Sprintf("peer-%d", peerSeq.Add(1)), user: user}
}

func newServerPeer(token string) *fakePeer {
	return &fakePeer{id: fmt.Sprintf("server-%d", peerSeq.Add(1)), serverToken: token}
}

func (p *fakePeer) ID() string          { return p.id }
func (p *fakePeer) ServerToken() string { return p.serverToken }

func (p *fakePeer) Send(route string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, sent{route, payload})
	return nil
}

func (p *fakePeer) Disconnect(reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnected = append(p.disconnected, reason)
	return nil
}

func (p *fakePeer) routes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.sent))
	for _, s := range p.sent {
		out = append(out, s.route)
	}
	return out
}

func (p *fakePeer) disconnects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.disconnected...)
}

// fakeUsers resolves a participant peer to the user it was created for.
type fakeUsers struct{}

func (fakeUsers) GetUser(_ context.Context, peer Peer) (string, bool, error) {
	p, ok := peer.(*fakePeer)
	if !ok || p.user == "" {
		return "", false, nil
	}
	return p.user, true, nil
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []sent
}

func (t *fakeTransport) Broadcast(route string, payload any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, sent{route, payload})
}

func (t *fakeTransport) count(route string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range t.sent {
		if s.route == route {
			n++
		}
	}
	return n
}

func (t *fakeTransport) updates() []PlayerUpdate {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []PlayerUpdate
	for _, s := range t.sent {
		if u, ok := s.payload.(PlayerUpdate); ok {
			out = append(out, u)
		}
	}
	return out
}

// fakeLease counts the releases that actually freed the port.
type fakeLease struct {
	port     int
	released atomic.Int32
	calls    atomic.Int32
}

func (l *fakeLease) IP() string { return "127.0.0.1" }
func (l *fakeLease) Port() int  { return l.port }

func (l *fakeLease) Release() {
	l.calls.Add(1)
	l.released.CompareAndSwap(0, 1)
}

type fakePorts struct {
	mu     sync.Mutex
	next   int
	leases []*fakeLease
	err    error
	// gate, when set, holds every acquisition until it is closed.
	gate chan struct{}
}

func (p *fakePorts) AcquirePort(context.Context, string) (Lease, error) {
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.next++
	l := &fakeLease{port: 7000 + p.next}
	p.leases = append(p.leases, l)
	return l, nil
}

func (p *fakePorts) all() []*fakeLease {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*fakeLease(nil), p.leases...)
}

// fakeProcess releases its lease once, on exit or termination.
type fakeProcess struct {
	pid   int
	lease Lease
	done  chan struct{}
	once  sync.Once
	err   error

	terminated atomic.Int32
	graceful   atomic.Int32
}

func (p *fakeProcess) Pid() int              { return p.pid }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Err() error            { return p.err }

func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.err = err
		if p.lease != nil {
			p.lease.Release()
		}
		close(p.done)
	})
}

func (p *fakeProcess) Terminate(_ context.Context, graceful func() error, _ time.Duration) error {
	p.terminated.Add(1)
	if graceful != nil && graceful() == nil {
		p.graceful.Add(1)
	}
	p.exit(errors.New("terminated"))
	return nil
}

type fakeLauncher struct {
	mu       sync.Mutex
	err      error
	specs    []LaunchSpec
	procs    []*fakeProcess
	launched chan *fakeProcess
	calls    atomic.Int32
}

func newLauncher() *fakeLauncher {
	return &fakeLauncher{launched: make(chan *fakeProcess, 16)}
}

func (l *fakeLauncher) Launch(_ context.Context, spec LaunchSpec) (Process, error) {
	l.calls.Add(1)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.specs = append(l.specs, spec)
	if l.err != nil {
		return nil, l.err
	}
	p := &fakeProcess{pid: 1000 + len(l.procs), lease: spec.Lease, done: make(chan struct{})}
	l.procs = append(l.procs, p)
	l.launched <- p
	return p, nil
}

func (l *fakeLauncher) lastSpec() LaunchSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.specs[len(l.specs)-1]
}

type fakeP2P struct{}

func (fakeP2P) CreateP2PToken(_ context.Context, peer Peer) (string, error) {
	return "p2p:" + peer.ID(), nil
}

// fakeResults echoes the number of results, or fails with err.
type fakeResults struct {
	calls  atomic.Int32
	err    error
	panics bool
	last   atomic.Pointer[Completion]
}

func (r *fakeResults) GameSessionCompleted(_ context.Context, c Completion) (WriteFunc, error) {
	r.calls.Add(1)
	r.last.Store(&c)
	if r.panics {
		panic("aggregator blew up")
	}
	if r.err != nil {
		return nil, r.err
	}
	out := fmt.Sprintf("results:%d", len(c.Results))
	return func(w io.Writer) error {
		_, err := w.Write([]byte(out))
		return err
	}, nil
}

type recordingObserver struct {
	mu          sync.Mutex
	transitions []string
	launches    []error
	rounds      []error
}

func (o *recordingObserver) StateChanged(from, to State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, from.String()+">"+to.String())
}

func (o *recordingObserver) LaunchFinished(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.launches = append(o.launches, err)
}

func (o *recordingObserver) RoundCompleted(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rounds = append(o.rounds, err)
}

type harness struct {
	svc       *Service
	transport *fakeTransport
	ports     *fakePorts
	launcher  *fakeLauncher
	results   *fakeResults
	observer  *recordingObserver
}

func newHarness(cfg Configuration, opts Options) *harness {
	h := &harness{
		transport: &fakeTransport{},
		ports:     &fakePorts{},
		launcher:  newLauncher(),
		results:   &fakeResults{},
		observer:  &recordingObserver{},
	}
	svc, err := New(cfg, opts, Deps{
		Transport: h.transport,
		Users:     fakeUsers{},
		Ports:     h.ports,
		Launcher:  h.launcher,
		P2P:       fakeP2P{},
		Results:   h.results,
		Observer:  h.observer,
	})
	if err != nil {
		panic(err)
	}
	h.svc = svc
	return h
}

func serverOpts() Options {
	return Options{ServerEnabled: true, Executable: "/opt/game/server", ShutdownTimeout: time.Second}
}

// connect admits and completes a participant connection.
func (h *harness) connect(user string) (*fakePeer, error) {
	ctx := context.Background()
	p := newPeer(user)
	if err := h.svc.OnConnecting(ctx, p); err != nil {
		return nil, err
	}
	return p, h.svc.OnConnected(ctx, p)
}
