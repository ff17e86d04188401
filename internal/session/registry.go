package session

import (
	"sort"
	"sync"
)

// client is the registry's record for one admitted identity. All fields are
// guarded by Registry.mu.
type client struct {
	peer        Peer
	status      PlayerStatus
	faultReason string
	result      []byte
	future      *Future
}

// reset starts a new round for the client. The previous future is failed
// with cause so no waiter from the old round is left hanging.
func (c *client) reset(cause error) {
	if c.future != nil {
		c.future.resolve(nil, cause)
	}
	c.future = newFuture()
	c.result = nil
	c.faultReason = ""
	if c.peer != nil {
		c.status = Connected
	} else {
		c.status = NotConnected
	}
}

// ClientInfo is a point-in-time copy of a registry entry.
type ClientInfo struct {
	Identity    string       `json:"userId"`
	Status      PlayerStatus `json:"status"`
	FaultReason string       `json:"faultReason,omitempty"`
	Connected   bool         `json:"connected"`
	Submitted   bool         `json:"submitted"`
	Peer        Peer         `json:"-"`
}

// Registry maps participant identities to their connection state. It lives
// exactly as long as its Service.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*client
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*client)}
}

func (r *Registry) info(identity string, c *client) ClientInfo {
	return ClientInfo{
		Identity:    identity,
		Status:      c.status,
		FaultReason: c.faultReason,
		Connected:   c.peer != nil,
		Submitted:   c.result != nil,
		Peer:        c.peer,
	}
}

// Admit attaches peer to identity and marks it Connected. An identity that
// still holds a live connection is rejected with ErrAlreadyConnected unless
// replace is set, in which case the previous peer is returned so the caller
// can close it. Per-round state (submitted result, pending future) survives a
// reconnect.
func (r *Registry) Admit(identity string, peer Peer, replace bool) (previous Peer, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[identity]
	if !ok {
		c = &client{}
		c.reset(nil)
		r.clients[identity] = c
	} else if c.peer != nil {
		if !replace {
			return nil, ErrAlreadyConnected
		}
		previous = c.peer
	}
	c.peer = peer
	c.status = Connected
	c.faultReason = ""
	return previous, nil
}

func (r *Registry) Get(identity string) (ClientInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[identity]
	if !ok {
		return ClientInfo{}, false
	}
	return r.info(identity, c), true
}

// FindByPeer returns the identity currently bound to peer.
func (r *Registry) FindByPeer(peer Peer) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, c := range r.clients {
		if c.peer == peer {
			return id, true
		}
	}
	return "", false
}

// SetReady moves a client to Ready. changed is false when it was already
// Ready or beyond.
func (r *Registry) SetReady(identity string) (info ClientInfo, changed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[identity]
	if !ok {
		return ClientInfo{}, false, ErrUnknownClient
	}
	if c.status < Ready {
		c.status = Ready
		changed = true
	}
	return r.info(identity, c), changed, nil
}

func (r *Registry) SetFaulted(identity, reason string) (ClientInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[identity]
	if !ok {
		return ClientInfo{}, ErrUnknownClient
	}
	c.status = PlayerFaulted
	c.faultReason = reason
	return r.info(identity, c), nil
}

// MarkDisconnected detaches peer from identity. It is a no-op returning false
// when identity is now bound to a different connection, so a late disconnect
// of a replaced peer cannot clobber its successor.
func (r *Registry) MarkDisconnected(identity string, peer Peer) (ClientInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[identity]
	if !ok || c.peer != peer {
		return ClientInfo{}, false
	}
	c.peer = nil
	c.status = Disconnected
	return r.info(identity, c), true
}

// RemoveIdle drops a disconnected entry that holds no result for the current
// round, failing its future with cause. Entries with a result stay until the
// round ends.
func (r *Registry) RemoveIdle(identity string, cause error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[identity]
	if !ok || c.peer != nil || c.result != nil {
		return false
	}
	c.future.resolve(nil, cause)
	delete(r.clients, identity)
	return true
}

// PruneDisconnected drops every entry without a live connection, failing
// their futures with cause.
func (r *Registry) PruneDisconnected(cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.clients {
		if c.peer == nil {
			c.future.resolve(nil, cause)
			delete(r.clients, id)
		}
	}
}

// SetResult stores a round result and returns the future the submitter
// waits on.
func (r *Registry) SetResult(identity string, data []byte) (*Future, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[identity]
	if !ok {
		return nil, ErrUnknownClient
	}
	if c.result != nil {
		return nil, ErrResultSubmitted
	}
	if data == nil {
		data = []byte{}
	}
	c.result = data
	return c.future, nil
}

// AllSatisfy reports whether pred holds for every entry. An empty registry
// satisfies any predicate.
func (r *Registry) AllSatisfy(pred func(ClientInfo) bool) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, c := range r.clients {
		if !pred(r.info(id, c)) {
			return false
		}
	}
	return true
}

// Has reports whether every identity has an entry.
func (r *Registry) Has(identities []string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range identities {
		if _, ok := r.clients[id]; !ok {
			return false
		}
	}
	return true
}

// Snapshot returns every entry ordered by identity.
func (r *Registry) Snapshot() []ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ClientInfo, 0, len(r.clients))
	for id, c := range r.clients {
		out = append(out, r.info(id, c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// Peers returns every live participant connection.
func (r *Registry) Peers() []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peers := make([]Peer, 0, len(r.clients))
	for _, c := range r.clients {
		if c.peer != nil {
			peers = append(peers, c.peer)
		}
	}
	return peers
}

// roundResults collects the round's results together with the futures that
// belong to it.
func (r *Registry) roundResults() ([]Result, []*Future) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	results := make([]Result, 0, len(r.clients))
	futures := make([]*Future, 0, len(r.clients))
	for id, c := range r.clients {
		results = append(results, Result{Identity: id, Peer: c.peer, Data: c.result})
		futures = append(futures, c.future)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Identity < results[j].Identity })
	return results, futures
}

// ResetRound starts a new round for every client, failing pending futures
// with cause.
func (r *Registry) ResetRound(cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.clients {
		c.reset(cause)
	}
}

// FailPending fails every unresolved future without starting a new round.
func (r *Registry) FailPending(cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.clients {
		c.future.resolve(nil, cause)
	}
}
