// Package portpool leases (ip, port) pairs from named transport pools.
package portpool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/agent-racer/gamehost/internal/session"
)

var (
	// ErrExhausted means every port of the pool is leased.
	ErrExhausted   = errors.New("no port available")
	ErrUnknownPool = errors.New("unknown transport pool")
)

// Range is the inclusive port range served for one pool.
type Range struct {
	IP  string
	Min int
	Max int
}

type pool struct {
	Range
	leased map[int]bool
	next   int
}

// Pools hands out leases. The zero value has no pools.
type Pools struct {
	mu    sync.Mutex
	pools map[string]*pool
}

func New(ranges map[string]Range) (*Pools, error) {
	p := &Pools{pools: make(map[string]*pool, len(ranges))}
	for name, r := range ranges {
		if r.Min <= 0 || r.Max > 65535 || r.Min > r.Max {
			return nil, fmt.Errorf("port pool %q: invalid range %d-%d", name, r.Min, r.Max)
		}
		p.pools[name] = &pool{Range: r, leased: make(map[int]bool), next: r.Min}
	}
	return p, nil
}

// Lease is an exclusive claim on one port. Release is idempotent.
type Lease struct {
	owner *Pools
	name  string
	ip    string
	port  int
	once  sync.Once
}

func (l *Lease) IP() string { return l.ip }
func (l *Lease) Port() int  { return l.port }

func (l *Lease) Release() {
	l.once.Do(func() {
		l.owner.release(l.name, l.port)
	})
}

// Acquire leases the next free port of the named pool, scanning round-robin
// so a just-released port is not immediately handed out again.
func (p *Pools) Acquire(name string) (*Lease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pl, ok := p.pools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPool, name)
	}
	size := pl.Max - pl.Min + 1
	for i := 0; i < size; i++ {
		port := pl.next
		pl.next++
		if pl.next > pl.Max {
			pl.next = pl.Min
		}
		if !pl.leased[port] {
			pl.leased[port] = true
			return &Lease{owner: p, name: name, ip: pl.IP, port: port}, nil
		}
	}
	return nil, fmt.Errorf("pool %q: %w", name, ErrExhausted)
}

// AcquirePort adapts Acquire to session.PortLeaser.
func (p *Pools) AcquirePort(_ context.Context, name string) (session.Lease, error) {
	l, err := p.Acquire(name)
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (p *Pools) release(name string, port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pl, ok := p.pools[name]; ok {
		delete(pl.leased, port)
	}
}

// InUse returns the number of leased ports in the named pool.
func (p *Pools) InUse(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pl, ok := p.pools[name]; ok {
		return len(pl.leased)
	}
	return 0
}
