package session

import (
	"context"
	"sync"
)

// Future is the single-shot outcome of one result submission. It resolves
// exactly once, either with the shared WriteFunc or with an error.
type Future struct {
	once  sync.Once
	done  chan struct{}
	write WriteFunc
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// resolve reports whether this call completed the future.
func (f *Future) resolve(write WriteFunc, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.write = write
		f.err = err
		close(f.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the future resolves.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the round completes or ctx is cancelled. There is no
// built-in timeout: a round is only complete once every participant has
// submitted or disconnected.
func (f *Future) Wait(ctx context.Context) (WriteFunc, error) {
	select {
	case <-f.done:
		return f.write, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
