package engine

import (
	"context"
	"sync"

	"github.com/0xPolygon/pdes/universe"
)

// Future is the asynchronous handle SimulationEngine.ComputeObjectState
// returns: it resolves once the object's committed history reaches the
// requested instant. For an object that is never created, it never
// completes — a caller wanting a bound cancels via ctx. Cancellation stops
// the caller from observing; it has no effect on the underlying work.
type Future struct {
	once  sync.Once
	done  chan struct{}
	state universe.ObjectState
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(state universe.ObjectState, err error) {
	f.once.Do(func() {
		f.state, f.err = state, err
		close(f.done)
	})
}

// Wait blocks until the future completes or ctx is done, whichever comes
// first.
func (f *Future) Wait(ctx context.Context) (universe.ObjectState, error) {
	select {
	case <-f.done:
		return f.state, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done reports whether the future has already completed, without blocking.
func (f *Future) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
