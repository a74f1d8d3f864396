package scheduler

import (
	"context"
	"sync"
)

// Handle reports the terminal outcome of an ad-hoc run. Intermediate
// retriable failures do not settle it; it resolves exactly once, on success
// or on the exhausted-retries/non-retriable failure, so a waiting caller
// never observes a failure for a run whose retry later succeeds.
type Handle struct {
	once sync.Once
	done chan struct{}

	mu  sync.Mutex
	err error
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// settle is nil-safe: poll-path runs carry no handle.
func (h *Handle) settle(err error) {
	if h == nil {
		return
	}
	h.once.Do(func() {
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		close(h.done)
	})
}

// Done is closed once the run has reached its terminal outcome.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the terminal outcome. Only meaningful after Done() closes.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Wait blocks until the run settles or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
