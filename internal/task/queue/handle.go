package queue

import (
	"context"
	"sync"
)

// Handle settles exactly once when its callable finishes, times out, or is
// cleared during shutdown.
type Handle struct {
	once sync.Once
	done chan struct{}

	mu  sync.Mutex
	err error
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

func (h *Handle) settle(err error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		close(h.done)
	})
}

// Done is closed once the item has settled.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Settled reports whether the item has settled without blocking.
func (h *Handle) Settled() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Err returns the item's outcome. It is only meaningful after Done() closes:
// nil means the callable returned successfully.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Wait blocks until the item settles or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
