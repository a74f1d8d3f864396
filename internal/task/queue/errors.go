package queue

import "errors"

var (
	// ErrClosed is returned by Submit after the queue has been shut down
	// permanently. This is the only queue-level misuse error; business-logic
	// failures are always delivered through the item's handle instead.
	ErrClosed = errors.New("execution queue closed")

	// ErrFull is returned by Submit when the pending backlog is at capacity.
	ErrFull = errors.New("execution queue full")

	// ErrBadPriority is returned by Submit for NaN or infinite priorities.
	ErrBadPriority = errors.New("priority must be a finite number")

	// ErrTimeout settles an item whose callable did not finish within the
	// per-item timeout. The concurrency slot is reclaimed; the callable may
	// keep running in the background and its result is discarded.
	ErrTimeout = errors.New("execution timed out")

	// ErrCleared settles items discarded by Clear() before they started.
	ErrCleared = errors.New("execution cleared before start")
)
