package queue

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"time"

	"golang.org/x/time/rate"

	logx "taskmill/pkg/logx"

	"sync"
)

// Callable is a unit of work accepted by the queue. The passed context is
// canceled on per-item timeout and on queue shutdown.
type Callable func(ctx context.Context) error

// Queue runs submitted callables with bounded concurrency, descending-priority
// ordering (FIFO among equal priorities), and an optional rate cap on starts.
//
// The queue owns no business logic; it only schedules opaque callables.
// All methods are safe for concurrent use.
type Queue struct {
	cfg     Config
	log     logx.Logger
	limiter *rate.Limiter

	mu       sync.Mutex
	items    itemHeap
	inFlight int
	paused   bool
	closed   bool
	seq      uint64
	waiters  []chan struct{}

	submitted uint64
	completed uint64
	failed    uint64
	timedOut  uint64
	cleared   uint64

	wake chan struct{}

	dispatchCtx    context.Context
	dispatchCancel context.CancelFunc
	dispatchDone   chan struct{}
}

type item struct {
	fn       Callable
	priority float64
	seq      uint64
	meta     Meta
	h        *Handle
}

// New creates a queue and starts its dispatcher.
func New(cfg Config, log logx.Logger) *Queue {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	q := &Queue{
		cfg:          cfg,
		log:          log.With(logx.String("queue", cfg.Name)),
		wake:         make(chan struct{}, 1),
		dispatchDone: make(chan struct{}),
	}
	if cfg.RateLimit > 0 {
		// Token bucket sized to allow at most RateLimit starts per RateInterval.
		q.limiter = rate.NewLimiter(rate.Every(cfg.RateInterval/time.Duration(cfg.RateLimit)), cfg.RateLimit)
	}
	q.dispatchCtx, q.dispatchCancel = context.WithCancel(context.Background())
	go q.dispatch()
	return q
}

// Submit enqueues work. The returned handle settles when the callable
// finishes, times out, or is cleared during shutdown.
func (q *Queue) Submit(fn Callable, priority float64, meta Meta) (*Handle, error) {
	if fn == nil {
		return nil, fmt.Errorf("queue %s: callable is nil", q.cfg.Name)
	}
	if math.IsNaN(priority) || math.IsInf(priority, 0) {
		return nil, ErrBadPriority
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	if q.cfg.MaxPending > 0 && q.items.Len() >= q.cfg.MaxPending {
		q.mu.Unlock()
		return nil, ErrFull
	}
	q.seq++
	it := &item{fn: fn, priority: priority, seq: q.seq, meta: meta, h: newHandle()}
	heap.Push(&q.items, it)
	q.submitted++
	q.mu.Unlock()

	q.signal()
	return it.h, nil
}

// Pause stops dispatching new items. Already-running items finish normally.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume re-enables dispatch after Pause.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.signal()
}

// Clear discards all not-yet-started items immediately; their handles settle
// with ErrCleared. Already-running items are not interrupted.
func (q *Queue) Clear() int {
	q.mu.Lock()
	dropped := make([]*item, 0, q.items.Len())
	for q.items.Len() > 0 {
		dropped = append(dropped, heap.Pop(&q.items).(*item))
	}
	q.cleared += uint64(len(dropped))
	q.notifyIdleLocked()
	q.mu.Unlock()

	for _, it := range dropped {
		it.h.settle(ErrCleared)
	}
	if len(dropped) > 0 {
		q.log.Debug("pending items cleared", logx.Int("count", len(dropped)))
	}
	return len(dropped)
}

// Drain blocks until the queue has no pending and no in-flight items, or ctx
// is done.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	if q.idleLocked() {
		q.mu.Unlock()
		return nil
	}
	w := make(chan struct{})
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	select {
	case <-w:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts the queue down permanently: pending items are cleared, the
// dispatcher exits, and running items get their context canceled. Subsequent
// Submit calls fail with ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.Clear()
	q.dispatchCancel()
	<-q.dispatchDone
}

// Stats returns a point-in-time view for health reporting. It never fails.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Name:      q.cfg.Name,
		Pending:   q.items.Len(),
		InFlight:  q.inFlight,
		Paused:    q.paused,
		Closed:    q.closed,
		Submitted: q.submitted,
		Completed: q.completed,
		Failed:    q.failed,
		TimedOut:  q.timedOut,
		Cleared:   q.cleared,
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) idleLocked() bool { return q.items.Len() == 0 && q.inFlight == 0 }

func (q *Queue) notifyIdleLocked() {
	if !q.idleLocked() {
		return
	}
	for _, w := range q.waiters {
		close(w)
	}
	q.waiters = nil
}

func (q *Queue) dispatch() {
	defer close(q.dispatchDone)
	ctx := q.dispatchCtx
	for {
		// Wait until there is dispatchable work.
		q.mu.Lock()
		for q.paused || q.inFlight >= q.cfg.Concurrency || q.items.Len() == 0 {
			q.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
			}
			q.mu.Lock()
		}
		q.mu.Unlock()

		// Reserve a rate token before committing to a start. A token spent on
		// a re-check miss (pause raced in) under-uses the budget but never
		// violates the cap.
		if q.limiter != nil {
			if err := q.limiter.Wait(ctx); err != nil {
				return
			}
		}

		q.mu.Lock()
		if q.paused || q.inFlight >= q.cfg.Concurrency || q.items.Len() == 0 {
			q.mu.Unlock()
			continue
		}
		it := heap.Pop(&q.items).(*item)
		q.inFlight++
		q.mu.Unlock()

		go q.runItem(ctx, it)
	}
}

func (q *Queue) runItem(parent context.Context, it *item) {
	start := time.Now()
	runCtx := parent
	var cancel context.CancelFunc
	if q.cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(parent, q.cfg.Timeout)
	}

	res := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				res <- fmt.Errorf("panic: %v", r)
			}
		}()
		res <- it.fn(runCtx)
	}()

	var err error
	timedOut := false
	select {
	case err = <-res:
	case <-runCtx.Done():
		// Reclaim the slot even if the callable never settles. It may keep
		// running in the background; its result is discarded.
		if cancel != nil && runCtx.Err() == context.DeadlineExceeded {
			timedOut = true
			err = fmt.Errorf("%w after %s", ErrTimeout, q.cfg.Timeout)
		} else {
			err = runCtx.Err()
		}
	}
	if cancel != nil {
		cancel()
	}

	it.h.settle(err)

	q.mu.Lock()
	q.inFlight--
	switch {
	case timedOut:
		q.timedOut++
	case err != nil:
		q.failed++
	default:
		q.completed++
	}
	q.notifyIdleLocked()
	q.mu.Unlock()
	q.signal()

	if err != nil {
		q.log.Debug("item settled with error",
			logx.String("task", it.meta.TaskID),
			logx.Bool("retry", it.meta.IsRetry),
			logx.Duration("dur", time.Since(start)),
			logx.Err(err))
	}
}

// itemHeap orders by descending priority; equal priorities dispatch FIFO by
// submission sequence so a burst of same-priority work cannot starve.
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
