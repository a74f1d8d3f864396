package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"taskmill/internal/domain"
	"taskmill/internal/eventbus"
	"taskmill/internal/notify"
	"taskmill/internal/store"
	"taskmill/internal/task/queue"
	"taskmill/internal/task/retry"
	"taskmill/internal/task/runner"
	logx "taskmill/pkg/logx"
)

// testConfig keeps poll cycles and retry backoffs short so tests settle fast.
// JitterMax < 0 disables jitter entirely for determinism.
func testConfig() Config {
	return Config{
		PollInterval: 20 * time.Millisecond,
		DrainTimeout: time.Second,
		Primary: queue.Config{
			Name:        "primary",
			Concurrency: 3,
			Timeout:     2 * time.Second,
			RateLimit:   -1,
		},
		Retry: queue.Config{
			Name:        "retry",
			Concurrency: 1,
			Timeout:     2 * time.Second,
			RateLimit:   -1,
		},
		RetryPolicy: retry.Config{
			MaxRetries: 3,
			Base:       time.Millisecond,
			Cap:        10 * time.Millisecond,
			JitterMax:  -1,
		},
	}
}

type stubExecutor struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, t domain.Task) (string, error)
}

func (s *stubExecutor) Execute(ctx context.Context, t domain.Task) (string, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	fn := s.fn
	s.mu.Unlock()
	if fn == nil {
		return "ok", nil
	}
	return fn(call, t)
}

func (s *stubExecutor) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestScheduler(t *testing.T, st store.Store, exec runner.Executor, cfg Config) *Scheduler {
	t.Helper()
	run := runner.New(st, notify.Nop(), nil, logx.Nop())
	return New(cfg, st, exec, run, logx.Nop(), nil)
}

func dueTask(id string) domain.Task {
	return domain.Task{
		ID:        id,
		Owner:     "alice",
		Trigger:   domain.TriggerScheduled,
		Status:    domain.TaskPending,
		Enabled:   true,
		NextRunAt: time.Now().Add(-time.Second),
		CreatedAt: time.Now(),
	}
}

func waitForStatus(t *testing.T, st store.Store, id string, want domain.TaskStatus) domain.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := st.GetTask(context.Background(), id, "")
		if err == nil && got.Status == want {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	got, err := st.GetTask(context.Background(), id, "")
	t.Fatalf("task %s never reached %s (last: %+v, err %v)", id, want, got, err)
	return domain.Task{}
}

func TestRunsDueTaskToCompletion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()
	_ = st.SaveTask(ctx, dueTask("t1"))

	exec := &stubExecutor{}
	s := newTestScheduler(t, st, exec, testConfig())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = s.Stop(ctx) }()

	got := waitForStatus(t, st, "t1", domain.TaskCompleted)
	if got.Enabled {
		t.Fatal("one-shot task must be disabled after completion")
	}
	if exec.callCount() != 1 {
		t.Fatalf("executor calls = %d, want 1", exec.callCount())
	}

	execs, err := st.ListExecutions(ctx, "t1", 10)
	if err != nil || len(execs) != 1 {
		t.Fatalf("executions = %v, %v, want exactly one", execs, err)
	}
	if execs[0].Status != domain.ExecutionCompleted || execs[0].Output != "ok" {
		t.Fatalf("execution = %+v, want completed with output", execs[0])
	}
}

func TestRetriableFailureEventuallySucceeds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()
	_ = st.SaveTask(ctx, dueTask("t1"))

	exec := &stubExecutor{fn: func(call int, _ domain.Task) (string, error) {
		if call < 3 {
			return "", errors.New("connection refused")
		}
		return "recovered", nil
	}}
	s := newTestScheduler(t, st, exec, testConfig())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = s.Stop(ctx) }()

	waitForStatus(t, st, "t1", domain.TaskCompleted)
	if exec.callCount() != 3 {
		t.Fatalf("executor calls = %d, want 3", exec.callCount())
	}
	if s.Stats().RetriesScheduled != 2 {
		t.Fatalf("retries scheduled = %d, want 2", s.Stats().RetriesScheduled)
	}
}

func TestExhaustedRetriesMarkFailed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()
	_ = st.SaveTask(ctx, dueTask("t1"))

	exec := &stubExecutor{fn: func(int, domain.Task) (string, error) {
		return "", errors.New("connection refused")
	}}
	s := newTestScheduler(t, st, exec, testConfig())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = s.Stop(ctx) }()

	got := waitForStatus(t, st, "t1", domain.TaskFailed)
	if got.Enabled {
		t.Fatal("failed one-shot task must be disabled")
	}
	if exec.callCount() != 3 {
		t.Fatalf("executor calls = %d, want max retries 3", exec.callCount())
	}
}

func TestNonRetriableFailsOnFirstAttempt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()
	_ = st.SaveTask(ctx, dueTask("t1"))

	exec := &stubExecutor{fn: func(int, domain.Task) (string, error) {
		return "", retry.NoRetry(errors.New("bad payload"))
	}}
	s := newTestScheduler(t, st, exec, testConfig())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = s.Stop(ctx) }()

	waitForStatus(t, st, "t1", domain.TaskFailed)
	if exec.callCount() != 1 {
		t.Fatalf("executor calls = %d, want 1 (no retries)", exec.callCount())
	}
}

func TestStartIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestScheduler(t, store.NewMemory(), &stubExecutor{}, testConfig())

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if got := s.State(); got != StateRunning {
		t.Fatalf("state = %s, want running", got)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if got := s.State(); got != StateStopped {
		t.Fatalf("state = %s, want stopped", got)
	}
}

func TestPauseResumeTransitions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestScheduler(t, store.NewMemory(), &stubExecutor{}, testConfig())

	if err := s.Pause(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Pause while stopped = %v, want ErrNotRunning", err)
	}

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = s.Stop(ctx) }()

	if err := s.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if got := s.State(); got != StatePaused {
		t.Fatalf("state = %s, want paused", got)
	}
	if err := s.Pause(); err != nil {
		t.Fatalf("Pause twice: %v", err)
	}
	if err := s.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got := s.State(); got != StateRunning {
		t.Fatalf("state = %s, want running", got)
	}
}

func TestStopReturnsWithinDrainTimeout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()
	_ = st.SaveTask(ctx, dueTask("hung"))

	block := make(chan struct{})
	defer close(block)
	exec := &stubExecutor{fn: func(_ int, _ domain.Task) (string, error) {
		<-block
		return "", nil
	}}

	cfg := testConfig()
	cfg.DrainTimeout = 100 * time.Millisecond
	s := newTestScheduler(t, st, exec, cfg)
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Let the hung task get picked up.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && exec.callCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if exec.callCount() == 0 {
		t.Fatal("task never started")
	}

	start := time.Now()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if took := time.Since(start); took > 3*time.Second {
		t.Fatalf("Stop took %v, want bounded by drain timeout", took)
	}
	if got := s.State(); got != StateStopped {
		t.Fatalf("state = %s, want stopped", got)
	}
}

func TestPollSurvivesStoreErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := &flakyStore{Store: store.NewMemory()}

	s := newTestScheduler(t, st, &stubExecutor{}, testConfig())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = s.Stop(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && s.Stats().PollErrors < 2 {
		time.Sleep(10 * time.Millisecond)
	}
	if s.Stats().PollErrors < 2 {
		t.Fatal("poll loop did not keep running through store errors")
	}
	if h := s.Health(); !h.Healthy {
		t.Fatalf("health = %+v, want healthy despite poll errors", h)
	}
}

func TestHealthNeverFails(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, store.NewMemory(), &stubExecutor{}, testConfig())

	h := s.Health()
	if h.State != StateStopped || h.Healthy {
		t.Fatalf("stopped health = %+v", h)
	}
	if st := s.Stats(); st.Polls != 0 {
		t.Fatalf("stopped stats = %+v", st)
	}
}

// futureTask is stored but not due, so only ad-hoc submission can run it.
func futureTask(id string) domain.Task {
	t := dueTask(id)
	t.NextRunAt = time.Now().Add(time.Hour)
	return t
}

func TestSubmitAdhocSharesPrimaryQueue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()
	exec := &stubExecutor{}
	s := newTestScheduler(t, st, exec, testConfig())

	if _, err := s.SubmitAdhoc(ctx, dueTask("adhoc")); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("SubmitAdhoc while stopped = %v, want ErrNotRunning", err)
	}

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = s.Stop(ctx) }()

	task := futureTask("adhoc")
	task.Trigger = domain.TriggerWebhook
	_ = st.SaveTask(ctx, task)

	h, err := s.SubmitAdhoc(ctx, task)
	if err != nil {
		t.Fatalf("SubmitAdhoc: %v", err)
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.Wait(wctx); err != nil {
		t.Fatalf("adhoc task error = %v", err)
	}
	if ps := s.Health().Primary; ps.Submitted == 0 {
		t.Fatal("ad-hoc submission did not go through the primary queue")
	}
}

func TestSubmitAdhocRejectsInFlightTask(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()
	_ = st.SaveTask(ctx, dueTask("dup"))

	block := make(chan struct{})
	exec := &stubExecutor{fn: func(int, domain.Task) (string, error) {
		<-block
		return "ok", nil
	}}
	s := newTestScheduler(t, st, exec, testConfig())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = s.Stop(ctx) }()

	// Wait until the poll cycle has the task in flight.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && exec.callCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if exec.callCount() == 0 {
		t.Fatal("task never started")
	}

	// The running task must not get a second concurrent run.
	task, _ := st.GetTask(ctx, "dup", "alice")
	if _, err := s.SubmitAdhoc(ctx, task); !errors.Is(err, store.ErrBusy) {
		t.Fatalf("SubmitAdhoc of running task = %v, want ErrBusy", err)
	}

	close(block)
	waitForStatus(t, st, "dup", domain.TaskCompleted)
	if exec.callCount() != 1 {
		t.Fatalf("executor calls = %d, want 1", exec.callCount())
	}
}

func TestAdhocWaitSpansRetries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()
	_ = st.SaveTask(ctx, futureTask("flaky"))

	exec := &stubExecutor{fn: func(call int, _ domain.Task) (string, error) {
		if call == 1 {
			return "", errors.New("connection refused")
		}
		return "recovered", nil
	}}
	s := newTestScheduler(t, st, exec, testConfig())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = s.Stop(ctx) }()

	task, _ := st.GetTask(ctx, "flaky", "alice")
	h, err := s.SubmitAdhoc(ctx, task)
	if err != nil {
		t.Fatalf("SubmitAdhoc: %v", err)
	}

	// The handle settles with the terminal outcome, not the first attempt's
	// retriable failure.
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.Wait(wctx); err != nil {
		t.Fatalf("terminal outcome = %v, want nil after retry succeeds", err)
	}
	if exec.callCount() != 2 {
		t.Fatalf("executor calls = %d, want 2", exec.callCount())
	}
	waitForStatus(t, st, "flaky", domain.TaskCompleted)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && s.Health().RetryTimers != 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if n := s.Health().RetryTimers; n != 0 {
		t.Fatalf("retry timers = %d, want 0 once settled", n)
	}
}

func TestAdhocWaitReportsTerminalFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()
	_ = st.SaveTask(ctx, futureTask("doomed"))

	exec := &stubExecutor{fn: func(int, domain.Task) (string, error) {
		return "", retry.NoRetry(errors.New("bad payload"))
	}}
	s := newTestScheduler(t, st, exec, testConfig())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = s.Stop(ctx) }()

	task, _ := st.GetTask(ctx, "doomed", "alice")
	h, err := s.SubmitAdhoc(ctx, task)
	if err != nil {
		t.Fatalf("SubmitAdhoc: %v", err)
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.Wait(wctx); err == nil {
		t.Fatal("terminal failure must surface through the handle")
	}
	if exec.callCount() != 1 {
		t.Fatalf("executor calls = %d, want 1 (no retries)", exec.callCount())
	}
}

func TestStopFromPausedStillDrains(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()
	cfg := testConfig()
	cfg.DrainTimeout = 3 * time.Second
	s := newTestScheduler(t, st, &stubExecutor{}, cfg)

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	var ran int32
	if _, err := s.SubmitCallable(func(context.Context) error {
		atomic.AddInt32(&ran, 1)
		return nil
	}, futureTask("held")); err != nil {
		t.Fatalf("SubmitCallable: %v", err)
	}

	// Stop from paused must run the held work instead of sitting out the
	// whole drain timeout.
	start := time.Now()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if took := time.Since(start); took > 2*time.Second {
		t.Fatalf("Stop from paused took %v, want a quick drain", took)
	}
	if atomic.LoadInt32(&ran) != 1 {
		t.Fatal("held item did not run during drain")
	}
}

func TestStopPublishesDropEvent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()
	_ = st.SaveTask(ctx, dueTask("runs"))
	_ = st.SaveTask(ctx, dueTask("waits"))

	block := make(chan struct{})
	defer close(block)
	exec := &stubExecutor{fn: func(int, domain.Task) (string, error) {
		<-block
		return "", nil
	}}

	cfg := testConfig()
	cfg.Primary.Concurrency = 1
	cfg.DrainTimeout = 100 * time.Millisecond
	bus := eventbus.New()
	run := runner.New(st, notify.Nop(), nil, logx.Nop())
	s := New(cfg, st, exec, run, logx.Nop(), bus)

	dropped, unsub := bus.Subscribe(8, eventbus.TypeTaskDropped)
	defer unsub()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// One task hangs in the only slot; the other stays pending.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && exec.callCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if exec.callCount() == 0 {
		t.Fatal("no task started")
	}

	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case e := <-dropped:
		d, ok := e.Data.(DropEvent)
		if !ok || d.Cleared < 1 {
			t.Fatalf("drop event = %+v, want cleared count >= 1", e.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("force-clear did not publish a drop event")
	}
}

// flakyStore fails every fetch; everything else delegates.
type flakyStore struct {
	store.Store
}

func (f *flakyStore) FetchReadyTasks(ctx context.Context, now time.Time) ([]domain.Task, error) {
	return nil, errors.New("store unreachable")
}
