// Package app assembles the engine: one store, one notification pipeline,
// one scheduler, shared by every entry point in the process.
package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskmill/internal/config"
	"taskmill/internal/domain"
	"taskmill/internal/eventbus"
	"taskmill/internal/notify"
	"taskmill/internal/store"
	"taskmill/internal/task/queue"
	"taskmill/internal/task/runner"
	"taskmill/internal/task/scheduler"
	logx "taskmill/pkg/logx"
)

var ErrNotInitialized = errors.New("manager is not initialized")

// Manager is the process-wide facade over the scheduler. Initialize and
// Shutdown each run at most once; every consumer (poll loop, webhook path,
// API) shares the single scheduler instance behind it.
type Manager struct {
	cfg  *config.Config
	exec runner.Executor
	log  logx.Logger
	bus  eventbus.Bus

	initOnce sync.Once
	stopOnce sync.Once
	initErr  error

	mu    sync.RWMutex
	store store.Store
	sched *scheduler.Scheduler
	run   *runner.Runner
}

func NewManager(cfg *config.Config, exec runner.Executor, log logx.Logger, bus eventbus.Bus) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{cfg: cfg, exec: exec, log: log, bus: bus}
}

// Initialize opens the store, wires the notification sinks, and starts the
// scheduler. Safe to call more than once; only the first call does work.
func (m *Manager) Initialize(ctx context.Context) error {
	m.initOnce.Do(func() { m.initErr = m.initialize(ctx) })
	return m.initErr
}

func (m *Manager) initialize(ctx context.Context) error {
	storeCfg, err := m.cfg.Store.Build()
	if err != nil {
		return err
	}
	st, err := store.Open(ctx, storeCfg, m.log.With(logx.String("comp", "store")))
	if err != nil {
		return err
	}

	sink, err := m.buildSink()
	if err != nil {
		_ = st.Close()
		return err
	}

	engCfg, err := m.cfg.Engine.Build()
	if err != nil {
		_ = st.Close()
		return err
	}

	run := runner.New(st, sink, m.bus, m.log.With(logx.String("comp", "runner")))
	sched := scheduler.New(engCfg, st, m.exec, run, m.log.With(logx.String("comp", "scheduler")), m.bus)
	if err := sched.Start(ctx); err != nil {
		_ = st.Close()
		return err
	}

	m.mu.Lock()
	m.store = st
	m.sched = sched
	m.run = run
	m.mu.Unlock()
	return nil
}

func (m *Manager) buildSink() (notify.Sink, error) {
	var sinks []notify.Sink

	whCfg, err := m.cfg.Notify.BuildWebhook()
	if err != nil {
		return nil, err
	}
	if whCfg != nil {
		sinks = append(sinks, notify.NewWebhook(*whCfg, m.log.With(logx.String("comp", "notify.webhook"))))
	}
	if tgCfg := m.cfg.Notify.BuildTelegram(); tgCfg != nil {
		tg, err := notify.NewTelegram(*tgCfg, m.log.With(logx.String("comp", "notify.telegram")))
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, tg)
	}

	switch len(sinks) {
	case 0:
		return notify.Nop(), nil
	case 1:
		return sinks[0], nil
	default:
		return notify.Multi(m.log.With(logx.String("comp", "notify")), sinks...), nil
	}
}

// Shutdown drains the scheduler and closes the store. Idempotent.
func (m *Manager) Shutdown(ctx context.Context) error {
	var err error
	m.stopOnce.Do(func() {
		m.mu.RLock()
		sched, st := m.sched, m.store
		m.mu.RUnlock()

		if sched != nil {
			err = sched.Stop(ctx)
		}
		if st != nil {
			if cerr := st.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}

func (m *Manager) scheduler() (*scheduler.Scheduler, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.sched == nil {
		return nil, ErrNotInitialized
	}
	return m.sched, nil
}

// Store exposes the task store for CRUD surfaces (API handlers).
func (m *Manager) Store() (store.Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.store == nil {
		return nil, ErrNotInitialized
	}
	return m.store, nil
}

func (m *Manager) Pause() error {
	s, err := m.scheduler()
	if err != nil {
		return err
	}
	return s.Pause()
}

func (m *Manager) Resume() error {
	s, err := m.scheduler()
	if err != nil {
		return err
	}
	return s.Resume()
}

// AddTask injects ad-hoc work into the primary queue under the descriptor's
// identity, so webhook-triggered work shares the polled work's concurrency
// and rate limits. A zero descriptor gets a generated ID and webhook trigger.
func (m *Manager) AddTask(fn queue.Callable, d domain.Task) (*queue.Handle, error) {
	s, err := m.scheduler()
	if err != nil {
		return nil, err
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Trigger == "" {
		d.Trigger = domain.TriggerWebhook
	}
	return s.SubmitCallable(fn, d)
}

// TriggerTask runs a stored task now, outside its schedule. The task goes
// through the full runner/retry pipeline with the given trigger's priority.
// The scheduler claims the task first; store.ErrBusy means it is already in
// flight. The returned handle settles on the terminal outcome only.
func (m *Manager) TriggerTask(ctx context.Context, id, owner string, trigger domain.TriggerKind) (*scheduler.Handle, error) {
	s, err := m.scheduler()
	if err != nil {
		return nil, err
	}
	st, err := m.Store()
	if err != nil {
		return nil, err
	}

	t, err := st.GetTask(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	if !t.Enabled {
		return nil, store.ErrDisabled
	}
	if trigger == "" {
		trigger = domain.TriggerWebhook
	}
	t.Trigger = trigger
	t.NextRunAt = time.Now()
	return s.SubmitAdhoc(ctx, t)
}

// Health aggregates scheduler and queue state. Never fails; before
// Initialize it reports a stopped engine.
func (m *Manager) Health() scheduler.Health {
	m.mu.RLock()
	s := m.sched
	m.mu.RUnlock()
	if s == nil {
		return scheduler.Health{State: scheduler.StateStopped}
	}
	return s.Health()
}

func (m *Manager) Stats() scheduler.Stats {
	m.mu.RLock()
	s := m.sched
	m.mu.RUnlock()
	if s == nil {
		return scheduler.Stats{}
	}
	return s.Stats()
}
