package scheduler

import (
	"time"

	"taskmill/internal/task/priority"
	"taskmill/internal/task/queue"
	"taskmill/internal/task/retry"
)

// State is the scheduler lifecycle phase.
//
// Transitions: stopped → starting → running ↔ paused → draining → stopped.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateDraining State = "draining"
)

// Config carries the engine knobs. The zero value is usable; defaults match
// a small embedded deployment.
type Config struct {
	// PollInterval spaces poll cycles against the task store.
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`

	// DrainTimeout bounds shutdown: after it elapses, both queues are
	// force-cleared so Stop always returns.
	DrainTimeout time.Duration `json:"drain_timeout" yaml:"drain_timeout"`

	// Primary runs first attempts (poll-triggered and ad-hoc alike).
	Primary queue.Config `json:"primary" yaml:"primary"`

	// Retry runs resubmitted attempts at reduced concurrency so retries
	// cannot crowd out fresh work.
	Retry queue.Config `json:"retry" yaml:"retry"`

	RetryPolicy retry.Config     `json:"retry_policy" yaml:"retry_policy"`
	Priority    priority.Weights `json:"priority" yaml:"priority"`
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 60 * time.Second
	}

	if c.Primary.Name == "" {
		c.Primary.Name = "primary"
	}
	if c.Primary.Concurrency <= 0 {
		c.Primary.Concurrency = 3
	}
	if c.Primary.Timeout <= 0 {
		c.Primary.Timeout = 5 * time.Minute
	}
	if c.Primary.RateLimit == 0 {
		c.Primary.RateLimit = 10
		c.Primary.RateInterval = time.Minute
	}

	if c.Retry.Name == "" {
		c.Retry.Name = "retry"
	}
	if c.Retry.Concurrency <= 0 {
		c.Retry.Concurrency = 1
	}
	if c.Retry.Timeout <= 0 {
		c.Retry.Timeout = c.Primary.Timeout
	}
	return c
}

// Health aggregates the engine's operational view. Accessors that build it
// never fail; a stopped scheduler reports zeroed queue stats.
type Health struct {
	State   State       `json:"state"`
	Healthy bool        `json:"healthy"`
	Primary queue.Stats `json:"primary"`
	Retry   queue.Stats `json:"retry"`

	// RetryTimers counts retry resubmissions waiting on their backoff.
	RetryTimers int64 `json:"retry_timers"`
}

// Stats counts engine activity since Start.
type Stats struct {
	Polls            uint64 `json:"polls"`
	PollErrors       uint64 `json:"poll_errors"`
	TasksSubmitted   uint64 `json:"tasks_submitted"`
	TasksSucceeded   uint64 `json:"tasks_succeeded"`
	TasksFailed      uint64 `json:"tasks_failed"`
	RetriesScheduled uint64 `json:"retries_scheduled"`
}
