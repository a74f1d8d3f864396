package queue

import "time"

// Config controls a single execution queue instance.
type Config struct {
	// Name tags log lines and stats ("primary", "retry").
	Name string

	// Concurrency is the maximum number of callables running at once.
	Concurrency int

	// MaxPending bounds the not-yet-started backlog. 0 means unbounded.
	MaxPending int

	// Timeout bounds each callable. 0 disables the per-item timeout.
	Timeout time.Duration

	// RateLimit caps callable starts to RateLimit per RateInterval,
	// independent of Concurrency. Values <= 0 disable rate limiting.
	RateLimit    int
	RateInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "queue"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.RateLimit > 0 && c.RateInterval <= 0 {
		c.RateInterval = time.Minute
	}
	return c
}

// Meta carries observability context for a queued item. The queue never makes
// decisions based on it.
type Meta struct {
	TaskID  string
	Owner   string
	IsRetry bool
	Attempt int
}

// Stats is a point-in-time view for health reporting.
type Stats struct {
	Name     string `json:"name"`
	Pending  int    `json:"pending"`
	InFlight int    `json:"in_flight"`
	Paused   bool   `json:"paused"`
	Closed   bool   `json:"closed"`

	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	TimedOut  uint64 `json:"timed_out"`
	Cleared   uint64 `json:"cleared"`
}

// Idle reports no pending and no in-flight work.
func (s Stats) Idle() bool { return s.Pending == 0 && s.InFlight == 0 }
