package retry

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"taskmill/internal/domain"
)

// Config controls the retry policy.
type Config struct {
	// MaxRetries is the attempt budget. An attempt number >= MaxRetries is
	// terminal.
	MaxRetries int

	// Base is the backoff unit: delay = min(2^attempt * Base + jitter, Cap).
	Base time.Duration

	// Cap bounds the worst-case delay (and so worst-case staleness).
	Cap time.Duration

	// JitterMax bounds the random component added to every delay, preventing
	// thundering-herd resubmission when many tasks fail together.
	JitterMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.Base <= 0 {
		c.Base = 500 * time.Millisecond
	}
	if c.Cap <= 0 {
		c.Cap = time.Minute
	}
	if c.JitterMax < 0 {
		c.JitterMax = 0
	} else if c.JitterMax == 0 {
		c.JitterMax = time.Second
	}
	return c
}

// Decision is produced per failure and consumed immediately: either resubmit
// with the given delay/priority, or propagate the original error as terminal.
type Decision struct {
	ShouldRetry bool
	NextAttempt int
	Delay       time.Duration
	Priority    float64
}

// Policy is pure decision logic: is an error retriable, what is the backoff
// delay, has the attempt budget been exhausted. Safe for concurrent use.
type Policy struct {
	cfg Config

	// PriorityFor computes the queue priority for a resubmission. Nil means
	// priority 0.
	PriorityFor func(t domain.Task, attempt int, now time.Time) float64

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewPolicy(cfg Config) *Policy {
	return &Policy{
		cfg: cfg.withDefaults(),
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p *Policy) MaxRetries() int { return p.cfg.MaxRetries }

// IsRetriable classifies err. NoRetry-wrapped errors are always terminal.
func (p *Policy) IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	if IsNoRetry(err) {
		return false
	}
	return Classify(err).Retriable()
}

// ComputeDelay returns the backoff before retry number attempt (1-based).
// The result never exceeds Cap.
func (p *Policy) ComputeDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.cfg.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.cfg.Cap {
			d = p.cfg.Cap
			break
		}
	}
	d += p.jitter()
	if d > p.cfg.Cap {
		d = p.cfg.Cap
	}
	return d
}

// Decide returns the retry decision for a failed attempt (1-based).
//
// A terminal decision means the original error must propagate to the caller;
// it is never swallowed here.
func (p *Policy) Decide(t domain.Task, err error, attempt int) Decision {
	if attempt >= p.cfg.MaxRetries || !p.IsRetriable(err) {
		return Decision{ShouldRetry: false, NextAttempt: attempt}
	}

	next := attempt + 1
	delay := p.ComputeDelay(attempt)

	// Respect explicit retry-after hints from downstream systems, still
	// jittered and bounded by the cap.
	var ra RetryAfterError
	if errors.As(err, &ra) {
		delay = ra.RetryAfter() + p.jitter()
		if delay > p.cfg.Cap {
			delay = p.cfg.Cap
		}
	}

	var prio float64
	if p.PriorityFor != nil {
		prio = p.PriorityFor(t, next, time.Now())
	}
	return Decision{ShouldRetry: true, NextAttempt: next, Delay: delay, Priority: prio}
}

func (p *Policy) jitter() time.Duration {
	if p.cfg.JitterMax <= 0 {
		return 0
	}
	p.rngMu.Lock()
	j := time.Duration(p.rng.Int63n(int64(p.cfg.JitterMax)))
	p.rngMu.Unlock()
	return j
}
