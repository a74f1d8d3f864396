package retry

import (
	"errors"
	"testing"
	"time"

	"taskmill/internal/domain"
)

func TestDecideTerminalAtMaxRetries(t *testing.T) {
	t.Parallel()
	p := NewPolicy(Config{MaxRetries: 3})

	err := errors.New("connection reset")
	d := p.Decide(domain.Task{ID: "t1"}, err, 3)
	if d.ShouldRetry {
		t.Fatal("attempt at budget must be terminal")
	}
	d = p.Decide(domain.Task{ID: "t1"}, err, 5)
	if d.ShouldRetry {
		t.Fatal("attempt past budget must be terminal")
	}
}

func TestDecideNonRetriableShortCircuit(t *testing.T) {
	t.Parallel()
	p := NewPolicy(Config{MaxRetries: 3})

	d := p.Decide(domain.Task{ID: "t1"}, errors.New("unauthorized: bad token"), 1)
	if d.ShouldRetry {
		t.Fatal("non-retriable error must be terminal even on attempt 1")
	}
}

func TestDecideNetworkTimeoutScenario(t *testing.T) {
	t.Parallel()
	p := NewPolicy(Config{MaxRetries: 3})
	task := domain.Task{ID: "t1"}
	err := errors.New("Network timeout")

	d := p.Decide(task, err, 1)
	if !d.ShouldRetry || d.NextAttempt != 2 {
		t.Fatalf("attempt 1: got %+v, want retry with next attempt 2", d)
	}
	d = p.Decide(task, err, 2)
	if !d.ShouldRetry || d.NextAttempt != 3 {
		t.Fatalf("attempt 2: got %+v, want retry with next attempt 3", d)
	}
	d = p.Decide(task, err, 3)
	if d.ShouldRetry {
		t.Fatal("attempt 3 of 3 must be terminal")
	}
}

func TestNoRetryAlwaysTerminal(t *testing.T) {
	t.Parallel()
	p := NewPolicy(Config{MaxRetries: 3})

	err := NoRetry(errors.New("connection reset")) // retriable category, explicit override
	if p.IsRetriable(err) {
		t.Fatal("NoRetry-wrapped error must not be retriable")
	}
	if d := p.Decide(domain.Task{}, err, 1); d.ShouldRetry {
		t.Fatal("NoRetry-wrapped error must be terminal")
	}
}

func TestComputeDelayMonotonicAndCapped(t *testing.T) {
	t.Parallel()
	cfg := Config{Base: 100 * time.Millisecond, Cap: 2 * time.Second, JitterMax: 50 * time.Millisecond}
	p := NewPolicy(cfg)

	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := p.ComputeDelay(attempt)
		if d > cfg.Cap {
			t.Fatalf("ComputeDelay(%d) = %v exceeds cap %v", attempt, d, cfg.Cap)
		}
		if d < prev-cfg.JitterMax {
			t.Fatalf("ComputeDelay(%d) = %v not monotonic (prev %v, jitter %v)", attempt, d, prev, cfg.JitterMax)
		}
		prev = d
	}
}

func TestDecideRespectsRetryAfterHint(t *testing.T) {
	t.Parallel()
	p := NewPolicy(Config{MaxRetries: 3, Cap: 10 * time.Second, JitterMax: 100 * time.Millisecond})

	hint := 3 * time.Second
	err := RetryAfter(errors.New("downstream busy, retry later"), hint)
	d := p.Decide(domain.Task{}, err, 1)
	if !d.ShouldRetry {
		t.Fatal("hinted transient error should retry")
	}
	if d.Delay < hint || d.Delay > hint+100*time.Millisecond {
		t.Fatalf("Delay = %v, want within [%v, %v]", d.Delay, hint, hint+100*time.Millisecond)
	}
}

func TestDecidePriorityHook(t *testing.T) {
	t.Parallel()
	p := NewPolicy(Config{MaxRetries: 3})
	p.PriorityFor = func(task domain.Task, attempt int, now time.Time) float64 {
		return float64(100 - attempt)
	}

	d := p.Decide(domain.Task{}, errors.New("timeout"), 1)
	if !d.ShouldRetry || d.Priority != 98 {
		t.Fatalf("got %+v, want priority 98 for attempt 2", d)
	}
}
