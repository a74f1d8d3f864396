// Package priority maps task context to a sortable queue priority.
//
// The exact weights are tuning knobs exposed as configuration, not a
// correctness contract. The invariants that hold for any sane weighting:
// webhook work outranks routine polled work, more-overdue tasks outrank
// less-overdue ones, and later retry attempts rank below earlier ones while
// never dropping below the floor (so a struggling task still runs).
package priority

import (
	"time"

	"taskmill/internal/domain"
)

// Weights configures the priority function.
type Weights struct {
	// Base priority per trigger kind.
	Scheduled float64
	Manual    float64
	Webhook   float64

	// OverduePerMinute boosts a task proportionally to how late it is,
	// preventing indefinite starvation under load.
	OverduePerMinute float64
	// OverdueCap bounds the lateness boost.
	OverdueCap float64

	// RetryPenalty is subtracted per completed attempt so first-time work is
	// preferred over repeatedly-failing work.
	RetryPenalty float64
	// Floor is the minimum priority; retries never sink below it.
	Floor float64
}

// DefaultWeights mirrors the saaskit queue priority bands (0..100 scale).
func DefaultWeights() Weights {
	return Weights{
		Scheduled:        50,
		Manual:           75,
		Webhook:          100,
		OverduePerMinute: 1,
		OverdueCap:       20,
		RetryPenalty:     15,
		Floor:            1,
	}
}

func (w Weights) withDefaults() Weights {
	d := DefaultWeights()
	if w.Scheduled == 0 && w.Manual == 0 && w.Webhook == 0 {
		w.Scheduled, w.Manual, w.Webhook = d.Scheduled, d.Manual, d.Webhook
	}
	if w.OverduePerMinute <= 0 {
		w.OverduePerMinute = d.OverduePerMinute
	}
	if w.OverdueCap <= 0 {
		w.OverdueCap = d.OverdueCap
	}
	if w.RetryPenalty <= 0 {
		w.RetryPenalty = d.RetryPenalty
	}
	if w.Floor <= 0 {
		w.Floor = d.Floor
	}
	return w
}

// Function computes queue priorities from task attributes. Zero configuration
// is usable (defaults applied).
type Function struct {
	w Weights
}

func New(w Weights) *Function {
	return &Function{w: w.withDefaults()}
}

// Compute returns the priority for the given attempt of a task (attempt is
// 1-based; 1 means first run, so no retry penalty applies).
func (f *Function) Compute(t domain.Task, attempt int, now time.Time) float64 {
	p := f.base(t.Trigger)

	if !t.NextRunAt.IsZero() && now.After(t.NextRunAt) {
		boost := now.Sub(t.NextRunAt).Minutes() * f.w.OverduePerMinute
		if boost > f.w.OverdueCap {
			boost = f.w.OverdueCap
		}
		p += boost
	}

	if attempt > 1 {
		p -= float64(attempt-1) * f.w.RetryPenalty
	}

	if p < f.w.Floor {
		p = f.w.Floor
	}
	return p
}

func (f *Function) base(k domain.TriggerKind) float64 {
	switch k {
	case domain.TriggerWebhook:
		return f.w.Webhook
	case domain.TriggerManual:
		return f.w.Manual
	default:
		return f.w.Scheduled
	}
}
