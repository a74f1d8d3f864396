package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// TriggerKind describes where a task run originates from.
type TriggerKind string

const (
	// TriggerScheduled is routine work picked up by the poll loop.
	TriggerScheduled TriggerKind = "scheduled"
	// TriggerWebhook is ad-hoc work injected by the chat host's webhook path.
	TriggerWebhook TriggerKind = "webhook"
	// TriggerManual is work started explicitly by a user action.
	TriggerManual TriggerKind = "manual"
)

func ParseTriggerKind(s string) TriggerKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "webhook":
		return TriggerWebhook
	case "manual":
		return TriggerManual
	default:
		return TriggerScheduled
	}
}

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Task is a user-defined unit of scheduled work. The engine holds a read-only
// snapshot per poll cycle; the task store owns persistence.
type Task struct {
	ID          string      `json:"id"`
	Owner       string      `json:"owner"`
	DisplayName string      `json:"display_name"`
	Trigger     TriggerKind `json:"trigger"`

	// Type selects the work executor behavior (e.g. "prompt", "command",
	// "api"). Opaque to the engine.
	Type string `json:"type,omitempty"`
	// Payload is executor input. Opaque to the engine.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Schedule is the recurrence descriptor (cron spec or "@every <dur>").
	// The engine never interprets it; the store computes the next run.
	Schedule  string    `json:"schedule,omitempty"`
	Recurring bool      `json:"recurring"`
	NextRunAt time.Time `json:"next_run_at"`
	LastRunAt time.Time `json:"last_run_at,omitzero"`

	Status  TaskStatus `json:"status"`
	Enabled bool       `json:"enabled"`

	// ConversationID routes result delivery back to the originating chat.
	ConversationID string `json:"conversation_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Ready reports whether the task is due at the given instant.
func (t Task) Ready(now time.Time) bool {
	return t.Enabled && t.Status != TaskRunning && !t.NextRunAt.IsZero() && !t.NextRunAt.After(now)
}

type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Execution records a single run attempt of a task.
//
// Lifecycle: created at submission time with status=running; transitions
// exactly once to completed or failed; immutable thereafter.
type Execution struct {
	ID         string          `json:"id"`
	TaskID     string          `json:"task_id"`
	Owner      string          `json:"owner"`
	Status     ExecutionStatus `json:"status"`
	StartTime  time.Time       `json:"start_time"`
	EndTime    time.Time       `json:"end_time,omitzero"`
	DurationMS int64           `json:"duration_ms"`
	Output     string          `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
}
