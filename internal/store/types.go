package store

import (
	"context"
	"errors"
	"time"

	"taskmill/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	ErrDisabled = errors.New("storage disabled")
	// ErrBusy means a claim lost the race: the task is already running.
	ErrBusy = errors.New("task is already running")
)

// Config configures the task store.
//
// Driver values:
//   - "memory": in-process store (tests, ephemeral deployments)
//   - "sqlite": SQLite database file (embedded deployments)
//   - "mongo":  the chat host's MongoDB (shared collections)
type Config struct {
	Driver string

	// Path is the database file (sqlite).
	Path string
	// BusyTimeout is sqlite-only; 0 means default.
	BusyTimeout time.Duration

	// URI and Database select the mongo deployment.
	URI      string
	Database string
}

// Store persists task definitions and execution records. It is the engine's
// only data source/sink; the engine never touches storage directly.
//
// Concurrency contract: FetchReadyTasks atomically claims every task it
// returns (CAS on the status field), so a task already in flight is never
// re-offered to a second poll cycle.
type Store interface {
	// FetchReadyTasks returns enabled tasks whose next run is due, marking
	// each returned task status=running in the same step.
	FetchReadyTasks(ctx context.Context, now time.Time) ([]domain.Task, error)

	// ClaimTask marks one task status=running iff it is not already running,
	// with the same CAS guarantee as FetchReadyTasks. Ad-hoc triggers claim
	// through here so a due task cannot also be picked up by a poll cycle.
	// Returns ErrBusy when the task is already in flight.
	ClaimTask(ctx context.Context, id, owner string) error

	SaveTask(ctx context.Context, t domain.Task) error
	GetTask(ctx context.Context, id, owner string) (domain.Task, error)
	ListTasks(ctx context.Context, owner string) ([]domain.Task, error)
	DeleteTask(ctx context.Context, id, owner string) error

	// UpdateTaskStatus transitions a task's status (e.g. to failed after
	// retries are exhausted).
	UpdateTaskStatus(ctx context.Context, id, owner string, status domain.TaskStatus) error

	// CompleteTask records a successful run: recurring tasks get their next
	// run computed from the schedule, one-shot tasks are disabled.
	CompleteTask(ctx context.Context, id, owner string, finishedAt time.Time) error

	CreateExecution(ctx context.Context, e domain.Execution) error
	UpdateExecution(ctx context.Context, e domain.Execution) error
	ListExecutions(ctx context.Context, taskID string, limit int) ([]domain.Execution, error)

	Close() error
}
