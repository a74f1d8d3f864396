package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"taskmill/internal/domain"
	logx "taskmill/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error { return s.db.Close() }

const taskColumns = `id, owner, display_name, trigger_kind, task_type, payload, schedule,
	recurring, next_run_at, last_run_at, status, enabled, conversation_id, created_at, updated_at`

func (s *sqliteStore) FetchReadyTasks(ctx context.Context, now time.Time) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE enabled = 1 AND status != ? AND next_run_at > 0 AND next_run_at <= ?
		 ORDER BY next_run_at`,
		string(domain.TaskRunning), now.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	candidates, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}

	claimed := make([]domain.Task, 0, len(candidates))
	for _, t := range candidates {
		// Compare-and-swap claim: only one poll cycle wins a given task.
		res, err := s.db.ExecContext(ctx,
			`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status != ?`,
			string(domain.TaskRunning), now.UnixMilli(), t.ID, string(domain.TaskRunning),
		)
		if err != nil {
			return claimed, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return claimed, err
		}
		if n == 1 {
			t.Status = domain.TaskRunning
			claimed = append(claimed, t)
		}
	}
	return claimed, nil
}

func (s *sqliteStore) ClaimTask(ctx context.Context, id, owner string) error {
	q := `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status != ?`
	args := []any{string(domain.TaskRunning), time.Now().UnixMilli(), id, string(domain.TaskRunning)}
	if owner != "" {
		q += ` AND owner = ?`
		args = append(args, owner)
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	// Zero rows: either the task is gone or somebody else holds the claim.
	if _, err := s.GetTask(ctx, id, owner); err != nil {
		return err
	}
	return ErrBusy
}

func (s *sqliteStore) SaveTask(ctx context.Context, t domain.Task) error {
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   owner=excluded.owner, display_name=excluded.display_name,
		   trigger_kind=excluded.trigger_kind, task_type=excluded.task_type,
		   payload=excluded.payload, schedule=excluded.schedule,
		   recurring=excluded.recurring, next_run_at=excluded.next_run_at,
		   last_run_at=excluded.last_run_at, status=excluded.status,
		   enabled=excluded.enabled, conversation_id=excluded.conversation_id,
		   updated_at=excluded.updated_at`,
		t.ID, t.Owner, t.DisplayName, string(t.Trigger), t.Type, []byte(t.Payload), t.Schedule,
		boolInt(t.Recurring), msOrZero(t.NextRunAt), msOrZero(t.LastRunAt), string(t.Status),
		boolInt(t.Enabled), t.ConversationID, t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) GetTask(ctx context.Context, id, owner string) (domain.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`
	args := []any{id}
	if owner != "" {
		q += ` AND owner = ?`
		args = append(args, owner)
	}
	row := s.db.QueryRowContext(ctx, q, args...)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, ErrNotFound
	}
	return t, err
}

func (s *sqliteStore) ListTasks(ctx context.Context, owner string) ([]domain.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if owner != "" {
		q += ` WHERE owner = ?`
		args = append(args, owner)
	}
	q += ` ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

func (s *sqliteStore) DeleteTask(ctx context.Context, id, owner string) error {
	q := `DELETE FROM tasks WHERE id = ?`
	args := []any{id}
	if owner != "" {
		q += ` AND owner = ?`
		args = append(args, owner)
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) UpdateTaskStatus(ctx context.Context, id, owner string, status domain.TaskStatus) error {
	q := `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`
	args := []any{string(status), time.Now().UnixMilli(), id}
	if owner != "" {
		q += ` AND owner = ?`
		args = append(args, owner)
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) CompleteTask(ctx context.Context, id, owner string, finishedAt time.Time) error {
	t, err := s.GetTask(ctx, id, owner)
	if err != nil {
		return err
	}

	status := domain.TaskCompleted
	enabled := t.Enabled
	var nextRun time.Time
	if t.Recurring {
		nextRun, err = NextRun(t.Schedule, finishedAt)
		if err != nil {
			return err
		}
		status = domain.TaskPending
	} else {
		// One-shot tasks never fire again.
		enabled = false
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, enabled = ?, last_run_at = ?, next_run_at = ?, updated_at = ? WHERE id = ?`,
		string(status), boolInt(enabled), finishedAt.UnixMilli(), msOrZero(nextRun), time.Now().UnixMilli(), id,
	)
	return err
}

func (s *sqliteStore) CreateExecution(ctx context.Context, e domain.Execution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, task_id, owner, status, start_time, end_time, duration_ms, output, error)
		 VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ID, e.TaskID, e.Owner, string(e.Status), e.StartTime.UnixMilli(), msOrZero(e.EndTime),
		e.DurationMS, e.Output, e.Error,
	)
	return err
}

func (s *sqliteStore) UpdateExecution(ctx context.Context, e domain.Execution) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, end_time = ?, duration_ms = ?, output = ?, error = ? WHERE id = ?`,
		string(e.Status), msOrZero(e.EndTime), e.DurationMS, e.Output, e.Error, e.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListExecutions(ctx context.Context, taskID string, limit int) ([]domain.Execution, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, owner, status, start_time, end_time, duration_ms, output, error
		 FROM executions WHERE task_id = ? ORDER BY start_time DESC LIMIT ?`,
		taskID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Execution
	for rows.Next() {
		var e domain.Execution
		var status string
		var startMS, endMS int64
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Owner, &status, &startMS, &endMS, &e.DurationMS, &e.Output, &e.Error); err != nil {
			return nil, err
		}
		e.Status = domain.ExecutionStatus(status)
		e.StartTime = time.UnixMilli(startMS)
		if endMS > 0 {
			e.EndTime = time.UnixMilli(endMS)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (domain.Task, error) {
	var t domain.Task
	var trigger, status string
	var payload []byte
	var recurring, enabled int
	var nextMS, lastMS, createdMS, updatedMS int64
	err := r.Scan(&t.ID, &t.Owner, &t.DisplayName, &trigger, &t.Type, &payload, &t.Schedule,
		&recurring, &nextMS, &lastMS, &status, &enabled, &t.ConversationID, &createdMS, &updatedMS)
	if err != nil {
		return domain.Task{}, err
	}
	t.Trigger = domain.TriggerKind(trigger)
	t.Status = domain.TaskStatus(status)
	t.Payload = payload
	t.Recurring = recurring != 0
	t.Enabled = enabled != 0
	if nextMS > 0 {
		t.NextRunAt = time.UnixMilli(nextMS)
	}
	if lastMS > 0 {
		t.LastRunAt = time.UnixMilli(lastMS)
	}
	t.CreatedAt = time.UnixMilli(createdMS)
	t.UpdatedAt = time.UnixMilli(updatedMS)
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]domain.Task, error) {
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func msOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
