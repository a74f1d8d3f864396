package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"taskmill/internal/domain"
)

// memoryStore keeps everything in process memory. It implements the same
// claim semantics as the durable drivers so scheduler tests exercise the real
// contract.
type memoryStore struct {
	mu    sync.Mutex
	tasks map[string]domain.Task
	execs map[string]domain.Execution
}

func NewMemory() Store {
	return &memoryStore{
		tasks: map[string]domain.Task{},
		execs: map[string]domain.Execution{},
	}
}

func (s *memoryStore) FetchReadyTasks(_ context.Context, now time.Time) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []domain.Task
	for id, t := range s.tasks {
		if !t.Ready(now) {
			continue
		}
		t.Status = domain.TaskRunning
		t.UpdatedAt = now
		s.tasks[id] = t
		ready = append(ready, t)
	}
	// Stable order keeps tests deterministic.
	sort.Slice(ready, func(i, j int) bool { return ready[i].NextRunAt.Before(ready[j].NextRunAt) })
	return ready, nil
}

func (s *memoryStore) ClaimTask(_ context.Context, id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || (owner != "" && t.Owner != owner) {
		return ErrNotFound
	}
	if t.Status == domain.TaskRunning {
		return ErrBusy
	}
	t.Status = domain.TaskRunning
	t.UpdatedAt = time.Now()
	s.tasks[id] = t
	return nil
}

func (s *memoryStore) SaveTask(_ context.Context, t domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.UpdatedAt = time.Now()
	s.tasks[t.ID] = t
	return nil
}

func (s *memoryStore) GetTask(_ context.Context, id, owner string) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || (owner != "" && t.Owner != owner) {
		return domain.Task{}, ErrNotFound
	}
	return t, nil
}

func (s *memoryStore) ListTasks(_ context.Context, owner string) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Task
	for _, t := range s.tasks {
		if owner == "" || t.Owner == owner {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memoryStore) DeleteTask(_ context.Context, id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || (owner != "" && t.Owner != owner) {
		return ErrNotFound
	}
	delete(s.tasks, id)
	return nil
}

func (s *memoryStore) UpdateTaskStatus(_ context.Context, id, owner string, status domain.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || (owner != "" && t.Owner != owner) {
		return ErrNotFound
	}
	t.Status = status
	t.UpdatedAt = time.Now()
	s.tasks[id] = t
	return nil
}

func (s *memoryStore) CompleteTask(_ context.Context, id, owner string, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || (owner != "" && t.Owner != owner) {
		return ErrNotFound
	}

	t.Status = domain.TaskCompleted
	t.LastRunAt = finishedAt
	t.UpdatedAt = time.Now()
	if t.Recurring {
		next, err := NextRun(t.Schedule, finishedAt)
		if err != nil {
			return err
		}
		t.NextRunAt = next
		t.Status = domain.TaskPending
	} else {
		t.Enabled = false
	}
	s.tasks[id] = t
	return nil
}

func (s *memoryStore) CreateExecution(_ context.Context, e domain.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs[e.ID] = e
	return nil
}

func (s *memoryStore) UpdateExecution(_ context.Context, e domain.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.execs[e.ID]; !ok {
		return ErrNotFound
	}
	s.execs[e.ID] = e
	return nil
}

func (s *memoryStore) ListExecutions(_ context.Context, taskID string, limit int) ([]domain.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Execution
	for _, e := range s.execs {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) Close() error { return nil }
