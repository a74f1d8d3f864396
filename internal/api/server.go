// Package api exposes the engine's operational surface over HTTP: task CRUD,
// manual/webhook triggering, and health reporting for the chat host.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"taskmill/internal/app"
	"taskmill/internal/domain"
	"taskmill/internal/store"
	logx "taskmill/pkg/logx"
)

type Server struct {
	r   *chi.Mux
	mgr *app.Manager
	log logx.Logger
}

func NewServer(mgr *app.Manager, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	s := &Server{r: r, mgr: mgr, log: log}

	r.Get("/health", s.health)
	r.Get("/status", s.status)

	r.Route("/api/tasks", func(r chi.Router) {
		r.Post("/", s.createTask)
		r.Get("/", s.listTasks)
		r.Get("/{id}", s.getTask)
		r.Delete("/{id}", s.deleteTask)
		r.Post("/{id}/trigger", s.triggerTask)
		r.Get("/{id}/executions", s.listExecutions)
	})

	r.Post("/api/engine/pause", s.pause)
	r.Post("/api/engine/resume", s.resume)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	h := s.mgr.Health()
	code := http.StatusOK
	if !h.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"health": s.mgr.Health(),
		"stats":  s.mgr.Stats(),
	})
}

type createTaskReq struct {
	Owner          string          `json:"owner"`
	Name           string          `json:"name"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Schedule       string          `json:"schedule,omitempty"`
	Recurring      bool            `json:"recurring"`
	RunAt          *time.Time      `json:"run_at,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Enabled        *bool           `json:"enabled,omitempty"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Owner == "" {
		http.Error(w, "owner is required", http.StatusBadRequest)
		return
	}
	if req.Schedule == "" && req.RunAt == nil {
		http.Error(w, "schedule or run_at is required", http.StatusBadRequest)
		return
	}
	if err := store.ValidateSchedule(req.Schedule); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	st, err := s.mgr.Store()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	now := time.Now()
	t := domain.Task{
		ID:             uuid.NewString(),
		Owner:          req.Owner,
		DisplayName:    req.Name,
		Trigger:        domain.TriggerScheduled,
		Type:           req.Type,
		Payload:        req.Payload,
		Schedule:       req.Schedule,
		Recurring:      req.Recurring,
		Status:         domain.TaskPending,
		Enabled:        true,
		ConversationID: req.ConversationID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.Enabled != nil {
		t.Enabled = *req.Enabled
	}
	switch {
	case req.RunAt != nil:
		t.NextRunAt = *req.RunAt
	default:
		next, err := store.NextRun(req.Schedule, now)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		t.NextRunAt = next
	}

	if err := st.SaveTask(r.Context(), t); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	st, err := s.mgr.Store()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	tasks, err := st.ListTasks(r.Context(), r.URL.Query().Get("owner"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	st, err := s.mgr.Store()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	t, err := st.GetTask(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("owner"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	st, err := s.mgr.Store()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if err := st.DeleteTask(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("owner")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) triggerTask(w http.ResponseWriter, r *http.Request) {
	trigger := domain.ParseTriggerKind(r.URL.Query().Get("trigger"))
	if r.URL.Query().Get("trigger") == "" {
		trigger = domain.TriggerWebhook
	}
	h, err := s.mgr.TriggerTask(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("owner"), trigger)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	// Optional synchronous wait for the terminal outcome (retries included).
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		if err := h.Wait(r.Context()); err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"accepted": true, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"accepted": true, "completed": true})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	st, err := s.mgr.Store()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	execs, err := st.ListExecutions(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, execs)
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Pause(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paused": true})
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Resume(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paused": false})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, store.ErrDisabled):
		http.Error(w, "task is disabled", http.StatusConflict)
	case errors.Is(err, store.ErrBusy):
		http.Error(w, "task is already running", http.StatusConflict)
	case errors.Is(err, app.ErrNotInitialized):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
