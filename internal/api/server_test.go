package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"taskmill/internal/app"
	"taskmill/internal/config"
	"taskmill/internal/domain"
	"taskmill/internal/task/runner"
	logx "taskmill/pkg/logx"
)

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := &config.Config{
		Engine: config.EngineConfig{
			PollInterval: "50ms",
			DrainTimeout: "1s",
			Primary:      config.QueueConfig{Concurrency: 2, Timeout: "5s", RateLimit: -1},
			Retry:        config.QueueConfig{Concurrency: 1, Timeout: "5s", RateLimit: -1},
			RetryBase:    "1ms",
			RetryJitter:  "1ms",
		},
		Store: config.StoreConfig{Driver: "memory"},
	}
	exec := runner.ExecutorFunc(func(_ context.Context, task domain.Task) (string, error) {
		return "done: " + task.DisplayName, nil
	})
	mgr := app.NewManager(cfg, exec, logx.Nop(), nil)
	if err := mgr.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })

	srv := httptest.NewServer(NewServer(mgr, logx.Nop()))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	t.Parallel()
	srv := testServer(t)

	resp := postJSON(t, srv.URL+"/api/tasks", map[string]any{
		"owner":     "alice",
		"name":      "weekly report",
		"type":      "reminder",
		"schedule":  "@every 24h",
		"recurring": true,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var created domain.Task
	decode(t, resp, &created)
	if created.ID == "" || !created.Enabled || created.NextRunAt.IsZero() {
		t.Fatalf("created = %+v", created)
	}

	get, err := http.Get(srv.URL + "/api/tasks/" + created.ID + "?owner=alice")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if get.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", get.StatusCode)
	}
	var got domain.Task
	decode(t, get, &got)
	if got.DisplayName != "weekly report" {
		t.Fatalf("got = %+v", got)
	}

	// Trigger synchronously; the stub executor runs it immediately.
	trig := postJSON(t, srv.URL+"/api/tasks/"+created.ID+"/trigger?wait=true", nil)
	if trig.StatusCode != http.StatusOK {
		t.Fatalf("trigger status = %d", trig.StatusCode)
	}
	var trigBody map[string]any
	decode(t, trig, &trigBody)
	if trigBody["completed"] != true {
		t.Fatalf("trigger body = %v", trigBody)
	}

	execsResp, err := http.Get(srv.URL + "/api/tasks/" + created.ID + "/executions")
	if err != nil {
		t.Fatalf("GET executions: %v", err)
	}
	var execs []domain.Execution
	decode(t, execsResp, &execs)
	if len(execs) != 1 || execs[0].Status != domain.ExecutionCompleted {
		t.Fatalf("executions = %+v", execs)
	}
	if execs[0].Output != "done: weekly report" {
		t.Fatalf("output = %q", execs[0].Output)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/tasks/"+created.ID, nil)
	del, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	del.Body.Close()
	if del.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", del.StatusCode)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	t.Parallel()
	srv := testServer(t)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing owner", map[string]any{"name": "x", "schedule": "@hourly"}},
		{"missing schedule and run_at", map[string]any{"owner": "a", "name": "x"}},
		{"bad schedule", map[string]any{"owner": "a", "name": "x", "schedule": "whenever"}},
	}
	for _, tc := range cases {
		resp := postJSON(t, srv.URL+"/api/tasks", tc.body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", tc.name, resp.StatusCode)
		}
	}
}

func TestGetUnknownTaskIs404(t *testing.T) {
	t.Parallel()
	srv := testServer(t)

	resp, err := http.Get(srv.URL + "/api/tasks/no-such-task")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestTriggerDisabledTaskIs409(t *testing.T) {
	t.Parallel()
	srv := testServer(t)

	resp := postJSON(t, srv.URL+"/api/tasks", map[string]any{
		"owner":    "alice",
		"name":     "off",
		"schedule": "@hourly",
		"enabled":  false,
	})
	var created domain.Task
	decode(t, resp, &created)

	trig := postJSON(t, srv.URL+"/api/tasks/"+created.ID+"/trigger", nil)
	trig.Body.Close()
	if trig.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", trig.StatusCode)
	}
}

func TestPauseResumeAndHealth(t *testing.T) {
	t.Parallel()
	srv := testServer(t)

	p := postJSON(t, srv.URL+"/api/engine/pause", nil)
	p.Body.Close()
	if p.StatusCode != http.StatusOK {
		t.Fatalf("pause status = %d", p.StatusCode)
	}

	h, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	var health map[string]any
	decode(t, h, &health)
	if h.StatusCode != http.StatusOK || health["state"] != "paused" {
		t.Fatalf("health = %d %v", h.StatusCode, health)
	}

	r := postJSON(t, srv.URL+"/api/engine/resume", nil)
	r.Body.Close()
	if r.StatusCode != http.StatusOK {
		t.Fatalf("resume status = %d", r.StatusCode)
	}

	st, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	var status map[string]any
	decode(t, st, &status)
	if status["health"] == nil || status["stats"] == nil {
		t.Fatalf("status = %v", status)
	}
}
