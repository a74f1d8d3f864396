package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"taskmill/internal/domain"
	"taskmill/internal/task/retry"
	"taskmill/internal/task/runner"
	logx "taskmill/pkg/logx"
)

// builtinExecutor handles the task types the daemon supports out of the box.
// Hosts embedding the engine as a library supply their own runner.Executor.
type builtinExecutor struct {
	http *http.Client
	log  logx.Logger
}

func newExecutor(log logx.Logger) runner.Executor {
	return &builtinExecutor{
		http: &http.Client{Timeout: 30 * time.Second},
		log:  log.With(logx.String("comp", "executor")),
	}
}

// reminderPayload is the "reminder" task type: the message is the result.
type reminderPayload struct {
	Message string `json:"message"`
}

// httpPayload is the "http" task type: a bounded outbound request.
type httpPayload struct {
	Method string          `json:"method,omitempty"`
	URL    string          `json:"url"`
	Body   json.RawMessage `json:"body,omitempty"`
}

func (x *builtinExecutor) Execute(ctx context.Context, t domain.Task) (string, error) {
	switch strings.ToLower(t.Type) {
	case "", "reminder":
		var p reminderPayload
		if len(t.Payload) > 0 {
			if err := json.Unmarshal(t.Payload, &p); err != nil {
				return "", retry.NoRetry(fmt.Errorf("invalid reminder payload: %w", err))
			}
		}
		if p.Message == "" {
			p.Message = t.DisplayName
		}
		return p.Message, nil

	case "http":
		return x.doHTTP(ctx, t)

	default:
		return "", retry.NoRetry(fmt.Errorf("unknown task type %q", t.Type))
	}
}

func (x *builtinExecutor) doHTTP(ctx context.Context, t domain.Task) (string, error) {
	var p httpPayload
	if err := json.Unmarshal(t.Payload, &p); err != nil {
		return "", retry.NoRetry(fmt.Errorf("invalid http payload: %w", err))
	}
	if p.URL == "" {
		return "", retry.NoRetry(fmt.Errorf("http task %s: url is required", t.ID))
	}
	method := strings.ToUpper(p.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(p.Body) > 0 {
		body = bytes.NewReader(p.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.URL, body)
	if err != nil {
		return "", retry.NoRetry(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := x.http.Do(req)
	if err != nil {
		return "", retry.WithCategory(err, retry.CategoryNetwork)
	}
	defer resp.Body.Close()

	out, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return string(out), nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", retry.WithCategory(fmt.Errorf("status %d", resp.StatusCode), retry.CategoryAuth)
	case resp.StatusCode == http.StatusNotFound:
		return "", retry.WithCategory(fmt.Errorf("status %d", resp.StatusCode), retry.CategoryNotFound)
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", retry.WithCategory(fmt.Errorf("status %d", resp.StatusCode), retry.CategoryQuota)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", retry.WithCategory(fmt.Errorf("status %d", resp.StatusCode), retry.CategoryValidation)
	default:
		return "", retry.WithCategory(fmt.Errorf("status %d", resp.StatusCode), retry.CategoryTransient)
	}
}
