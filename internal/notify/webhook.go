package notify

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
	logx "taskmill/pkg/logx"
)

// WebhookConfig points at the chat host's internal scheduler endpoints.
// They sit behind the host's network boundary and take no auth.
type WebhookConfig struct {
	BaseURL string        `json:"base_url" yaml:"base_url"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// WebhookSink posts task results and lifecycle notifications to the chat
// host so they surface in the originating conversation.
type WebhookSink struct {
	resultURL string
	notifyURL string
	client    *http.Client
	log       logx.Logger
}

func NewWebhook(cfg WebhookConfig, log logx.Logger) *WebhookSink {
	if log.IsZero() {
		log = logx.Nop()
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{
		resultURL: base + "/api/scheduler/internal/task-result",
		notifyURL: base + "/api/scheduler/internal/notification",
		client:    &http.Client{Timeout: timeout},
		log:       log,
	}
}

// taskResultPayload matches the chat host's task-result handler.
type taskResultPayload struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	TaskName       string `json:"taskName"`
	TaskID         string `json:"taskId"`
	Result         string `json:"result"`
	TaskType       string `json:"taskType"`
	Success        bool   `json:"success"`
}

type notificationPayload struct {
	UserID           string `json:"userId"`
	ConversationID   string `json:"conversationId"`
	TaskName         string `json:"taskName"`
	TaskID           string `json:"taskId"`
	NotificationType string `json:"notificationType"`
	Details          string `json:"details,omitempty"`
}

func (w *WebhookSink) TaskStarted(ctx context.Context, t domain.Task) error {
	if !routable(t) {
		return nil
	}
	return w.post(ctx, w.notifyURL, notificationPayload{
		UserID:           t.Owner,
		ConversationID:   t.ConversationID,
		TaskName:         t.DisplayName,
		TaskID:           t.ID,
		NotificationType: "started",
	})
}

func (w *WebhookSink) TaskSucceeded(ctx context.Context, t domain.Task, e domain.Execution) error {
	if !routable(t) {
		return nil
	}
	return w.post(ctx, w.resultURL, taskResultPayload{
		UserID:         t.Owner,
		ConversationID: t.ConversationID,
		TaskName:       t.DisplayName,
		TaskID:         t.ID,
		Result:         e.Output,
		TaskType:       t.Type,
		Success:        true,
	})
}

func (w *WebhookSink) TaskFailed(ctx context.Context, t domain.Task, e domain.Execution) error {
	if !routable(t) {
		return nil
	}
	return w.post(ctx, w.resultURL, taskResultPayload{
		UserID:         t.Owner,
		ConversationID: t.ConversationID,
		TaskName:       t.DisplayName,
		TaskID:         t.ID,
		Result:         e.Error,
		TaskType:       t.Type,
		Success:        false,
	})
}

// routable reports whether the task carries enough addressing to reach a
// conversation. Tasks without it are silently skipped.
func routable(t domain.Task) bool {
	return t.Owner != "" && t.ConversationID != ""
}

func (w *WebhookSink) post(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Read a bounded slice of the body for the error message.
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook %s: status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
