package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"taskmill/internal/notify"
	"taskmill/internal/store"
	"taskmill/internal/task/priority"
	"taskmill/internal/task/queue"
	"taskmill/internal/task/retry"
	"taskmill/internal/task/scheduler"
)

// Config is the daemon's whole configuration surface. Unknown fields are
// rejected so typos fail loudly instead of silently falling back to defaults.
//
// All durations are Go duration strings (e.g. "500ms", "30s", "5m").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Engine  EngineConfig  `json:"engine"`
	Store   StoreConfig   `json:"store"`
	Notify  NotifyConfig  `json:"notify,omitempty"`
	API     APIConfig     `json:"api,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"`
	Console bool   `json:"console,omitempty"`
	File    struct {
		Enabled bool   `json:"enabled,omitempty"`
		Path    string `json:"path,omitempty"`
	} `json:"file,omitempty"`
}

// EngineConfig maps onto scheduler.Config.
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: "30s"
//   - drain_timeout: "60s"
//   - primary: concurrency 3, timeout "5m", rate limit 10 per "60s"
//   - retry: concurrency 1, timeout inherited from primary
//   - retry_max: 3, retry_base "500ms", retry_cap "60s", retry_jitter "1s"
type EngineConfig struct {
	PollInterval string `json:"poll_interval,omitempty"`
	DrainTimeout string `json:"drain_timeout,omitempty"`

	Primary QueueConfig `json:"primary,omitempty"`
	Retry   QueueConfig `json:"retry,omitempty"`

	RetryMax    int    `json:"retry_max,omitempty"`
	RetryBase   string `json:"retry_base,omitempty"`
	RetryCap    string `json:"retry_cap,omitempty"`
	RetryJitter string `json:"retry_jitter,omitempty"`

	Priority *PriorityConfig `json:"priority,omitempty"`
}

type QueueConfig struct {
	Concurrency int    `json:"concurrency,omitempty"`
	MaxPending  int    `json:"max_pending,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
	// RateLimit caps starts per RateInterval. -1 disables rate limiting.
	RateLimit    int    `json:"rate_limit,omitempty"`
	RateInterval string `json:"rate_interval,omitempty"`
}

// PriorityConfig overrides the default priority weights. Zero-valued fields
// keep their defaults.
type PriorityConfig struct {
	Scheduled        float64 `json:"scheduled,omitempty"`
	Manual           float64 `json:"manual,omitempty"`
	Webhook          float64 `json:"webhook,omitempty"`
	OverduePerMinute float64 `json:"overdue_per_minute,omitempty"`
	OverdueCap       float64 `json:"overdue_cap,omitempty"`
	RetryPenalty     float64 `json:"retry_penalty,omitempty"`
	Floor            float64 `json:"floor,omitempty"`
}

type StoreConfig struct {
	// Driver selects the backend: "memory", "sqlite", or "mongo".
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	URI         string `json:"uri,omitempty"`
	Database    string `json:"database,omitempty"`
}

type NotifyConfig struct {
	Webhook  *WebhookConfig  `json:"webhook,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

type WebhookConfig struct {
	BaseURL string `json:"base_url"`
	Timeout string `json:"timeout,omitempty"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
	ChatID  int64  `json:"chat_id,omitempty"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Listen  string `json:"listen,omitempty"`
}

// Validate performs the structural checks that don't need live dependencies.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if _, err := c.Engine.Build(); err != nil {
		return err
	}
	if _, err := c.Store.Build(); err != nil {
		return err
	}
	if c.Notify.Telegram != nil && c.Notify.Telegram.Enabled {
		if strings.TrimSpace(c.Notify.Telegram.Token) == "" {
			return errors.New("notify.telegram: token is required when enabled")
		}
		if c.Notify.Telegram.ChatID == 0 {
			return errors.New("notify.telegram: chat_id is required when enabled")
		}
	}
	if c.API.Enabled && strings.TrimSpace(c.API.Listen) == "" {
		return errors.New("api: listen address is required when enabled")
	}
	return nil
}

// Build resolves duration strings into a scheduler.Config.
func (e EngineConfig) Build() (scheduler.Config, error) {
	var out scheduler.Config
	var err error

	if out.PollInterval, err = ParseDurationField("engine.poll_interval", e.PollInterval); err != nil {
		return out, err
	}
	if out.DrainTimeout, err = ParseDurationField("engine.drain_timeout", e.DrainTimeout); err != nil {
		return out, err
	}
	if out.Primary, err = e.Primary.build("engine.primary", "primary"); err != nil {
		return out, err
	}
	if out.Retry, err = e.Retry.build("engine.retry", "retry"); err != nil {
		return out, err
	}

	out.RetryPolicy = retry.Config{MaxRetries: e.RetryMax}
	if out.RetryPolicy.Base, err = ParseDurationField("engine.retry_base", e.RetryBase); err != nil {
		return out, err
	}
	if out.RetryPolicy.Cap, err = ParseDurationField("engine.retry_cap", e.RetryCap); err != nil {
		return out, err
	}
	if out.RetryPolicy.JitterMax, err = ParseDurationField("engine.retry_jitter", e.RetryJitter); err != nil {
		return out, err
	}

	if p := e.Priority; p != nil {
		out.Priority = priority.Weights{
			Scheduled:        p.Scheduled,
			Manual:           p.Manual,
			Webhook:          p.Webhook,
			OverduePerMinute: p.OverduePerMinute,
			OverdueCap:       p.OverdueCap,
			RetryPenalty:     p.RetryPenalty,
			Floor:            p.Floor,
		}
	}
	return out, nil
}

func (q QueueConfig) build(path, name string) (queue.Config, error) {
	out := queue.Config{
		Name:        name,
		Concurrency: q.Concurrency,
		MaxPending:  q.MaxPending,
		RateLimit:   q.RateLimit,
	}
	var err error
	if out.Timeout, err = ParseDurationField(path+".timeout", q.Timeout); err != nil {
		return out, err
	}
	if out.RateInterval, err = ParseDurationField(path+".rate_interval", q.RateInterval); err != nil {
		return out, err
	}
	if q.Concurrency < 0 {
		return out, fmt.Errorf("%s.concurrency: must be >= 0", path)
	}
	return out, nil
}

// Build resolves the store configuration.
func (s StoreConfig) Build() (store.Config, error) {
	out := store.Config{
		Driver:   strings.ToLower(strings.TrimSpace(s.Driver)),
		Path:     s.Path,
		URI:      s.URI,
		Database: s.Database,
	}
	var err error
	if out.BusyTimeout, err = ParseDurationField("store.busy_timeout", s.BusyTimeout); err != nil {
		return out, err
	}
	switch out.Driver {
	case "", "memory", "sqlite", "sqlite3", "mongo", "mongodb":
	default:
		return out, fmt.Errorf("store.driver: unknown driver %q", s.Driver)
	}
	if (out.Driver == "sqlite" || out.Driver == "sqlite3") && strings.TrimSpace(out.Path) == "" {
		return out, errors.New("store.path: required for sqlite")
	}
	if (out.Driver == "mongo" || out.Driver == "mongodb") && strings.TrimSpace(out.URI) == "" {
		return out, errors.New("store.uri: required for mongo")
	}
	return out, nil
}

// BuildWebhook resolves the webhook sink configuration, nil when unset.
func (n NotifyConfig) BuildWebhook() (*notify.WebhookConfig, error) {
	if n.Webhook == nil || strings.TrimSpace(n.Webhook.BaseURL) == "" {
		return nil, nil
	}
	timeout, err := ParseDurationOrDefault("notify.webhook.timeout", n.Webhook.Timeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	return &notify.WebhookConfig{BaseURL: n.Webhook.BaseURL, Timeout: timeout}, nil
}

// BuildTelegram resolves the telegram sink configuration, nil when disabled.
func (n NotifyConfig) BuildTelegram() *notify.TelegramConfig {
	t := n.Telegram
	if t == nil || !t.Enabled {
		return nil
	}
	return &notify.TelegramConfig{Enabled: true, Token: t.Token, ChatID: t.ChatID}
}
