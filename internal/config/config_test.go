package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const goodYAML = `
logging:
  level: debug
  console: true
engine:
  poll_interval: 10s
  drain_timeout: 30s
  primary:
    concurrency: 5
    timeout: 2m
    rate_limit: -1
  retry_max: 4
  retry_base: 250ms
store:
  driver: sqlite
  path: /tmp/tasks.db
api:
  enabled: true
  listen: 127.0.0.1:8085
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, goodYAML))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Engine.PollInterval != "10s" || cfg.Engine.Primary.Concurrency != 5 {
		t.Fatalf("engine = %+v", cfg.Engine)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.Path != "/tmp/tasks.db" {
		t.Fatalf("store = %+v", cfg.Store)
	}
	if !cfg.API.Enabled || cfg.API.Listen != "127.0.0.1:8085" {
		t.Fatalf("api = %+v", cfg.API)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "engine:\n  pol_interval: 10s\n"))
	if _, err := m.Parse(); err == nil {
		t.Fatal("typo'd field must be rejected")
	}
}

func TestParseRejectsBadDuration(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "engine:\n  poll_interval: soon\n"))
	_, err := m.Parse()
	if err == nil || !strings.Contains(err.Error(), "engine.poll_interval") {
		t.Fatalf("err = %v, want field-qualified duration error", err)
	}
}

func TestValidateCatchesMissingPieces(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		body string
		want string
	}{
		{"sqlite without path", "store:\n  driver: sqlite\n", "store.path"},
		{"mongo without uri", "store:\n  driver: mongo\n", "store.uri"},
		{"unknown driver", "store:\n  driver: redis\n", "store.driver"},
		{"telegram without token", "notify:\n  telegram:\n    enabled: true\n    chat_id: 42\n", "token"},
		{"telegram without chat", "notify:\n  telegram:\n    enabled: true\n    token: abc\n", "chat_id"},
		{"api without listen", "api:\n  enabled: true\n", "listen"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := NewManager(writeConfig(t, tc.body))
			_, err := m.Parse()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %s", err, tc.want)
			}
		})
	}
}

func TestEngineBuild(t *testing.T) {
	t.Parallel()
	e := EngineConfig{
		PollInterval: "10s",
		Primary:      QueueConfig{Concurrency: 5, Timeout: "2m", RateLimit: -1},
		RetryMax:     4,
		RetryBase:    "250ms",
	}
	sc, err := e.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if sc.PollInterval != 10*time.Second || sc.Primary.Concurrency != 5 {
		t.Fatalf("built = %+v", sc)
	}
	if sc.Primary.Timeout != 2*time.Minute || sc.Primary.RateLimit != -1 {
		t.Fatalf("primary = %+v", sc.Primary)
	}
	if sc.RetryPolicy.MaxRetries != 4 || sc.RetryPolicy.Base != 250*time.Millisecond {
		t.Fatalf("retry policy = %+v", sc.RetryPolicy)
	}
}

func TestEngineBuildRejectsNegativeConcurrency(t *testing.T) {
	t.Parallel()
	e := EngineConfig{Primary: QueueConfig{Concurrency: -1}}
	if _, err := e.Build(); err == nil {
		t.Fatal("negative concurrency must be rejected")
	}
}

func TestBuildWebhookDefaultsTimeout(t *testing.T) {
	t.Parallel()
	n := NotifyConfig{Webhook: &WebhookConfig{BaseURL: "http://chat:3080"}}
	wc, err := n.BuildWebhook()
	if err != nil {
		t.Fatalf("BuildWebhook: %v", err)
	}
	if wc == nil || wc.Timeout != 10*time.Second {
		t.Fatalf("webhook = %+v, want 10s default timeout", wc)
	}

	empty, err := NotifyConfig{}.BuildWebhook()
	if err != nil || empty != nil {
		t.Fatalf("unset webhook = %+v, %v, want nil", empty, err)
	}
}

func TestReloadCommitsAndPublishes(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, goodYAML)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	// Identical content: the hash check suppresses the publish.
	m.reload(context.Background())
	select {
	case cfg := <-sub:
		t.Fatalf("unchanged reload published %+v", cfg)
	case <-time.After(50 * time.Millisecond):
	}

	updated := strings.Replace(goodYAML, "level: debug", "level: warn", 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	m.reload(context.Background())
	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "warn" {
			t.Fatalf("published level = %s, want warn", cfg.Logging.Level)
		}
	case <-time.After(time.Second):
		t.Fatal("changed reload never published")
	}
	if m.Get().Logging.Level != "warn" {
		t.Fatalf("committed level = %s, want warn", m.Get().Logging.Level)
	}
}

func TestReloadKeepsPreviousOnParseError(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, goodYAML)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := os.WriteFile(path, []byte("engine: [broken\n"), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	m.reload(context.Background())
	if m.Get().Logging.Level != "debug" {
		t.Fatalf("committed level = %s, want previous config kept", m.Get().Logging.Level)
	}
}

func TestReloadConsultsValidator(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, goodYAML)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		return context.Canceled
	})

	updated := strings.Replace(goodYAML, "level: debug", "level: warn", 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	m.reload(context.Background())
	if m.Get().Logging.Level != "debug" {
		t.Fatal("validator rejection must keep the previous config")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty = %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", "1m30s"); err != nil || d != 90*time.Second {
		t.Fatalf("1m30s = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "fast"); err == nil {
		t.Fatal("bad duration must error")
	}
	if d, err := ParseDurationOrDefault("x", "", 7*time.Second); err != nil || d != 7*time.Second {
		t.Fatalf("default = %v, %v", d, err)
	}
}
