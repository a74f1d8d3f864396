package logx

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestApplyChangesLevelLive(t *testing.T) {
	svc, log := New(Config{Level: "info"})
	defer svc.Close()

	if log.Enabled(LevelDebug) {
		t.Fatal("debug enabled at info level")
	}

	// Loggers handed out before Apply must pick up the new level.
	svc.Apply(Config{Level: "debug"})
	if !log.Enabled(LevelDebug) {
		t.Fatal("root logger did not pick up the new level")
	}
	if derived := log.With(String("comp", "test")); !derived.Enabled(LevelDebug) {
		t.Fatal("derived logger did not pick up the new level")
	}

	svc.Apply(Config{Level: "error"})
	if log.Enabled(LevelInfo) {
		t.Fatal("info still enabled after raising the level")
	}
}

func TestApplyOpensFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})

	log.Info("hello", String("k", "v"))
	_ = svc.Close()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(b), "hello") {
		t.Fatalf("log file missing entry: %q", b)
	}
}
