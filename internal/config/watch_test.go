package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const watchedYAML = `
engine:
  type: "tts"
tts:
  endpoint: "http://localhost:9000/synthesize"
logging:
  level: "%s"
`

func writeConfig(t *testing.T, path, level string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(fmt.Sprintf(watchedYAML, level)), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "info")

	reloaded := make(chan *Config, 4)
	w, err := Watch(path, slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})),
		func(cfg *Config) { reloaded <- cfg })
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer w.Stop()

	writeConfig(t, path, "debug")

	select {
	case cfg := <-reloaded:
		if cfg.Logging.Level != "debug" {
			t.Errorf("Expected debug level, got %q", cfg.Logging.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("config was not reloaded")
	}
}

func TestWatchIgnoresInvalidChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "info")

	reloaded := make(chan *Config, 4)
	w, err := Watch(path, slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError})),
		func(cfg *Config) { reloaded <- cfg })
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer w.Stop()

	writeConfig(t, path, "trace")

	select {
	case cfg := <-reloaded:
		t.Errorf("invalid config was applied: %+v", cfg.Logging)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "info")

	w, err := Watch(path, nil, nil)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for name, want := range tests {
		got, err := ParseLevel(name)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", name, got, err, want)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Error("expected error for unknown level")
	}
}
