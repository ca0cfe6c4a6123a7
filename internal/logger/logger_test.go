package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// syncBuffer is a bytes.Buffer safe for the console flusher goroutine
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger(t *testing.T, cfg *Config) (*MultiLogger, *syncBuffer) {
	t.Helper()
	out := &syncBuffer{}
	console, err := NewConsoleLogger(cfg, out)
	if err != nil {
		t.Fatalf("failed to create console logger: %v", err)
	}
	return &MultiLogger{config: cfg, console: console, baseFields: map[string]interface{}{}}, out
}

func decodeLines(t *testing.T, raw string) []map[string]interface{} {
	t.Helper()
	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(raw), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("invalid json line %q: %v", line, err)
		}
		entries = append(entries, m)
	}
	return entries
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("expected default level to be info, got %s", cfg.Level)
	}
	if cfg.Format != FormatJSON {
		t.Errorf("expected default format to be json, got %s", cfg.Format)
	}
	if !cfg.Console.Enabled {
		t.Error("expected console to be enabled by default")
	}
	if cfg.File.Enabled {
		t.Error("expected file to be disabled by default")
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid default config", mutate: func(c *Config) {}},
		{name: "invalid log level", mutate: func(c *Config) { c.Level = "loud" }, wantErr: true},
		{name: "invalid format", mutate: func(c *Config) { c.Format = "xml" }, wantErr: true},
		{
			name: "file enabled without path",
			mutate: func(c *Config) {
				c.File.Enabled = true
				c.File.Path = ""
			},
			wantErr: true,
		},
		{
			name: "file enabled with zero batch size",
			mutate: func(c *Config) {
				c.File.Enabled = true
				c.File.BatchSize = 0
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMultiLoggerJSONOutput(t *testing.T) {
	cfg := DefaultConfig()
	ml, out := newTestLogger(t, cfg)

	ml.WithComponent(ComponentScheduler).Info("plan due", "plan_id", "p1", "attempts", 2)
	if err := ml.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	entries := decodeLines(t, out.String())
	if len(entries) != 1 {
		t.Fatalf("entry count mismatch: got %d, want 1", len(entries))
	}
	e := entries[0]
	if e["msg"] != "plan due" {
		t.Errorf("msg mismatch: got %v, want plan due", e["msg"])
	}
	if e["component"] != "scheduler" {
		t.Errorf("component mismatch: got %v, want scheduler", e["component"])
	}
	if e["plan_id"] != "p1" {
		t.Errorf("plan_id mismatch: got %v, want p1", e["plan_id"])
	}
}

func TestLoggerContextFields(t *testing.T) {
	ml, out := newTestLogger(t, DefaultConfig())

	ctx := WithPlanID(WithRunID(context.Background(), "run-123"), "plan-9")
	if got := RunID(ctx); got != "run-123" {
		t.Errorf("RunID mismatch: got %q, want run-123", got)
	}

	ml.WithSource(LogSourceRun).InfoContext(ctx, "backup finished")
	ml.Close()

	entries := decodeLines(t, out.String())
	if len(entries) != 1 {
		t.Fatalf("entry count mismatch: got %d, want 1", len(entries))
	}
	if entries[0]["run_id"] != "run-123" {
		t.Errorf("run_id mismatch: got %v", entries[0]["run_id"])
	}
	if entries[0]["plan_id"] != "plan-9" {
		t.Errorf("plan_id mismatch: got %v", entries[0]["plan_id"])
	}
	if entries[0]["log_source"] != string(LogSourceRun) {
		t.Errorf("log_source mismatch: got %v", entries[0]["log_source"])
	}
}

func TestLoggerWithFieldsDoesNotLeak(t *testing.T) {
	ml, out := newTestLogger(t, DefaultConfig())

	child := ml.WithFields(map[string]interface{}{"plan_id": "p1"})
	child.Info("child")
	ml.Info("parent")
	ml.Close()

	entries := decodeLines(t, out.String())
	if len(entries) != 2 {
		t.Fatalf("entry count mismatch: got %d, want 2", len(entries))
	}
	if entries[0]["plan_id"] != "p1" {
		t.Errorf("child should carry plan_id, got %v", entries[0]["plan_id"])
	}
	if _, ok := entries[1]["plan_id"]; ok {
		t.Error("parent should not carry child fields")
	}
}

func TestLogLevelFiltering(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = LevelWarn
	ml, out := newTestLogger(t, cfg)

	ml.Debug("debug")
	ml.Info("info")
	ml.Warn("warn")
	ml.Error("error")
	ml.Close()

	entries := decodeLines(t, out.String())
	if len(entries) != 2 {
		t.Fatalf("entry count mismatch: got %d, want 2", len(entries))
	}
	if entries[0]["msg"] != "warn" || entries[1]["msg"] != "error" {
		t.Errorf("unexpected messages: %v, %v", entries[0]["msg"], entries[1]["msg"])
	}
}

func TestColorTextHandler(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Format = FormatText
	ml, out := newTestLogger(t, cfg)

	ml.WithComponent(ComponentQueue).Warn("report dropped", "attempts", 21)
	ml.Close()

	line := out.String()
	if !strings.Contains(line, "[queue]") {
		t.Errorf("expected component tag in %q", line)
	}
	if !strings.Contains(line, "report dropped") {
		t.Errorf("expected message in %q", line)
	}
	if !strings.Contains(line, "attempts=21") {
		t.Errorf("expected attempts attr in %q", line)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LevelDebug,
		"DEBUG":   LevelDebug,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"bogus":   LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) mismatch: got %s, want %s", in, got, want)
		}
	}
}

func TestFileLogger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.File.Enabled = true
	cfg.File.Path = filepath.Join(t.TempDir(), "logs", "agent.log")

	fl, err := NewFileLogger(cfg)
	if err != nil {
		t.Fatalf("failed to create file logger: %v", err)
	}
	fl.log(LevelInfo, "hello", ComponentAgent, LogSourceInternal, map[string]interface{}{"k": "v"})
	if err := fl.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	data, err := os.ReadFile(cfg.File.Path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var entry LogEntry
	if err := json.Unmarshal(bytes.TrimSpace(data), &entry); err != nil {
		t.Fatalf("invalid log entry: %v", err)
	}
	if entry.Message != "hello" || entry.Component != ComponentAgent {
		t.Errorf("unexpected entry: %+v", entry)
	}
}

func TestNoOpLogger(t *testing.T) {
	var l Logger = &NoOpLogger{}
	l.Info("ignored")
	if l.WithComponent(ComponentAPI) != l {
		t.Error("NoOpLogger.WithComponent should return itself")
	}
	if err := l.Close(); err != nil {
		t.Errorf("NoOpLogger.Close returned %v", err)
	}
}

func TestGlobalLogger(t *testing.T) {
	original := Default()
	defer SetDefault(original)

	ml, out := newTestLogger(t, DefaultConfig())
	SetDefault(ml)
	Default().Info("global")
	ml.Close()

	if !strings.Contains(out.String(), "global") {
		t.Errorf("expected default logger to receive entry, got %q", out.String())
	}
}

func TestWriter(t *testing.T) {
	ml, out := newTestLogger(t, DefaultConfig())

	w := NewWriter(ml, LevelInfo)
	if _, err := w.Write([]byte("[GIN] request\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	ml.Close()

	entries := decodeLines(t, out.String())
	if len(entries) != 1 || entries[0]["msg"] != "[GIN] request" {
		t.Errorf("unexpected writer output: %v", entries)
	}
}

func BenchmarkMultiLoggerInfo(b *testing.B) {
	cfg := DefaultConfig()
	console, _ := NewConsoleLogger(cfg, &syncBuffer{})
	ml := &MultiLogger{config: cfg, console: console, baseFields: map[string]interface{}{}}
	defer ml.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ml.Info("benchmark", "i", i)
	}
}
