package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"info", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"trace", LevelTrace},
		{"INFO", slog.LevelInfo},
		{"Debug", slog.LevelDebug},
		{"TRACE", LevelTrace},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	tests := []struct {
		name       string
		level      string
		logAtDebug bool
	}{
		{"info filters debug", "info", false},
		{"debug passes debug", "debug", true},
		{"trace passes debug", "trace", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(tt.level, &buf)

			logger.Debug("debug message")
			hasDebug := strings.Contains(buf.String(), "debug message")
			if hasDebug != tt.logAtDebug {
				t.Errorf("debug message visible = %v, want %v (buf: %q)", hasDebug, tt.logAtDebug, buf.String())
			}

			buf.Reset()
			logger.Info("info message")
			if !strings.Contains(buf.String(), "info message") {
				t.Errorf("info message filtered at level %q", tt.level)
			}
		})
	}
}

func TestTraceLevelLabel(t *testing.T) {
	if LevelTrace >= slog.LevelDebug {
		t.Errorf("LevelTrace (%d) should be less than LevelDebug (%d)", LevelTrace, slog.LevelDebug)
	}

	var buf bytes.Buffer
	logger := NewLogger("trace", &buf)
	logger.Log(nil, LevelTrace, "wave step detail")
	if !strings.Contains(buf.String(), "TRACE") {
		t.Errorf("expected TRACE label in output, got %q", buf.String())
	}
}

func TestDecisionLoggerInfoLevel(t *testing.T) {
	dir := t.TempDir()
	dl := NewDecisionLogger(dir, "info")

	if dl != nil {
		t.Error("expected nil DecisionLogger at info level")
	}

	// Nil logger must be safe to use.
	dl.Log(map[string]any{"event": "test"})
	dl.Event("hierarchy_formed", "payload", "he")
	dl.Close()

	path := filepath.Join(dir, "decisions.jsonl")
	if _, err := os.Stat(path); err == nil {
		t.Error("decisions.jsonl should not exist at info level")
	}
}

func TestDecisionLoggerDebugLevel(t *testing.T) {
	dir := t.TempDir()
	dl := NewDecisionLogger(dir, "debug")
	defer dl.Close()

	dl.Log(map[string]any{"event": "stop", "reason": "loop", "bytes": 6.0})

	data, err := os.ReadFile(filepath.Join(dir, "decisions.jsonl"))
	if err != nil {
		t.Fatalf("failed to read decisions.jsonl: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("failed to parse JSONL entry: %v", err)
	}
	if entry["event"] != "stop" || entry["reason"] != "loop" {
		t.Errorf("unexpected entry: %v", entry)
	}
	if _, ok := entry["time"]; !ok {
		t.Error("expected 'time' field in decision log entry")
	}
}

func TestDecisionLoggerEvent(t *testing.T) {
	dir := t.TempDir()
	dl := NewDecisionLogger(dir, "debug")
	defer dl.Close()

	dl.Event("hierarchy_skipped", "src", 3.0, "dst", 9.0, "reason", "cyclic")

	data, err := os.ReadFile(filepath.Join(dir, "decisions.jsonl"))
	if err != nil {
		t.Fatalf("failed to read decisions.jsonl: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("failed to parse JSONL entry: %v", err)
	}
	if entry["event"] != "hierarchy_skipped" || entry["reason"] != "cyclic" {
		t.Errorf("unexpected entry: %v", entry)
	}
}

func TestDecisionLoggerMultipleWrites(t *testing.T) {
	dir := t.TempDir()
	dl := NewDecisionLogger(dir, "trace")
	defer dl.Close()

	dl.Log(map[string]any{"event": "first"})
	dl.Log(map[string]any{"event": "second"})

	data, err := os.ReadFile(filepath.Join(dir, "decisions.jsonl"))
	if err != nil {
		t.Fatalf("failed to read decisions.jsonl: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), string(data))
	}
	for i, want := range []string{"first", "second"} {
		var entry map[string]any
		if err := json.Unmarshal([]byte(lines[i]), &entry); err != nil {
			t.Fatalf("line %d: %v", i, err)
		}
		if entry["event"] != want {
			t.Errorf("line %d event = %v, want %q", i, entry["event"], want)
		}
	}
}

func TestDecisionLoggerCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	dl := NewDecisionLogger(dir, "debug")
	dl.Close()
	dl.Close()
	dl.Log(map[string]any{"event": "after close"})
}
