package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, data []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", line, err)
		}
		out = append(out, rec)
	}
	return out
}

func TestNewLogger(t *testing.T) {
	t.Run("writes to file when configured", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "tgsecret.log")

		logger, err := NewLogger(Options{Level: LevelDebug, File: path})
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}
		logger.Info("hello", "k", "v")
		if err := logger.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("reading log file: %v", err)
		}
		recs := decodeLines(t, data)
		if len(recs) != 1 || recs[0]["msg"] != "hello" || recs[0]["k"] != "v" {
			t.Errorf("unexpected records: %v", recs)
		}
	})

	t.Run("stderr logger closes cleanly", func(t *testing.T) {
		logger, err := NewLogger(Options{})
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}
		if err := logger.Close(); err != nil {
			t.Errorf("Close() = %v, want nil", err)
		}
	})
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LevelWarn)

	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error")

	recs := decodeLines(t, buf.Bytes())
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2: %s", len(recs), buf.String())
	}

	buf.Reset()
	logger.SetLevel(LevelDebug)
	logger.WithComponent("child").Debug("now visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Error("SetLevel on parent did not apply to child logger")
	}
}

func TestPersistentAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, LevelInfo)

	child := logger.WithComponent("supervisor").WithUser(42).With("run_id", "r1")
	child.Info("instance started")
	logger.Info("root record")

	recs := decodeLines(t, buf.Bytes())
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0]["component"] != "supervisor" {
		t.Errorf("component = %v, want supervisor", recs[0]["component"])
	}
	if recs[0]["user_id"] != float64(42) {
		t.Errorf("user_id = %v, want 42", recs[0]["user_id"])
	}
	if recs[0]["run_id"] != "r1" {
		t.Errorf("run_id = %v, want r1", recs[0]["run_id"])
	}
	if _, ok := recs[1]["user_id"]; ok {
		t.Error("parent logger picked up child attributes")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]string{
		"debug":   LevelDebug,
		"WARN":    LevelWarn,
		"Error":   LevelError,
		"verbose": LevelInfo,
		"":        LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %q, want %q", in, got, want)
		}
	}
	if len(ValidLevels()) != 4 {
		t.Errorf("ValidLevels() = %v, want 4 entries", ValidLevels())
	}
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()
	logger.WithUser(1).Error("discarded")
	if err := logger.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}
