package telemetry

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readLastEntry(t *testing.T, home string) map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		t.Fatalf("expected at least one log line")
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("unmarshal log json: %v", err)
	}
	return entry
}

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	lvl := new(slog.LevelVar)
	lvl.Set(slog.LevelDebug)
	logger, closer, err := NewLogger(home, lvl, true, "daemon")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("plugin registered", "plugin", "echo", "source", "socket")

	entry := readLastEntry(t, home)
	for _, key := range []string{"timestamp", "level", "msg", "component", "trace_id"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "daemon" {
		t.Fatalf("expected component=daemon, got %#v", entry["component"])
	}
	if entry["trace_id"] != "-" {
		t.Fatalf("expected trace_id='-', got %#v", entry["trace_id"])
	}
	if entry["plugin"] != "echo" {
		t.Fatalf("expected plugin propagation, got %#v", entry["plugin"])
	}
}

func TestNewLogger_RedactsSensitiveFields(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, nil, true, "")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("handshake",
		"password_hash", "abc123",
		"private_key", "seed",
		"public_key", "visible",
		"detail", `{"password":"hunter22"}`,
	)

	entry := readLastEntry(t, home)
	if entry["password_hash"] != "[REDACTED]" || entry["private_key"] != "[REDACTED]" {
		t.Fatalf("expected secret keys redacted, got %#v", entry)
	}
	if entry["public_key"] != "visible" {
		t.Fatalf("public key must not be redacted, got %#v", entry["public_key"])
	}
	if strings.Contains(entry["detail"].(string), "hunter22") {
		t.Fatalf("expected inline password redacted, got %#v", entry["detail"])
	}
}

func TestNewHandler_LevelVarIsLive(t *testing.T) {
	var buf bytes.Buffer
	lvl := new(slog.LevelVar)
	lvl.Set(slog.LevelWarn)
	logger := slog.New(NewHandler(&buf, lvl))

	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level")
	}
	lvl.Set(ParseLevel("debug"))
	logger.Debug("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("expected debug line after level change, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug, " WARN ": slog.LevelWarn, "warning": slog.LevelWarn,
		"error": slog.LevelError, "": slog.LevelInfo, "loud": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
