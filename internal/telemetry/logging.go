package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/plat/internal/shared"
)

// LogFile is the name of the structured log under <home>/logs.
const LogFile = "system.jsonl"

// OpenLogFile opens <home>/logs/<name> for appending, creating the directory.
func OpenLogFile(homeDir, name string) (*os.File, error) {
	dir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

// NewLogger logs JSON lines to <homeDir>/logs/system.jsonl, and to stdout
// unless quiet. Every record carries component and trace_id. A nil level
// starts at info; the config watcher may move it later.
func NewLogger(homeDir string, level *slog.LevelVar, quiet bool, component string) (*slog.Logger, io.Closer, error) {
	file, err := OpenLogFile(homeDir, LogFile)
	if err != nil {
		return nil, nil, err
	}
	if level == nil {
		level = new(slog.LevelVar)
	}
	if component == "" {
		component = "daemon"
	}

	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}
	logger := slog.New(NewHandler(w, level)).With("component", component, "trace_id", "-")
	return logger, file, nil
}

// NewHandler is the JSON handler NewLogger uses, minus the file.
func NewHandler(w io.Writer, level slog.Leveler) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level, ReplaceAttr: scrubAttr})
}

func scrubAttr(_ []string, a slog.Attr) slog.Attr {
	switch {
	case a.Key == slog.TimeKey:
		a.Key = "timestamp"
		return a
	case shared.IsSecretKey(a.Key):
		return slog.String(a.Key, shared.Mask)
	case a.Value.Kind() == slog.KindString:
		if v := a.Value.String(); v != "" {
			if masked := shared.Redact(v); masked != v {
				return slog.String(a.Key, masked)
			}
		}
	}
	return a
}

// ParseLevel maps a config string to a slog level. Unknown values are info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
