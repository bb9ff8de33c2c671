// Package logger builds the process-wide slog logger and holds the
// attribute helpers shared by the HTTP layer and the admin commands.
package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config selects destinations, level and format.
type Config struct {
	Level         slog.Level
	LogFile       string
	LogToStderr   bool
	AlsoLogStderr bool
	Format        string    // "json" or "text"
	Output        io.Writer // extra destination, used by tests
}

// SetupLogger opens every configured destination and returns a logger
// writing to all of them. With nothing configured it falls back to stderr.
func SetupLogger(cfg Config) (*slog.Logger, error) {
	out, err := cfg.destinations()
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{
		Level:       cfg.Level,
		AddSource:   true,
		ReplaceAttr: redactSecrets,
	}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(out, opts)), nil
	}
	return slog.New(slog.NewTextHandler(out, opts)), nil
}

func (cfg Config) destinations() (io.Writer, error) {
	var ws []io.Writer
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		ws = append(ws, f)
	}
	if cfg.LogToStderr || cfg.AlsoLogStderr || (len(ws) == 0 && cfg.Output == nil) {
		ws = append(ws, os.Stderr)
	}
	if cfg.Output != nil {
		ws = append(ws, cfg.Output)
	}
	if len(ws) == 1 {
		return ws[0], nil
	}
	return io.MultiWriter(ws...), nil
}

// Values under these keys are replaced before they reach any handler.
var redactedKeys = map[string]struct{}{
	"password":      {},
	"password_hash": {},
	"token":         {},
	"access_token":  {},
	"client_secret": {},
	"secret":        {},
}

func redactSecrets(_ []string, a slog.Attr) slog.Attr {
	if _, ok := redactedKeys[strings.ToLower(a.Key)]; ok {
		return slog.String(a.Key, "[REDACTED]")
	}
	return a
}

// ParseLevel maps debug/info/warn/error, case-insensitively. Anything else is info.
func ParseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelInfo
	}
	return l
}

func WithCommand(l *slog.Logger, cmd string) *slog.Logger { return l.With("command", cmd) }

func WithRequest(l *slog.Logger, requestID string) *slog.Logger {
	return l.With("request_id", requestID)
}

func WithPerson(l *slog.Logger, personID string) *slog.Logger {
	return l.With("person_id", personID)
}

func WithHTTPRequest(l *slog.Logger, method, path string) *slog.Logger {
	return l.With(slog.Group("http", "method", method, "path", path))
}

func WithDuration(l *slog.Logger, d time.Duration) *slog.Logger {
	return l.With("duration_ms", d.Milliseconds())
}

// GetDefaultLogFile is <user config dir>/gatekeeper/<component>.log.
func GetDefaultLogFile(component string) string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		dir = "."
	}
	return filepath.Join(dir, "gatekeeper", component+".log")
}
