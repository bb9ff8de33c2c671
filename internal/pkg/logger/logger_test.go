package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for input, want := range tests {
		if got := ParseLevel(input); got != want {
			t.Errorf("ParseLevel(%q): expected %v, got %v", input, want, got)
		}
	}
}

func TestSetupLogger_JSONRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	log, err := SetupLogger(Config{Level: slog.LevelInfo, Format: "json", Output: &buf})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	log.Info("login", slog.String("email", "a@x.com"), slog.String("password", "Secret1!"), slog.String("token", "eyJ..."))
	log.Debug("dropped")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("expected a single json line, got %q: %v", buf.String(), err)
	}
	if entry["email"] != "a@x.com" {
		t.Errorf("expected email to be logged, got %v", entry["email"])
	}
	if entry["password"] != "[REDACTED]" || entry["token"] != "[REDACTED]" {
		t.Errorf("expected secrets to be redacted, got %v / %v", entry["password"], entry["token"])
	}
	if strings.Contains(buf.String(), "dropped") {
		t.Error("expected debug entry to be filtered at info level")
	}
}

func TestSetupLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "server.log")
	log, err := SetupLogger(Config{Level: slog.LevelInfo, LogFile: path})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	log.Info("hello")
}

func TestGetDefaultLogFile(t *testing.T) {
	got := GetDefaultLogFile("server")
	if filepath.Base(got) != "server.log" || filepath.Base(filepath.Dir(got)) != "gatekeeper" {
		t.Errorf("unexpected default log file %q", got)
	}
}
