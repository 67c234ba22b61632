package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		raw  string
		want zerolog.Level
	}{
		{"", zerolog.InfoLevel},
		{"info", zerolog.InfoLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"trace", zerolog.TraceLevel},
		{"disabled", zerolog.Disabled},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.raw); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestInitWithFileOutput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "droidbay.log")

	logger := Init(Config{Format: "json", Level: "info", Component: "test", FilePath: path})
	logger.Info().Str("event", "file-output-check").Msg("hello")
	Shutdown()
	Shutdown() // idempotent

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file missing: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "file-output-check") {
		t.Errorf("log file missing event: %s", content)
	}
	if !strings.Contains(content, `"component":"test"`) {
		t.Errorf("log file missing component field: %s", content)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("log file permissions = %v, want 0600", perm)
	}
}

func TestInitLevelFilter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "droidbay.log")

	logger := Init(Config{Format: "json", Level: "warn", FilePath: path})
	logger.Info().Msg("below threshold")
	logger.Warn().Msg("at threshold")
	Shutdown()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "below threshold") {
		t.Error("info event logged despite warn level")
	}
	if !strings.Contains(string(data), "at threshold") {
		t.Error("warn event missing")
	}
}
