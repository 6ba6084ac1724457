package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestU_ParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{" WARN ", zapcore.WarnLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"verbose", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestU_New_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "qsign.log")
	log, err := New(Config{Env: "prod", Level: "debug", File: path, Quiet: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	log.Named("pdf").Debug("document signed", zap.Int("size", 42))
	_ = log.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	line := strings.TrimSpace(string(data))
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line is not JSON: %q", line)
	}
	if entry["msg"] != "document signed" || entry["logger"] != "pdf" || entry["size"] != float64(42) {
		t.Errorf("entry = %v", entry)
	}
}

func TestU_New_LevelFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qsign.log")
	log, err := New(Config{Level: "warn", File: path, Quiet: true})
	if err != nil {
		t.Fatal(err)
	}
	log.Info("dropped")
	log.Warn("kept")
	_ = log.Sync()

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "dropped") || !strings.Contains(string(data), "kept") {
		t.Errorf("log file = %q", data)
	}
}

func TestU_New_QuietWithoutFile(t *testing.T) {
	log, err := New(Config{Quiet: true})
	if err != nil {
		t.Fatal(err)
	}
	if log.Core().Enabled(zapcore.ErrorLevel) {
		t.Error("quiet logger without file should be a no-op")
	}
}
