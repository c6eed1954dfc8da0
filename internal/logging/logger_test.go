package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"off", zerolog.Disabled},
		{"unknown", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestNewConsoleRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(Config{Level: "warn", Console: true, NoColor: true}, &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closer.Close()

	logger.Info().Msg("hidden")
	logger.Warn().Str("vendor", "groq").Msg("circuit opened")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line should be filtered, got: %s", out)
	}
	if !strings.Contains(out, "circuit opened") || !strings.Contains(out, "vendor=groq") {
		t.Errorf("expected warn line with field, got: %s", out)
	}
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := New(Config{Level: "debug", Console: true, JSON: true}, &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Debug().Msg("routed")
	if !strings.HasPrefix(buf.String(), "{") || !strings.Contains(buf.String(), `"message":"routed"`) {
		t.Errorf("expected JSON line, got: %s", buf.String())
	}
}

func TestNewWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "cortex-rag.log")
	logger, closer, err := New(Config{Level: "info", File: path}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info().Msg("to file")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Errorf("log file missing line: %s", data)
	}
}

func TestNewWithoutOutputsIsNop(t *testing.T) {
	logger, closer, err := New(Config{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if closer.Close() != nil {
		t.Error("nop closer should not fail")
	}
	if logger.GetLevel() != zerolog.Disabled {
		t.Errorf("expected disabled logger, got %v", logger.GetLevel())
	}
}

func TestMaskKey(t *testing.T) {
	tests := map[string]string{
		"":                    "",
		"short":               "****",
		"sk-abcdefghijkl1234": "****1234",
	}
	for in, want := range tests {
		if got := MaskKey(in); got != want {
			t.Errorf("MaskKey(%q) = %q, want %q", in, got, want)
		}
	}
}
