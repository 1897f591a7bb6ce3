package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestConfigureJSON(t *testing.T) {
	var buf bytes.Buffer
	l := Configure(Options{Level: "debug", Format: "json", Output: &buf})
	l.Debug("probe dispatched", "target", "192.0.2.1", "port", 80)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "probe dispatched" {
		t.Fatalf("unexpected msg: %v", rec["msg"])
	}
	if Logger() != l {
		t.Fatal("Logger() should return the configured logger")
	}
}

func TestConfigureAutoNonTerminal(t *testing.T) {
	var buf bytes.Buffer
	Configure(Options{Format: "auto", Output: &buf}).Info("hello")
	if !strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Fatalf("auto format should fall back to JSON for non-terminals, got %q", buf.String())
	}
}
