package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DebugLevel},
		{"INFO", InfoLevel},
		{"warning", WarnLevel},
		{"error", ErrorLevel},
		{"fatal", FatalLevel},
		{"bogus", InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: "warn", Output: &buf})

	l.Info("hidden")
	l.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line written at warn level: %q", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("warn line missing: %q", out)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	l.Info("spend broadcast", "txid", "abcd")

	var entry map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if entry["msg"] != "spend broadcast" {
		t.Errorf("msg = %v, want spend broadcast", entry["msg"])
	}
	if entry["txid"] != "abcd" {
		t.Errorf("txid = %v, want abcd", entry["txid"])
	}
}

func TestComponentInheritsOutputAndLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: "debug", Output: &buf})

	c := l.Component("planner")
	if c.GetLevel() != DebugLevel {
		t.Errorf("component level = %v, want debug", c.GetLevel())
	}
	c.Debug("planning")

	out := buf.String()
	if !strings.Contains(out, "planner") || !strings.Contains(out, "planning") {
		t.Errorf("component output = %q, want prefix and message", out)
	}
}

func TestDiscard(t *testing.T) {
	l := Discard()
	if l.GetLevel() != FatalLevel {
		t.Errorf("Discard level = %v, want fatal", l.GetLevel())
	}
	l.Error("dropped")
}
