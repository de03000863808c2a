package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want bool
	}{
		{"", true},
		{"debug", true},
		{" Warning ", true},
		{"ERROR", true},
		{"loud", false},
	}
	for _, tt := range tests {
		if got := ValidLevel(tt.in); got != tt.want {
			t.Fatalf("ValidLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestJSONLoggerFieldsAndLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewJSON(&buf, "info").With(String("comp", "test"))

	log.Debug("hidden")
	log.Warn("visible", Int("n", 3), Err(errors.New("boom")), Err(nil), Stack(" "))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec["message"] != "visible" || rec["comp"] != "test" || rec["n"] != float64(3) || rec["err"] != "boom" {
		t.Fatalf("record = %v", rec)
	}
	if _, ok := rec["stack"]; ok {
		t.Fatalf("blank stack should be omitted: %v", rec)
	}
	if c, _ := rec["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller = %q", c)
	}
}

func TestServiceApplySwapsSinks(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	first := filepath.Join(dir, "a.log")
	second := filepath.Join(dir, "b.log")

	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: first}})
	derived := log.With(String("comp", "x"))
	derived.Info("one")
	derived.Debug("filtered")

	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: second}})
	derived.Debug("two")
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	a, _ := os.ReadFile(first)
	b, _ := os.ReadFile(second)
	if !strings.Contains(string(a), `"one"`) || strings.Contains(string(a), "filtered") || strings.Contains(string(a), `"two"`) {
		t.Fatalf("first log = %q", a)
	}
	if !strings.Contains(string(b), `"two"`) {
		t.Fatalf("second log = %q", b)
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var log Logger
	if !log.IsZero() {
		t.Fatal("zero Logger should report IsZero")
	}
	log.Error("dropped")
	if Nop().IsZero() {
		t.Fatal("Nop should not be zero")
	}
}
