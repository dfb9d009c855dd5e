package logger

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func TestLogger_WritesFieldsAndFormatsMessage(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelInfo, Output: &buf, Service: "test"})

	l.WithField("mailbox_id", "mbx-1").
		WithError(errors.New("boom")).
		WithDuration(1500*time.Microsecond).
		Info("processed %d notifications", 3)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v (%s)", err, buf.String())
	}

	if entry["message"] != "processed 3 notifications" {
		t.Errorf("message = %v", entry["message"])
	}
	if entry["service"] != "test" {
		t.Errorf("service = %v", entry["service"])
	}
	if entry["mailbox_id"] != "mbx-1" {
		t.Errorf("mailbox_id = %v", entry["mailbox_id"])
	}
	if entry["error"] != "boom" {
		t.Errorf("error = %v", entry["error"])
	}
	if entry["duration_ms"] != 1.5 {
		t.Errorf("duration_ms = %v", entry["duration_ms"])
	}
}

func TestLogger_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelWarn, Output: &buf})

	l.Info("hidden")
	l.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below warn, got %q", buf.String())
	}

	l.Warn("shown")
	if buf.Len() == 0 {
		t.Fatal("expected warn output")
	}
}

func TestLogger_WithFieldDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := New(Config{Output: &buf})
	_ = parent.WithField("k", "v")

	if len(parent.fields) != 0 {
		t.Errorf("parent fields mutated: %v", parent.fields)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"WARNING", LevelWarn},
		{"error", LevelError},
		{"", LevelInfo},
		{"nonsense", LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
