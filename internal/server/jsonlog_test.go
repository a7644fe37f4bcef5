package server

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"
)

func TestLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, LogLevelInfo, false)
	l.now = fixedClock(time.Date(2024, 5, 6, 7, 8, 9, 0, time.Local))

	l.Info("file uploaded", map[string]any{"size": 10, "filename": "a.txt"})

	want := "2024-05-06 07:08:09, INFO: file uploaded filename=a.txt size=10\n"
	if buf.String() != want {
		t.Fatalf("got %q, want %q", buf.String(), want)
	}
}

func TestLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, LogLevelDebug, true)

	l.Error("db insert failed", map[string]any{"rid": "abc"}, os.ErrClosed)

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode: %v (%q)", err, buf.String())
	}
	if entry.Level != LogLevelError || entry.Message != "db insert failed" {
		t.Fatalf("unexpected entry %+v", entry)
	}
	if entry.RequestID != "abc" || entry.Error == "" {
		t.Fatalf("request id or error missing: %+v", entry)
	}
	if !strings.HasPrefix(entry.Caller, "jsonlog_test.go:") {
		t.Fatalf("caller should point at the test, got %q", entry.Caller)
	}
}

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, LogLevelWarn, false)

	l.Debug("debug", nil)
	l.Info("info", nil)
	if buf.Len() != 0 {
		t.Fatalf("expected nothing below warn, got %q", buf.String())
	}

	l.Warn("warn", nil)
	if !strings.Contains(buf.String(), "WARN: warn") {
		t.Fatalf("expected warn line, got %q", buf.String())
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":  LogLevelDebug,
		"INFO":   LogLevelInfo,
		" warn ": LogLevelWarn,
		"error":  LogLevelError,
		"":       LogLevelInfo,
		"bogus":  LogLevelInfo,
	}
	for in, want := range tests {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %q, want %q", in, got, want)
		}
	}
}
