package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func newJSONLogger(t *testing.T, buf *bytes.Buffer) Logger {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Format = JSONFormat
	cfg.Level = DebugLevel
	l, err := NewWithWriter(cfg, buf)
	if err != nil {
		t.Fatalf("NewWithWriter: %v", err)
	}
	return l
}

func lastLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("invalid JSON log line %q: %v", lines[len(lines)-1], err)
	}
	return entry
}

func TestDerivedLoggersKeepFields(t *testing.T) {
	var buf bytes.Buffer
	l := newJSONLogger(t, &buf)

	l.WithComponent("matcher").WithField("account", "acct-1").WithError(errors.New("boom")).Info("hello")

	entry := lastLine(t, &buf)
	if entry["component"] != "matcher" {
		t.Errorf("expected component field, got %v", entry["component"])
	}
	if entry["account"] != "acct-1" {
		t.Errorf("expected account field, got %v", entry["account"])
	}
	if entry["error"] != "boom" {
		t.Errorf("expected error field, got %v", entry["error"])
	}
	if entry["msg"] != "hello" {
		t.Errorf("expected msg hello, got %v", entry["msg"])
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"default", func(c *Config) {}, false},
		{"bad level", func(c *Config) { c.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Format = "xml" }, true},
		{"bad output", func(c *Config) { c.Output = "syslog" }, true},
		{"file without path", func(c *Config) { c.Output = FileOutput }, true},
		{"file with path", func(c *Config) { c.Output = FileOutput; c.File = "/tmp/x.log" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mutate(c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestProgressTrackerCountsFailures(t *testing.T) {
	var buf bytes.Buffer
	l := newJSONLogger(t, &buf)

	p := NewProgressTracker(ProgressConfig{Operation: "batches", Total: 3, Logger: l, LogInterval: time.Hour})
	p.Done(nil)
	p.Done(errors.New("account missing"))
	p.Done(nil)
	stats := p.Complete()

	if stats.Current != 3 || stats.Failed != 1 {
		t.Errorf("expected 3 processed / 1 failed, got %d / %d", stats.Current, stats.Failed)
	}
	if stats.Percentage != 100 {
		t.Errorf("expected 100%%, got %.1f", stats.Percentage)
	}
	entry := lastLine(t, &buf)
	if entry["level"] != "warning" {
		t.Errorf("expected warning level on completion with failures, got %v", entry["level"])
	}
}

func TestTimedOperation(t *testing.T) {
	var buf bytes.Buffer
	l := newJSONLogger(t, &buf)

	want := errors.New("ledger down")
	if got := TimedOperation("query", l, func() error { return want }); got != want {
		t.Errorf("expected error passthrough, got %v", got)
	}
	entry := lastLine(t, &buf)
	if entry["status"] != "error" || entry["operation"] != "query" {
		t.Errorf("unexpected final entry: %v", entry)
	}
}
