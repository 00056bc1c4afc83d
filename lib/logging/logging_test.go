package logging

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"Warning": WARN,
		"error":   ERROR,
		"fatal":   FATAL,
		"bogus":   INFO,
	}

	for in, want := range cases {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestBasicLoggerDoesNotPanic(t *testing.T) {
	logger, err := NewBasicLogger()
	if err != nil {
		t.Fatalf("NewBasicLogger: %v", err)
	}

	logger.Info("hello", map[string]interface{}{"group": "abc"})
	logger.Debug("ignored below level")
	logger.Error("boom")
}

func TestFileBackedLoggerWritesAndCloses(t *testing.T) {
	dir := t.TempDir()
	logger := &Logger{
		level:   DEBUG,
		output:  "file",
		logDir:  dir,
		started: time.Now(),
	}
	if err := logger.setupOutput(); err != nil {
		t.Fatalf("setupOutput: %v", err)
	}

	logger.Info("persisted message", map[string]interface{}{"n": 1})

	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	dateDir := filepath.Join(dir, logger.started.Format("2006-01-02"))
	entries, err := os.ReadDir(dateDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 log file, got %d", len(entries))
	}

	data, err := os.ReadFile(filepath.Join(dateDir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected the log file to contain the logged message")
	}
}
