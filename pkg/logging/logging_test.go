package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestLogLevel_String(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{LogLevel(999), "UNKNOWN"},
	}

	for _, test := range tests {
		result := test.level.String()
		if result != test.expected {
			t.Errorf("LogLevel(%d).String() = %s, expected %s", test.level, result, test.expected)
		}
	}
}

func TestLogLevel_SlogLevel(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected slog.Level
	}{
		{LevelDebug, slog.LevelDebug},
		{LevelInfo, slog.LevelInfo},
		{LevelWarn, slog.LevelWarn},
		{LevelError, slog.LevelError},
		{LogLevel(999), slog.LevelInfo}, // Default for unknown
	}

	for _, test := range tests {
		result := test.level.SlogLevel()
		if result != test.expected {
			t.Errorf("LogLevel(%d).SlogLevel() = %v, expected %v", test.level, result, test.expected)
		}
	}
}

func TestInitWritesSubsystemAndMessage(t *testing.T) {
	var buf bytes.Buffer
	Init(LevelInfo, &buf)

	Info("Compose", "submitted build %s", "build-1234")

	output := buf.String()
	if !strings.Contains(output, "submitted build build-1234") {
		t.Errorf("Expected message in output, got %q", output)
	}
	if !strings.Contains(output, "Compose") {
		t.Errorf("Expected subsystem in output, got %q", output)
	}
}

func TestInitFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	Init(LevelInfo, &buf)

	Debug("Cloud", "should be suppressed")

	if buf.Len() != 0 {
		t.Errorf("Expected no output for debug message at info level, got %q", buf.String())
	}
}

func TestErrorIncludesErrorAttr(t *testing.T) {
	var buf bytes.Buffer
	Init(LevelError, &buf)

	Error("Cloud", errors.New("instance busy"), "failed to delete %s", "i-1")

	output := buf.String()
	if !strings.Contains(output, "failed to delete i-1") {
		t.Errorf("Expected message in output, got %q", output)
	}
	if !strings.Contains(output, "instance busy") {
		t.Errorf("Expected error attribute in output, got %q", output)
	}
}

func TestUninitializedLoggerIsSafe(t *testing.T) {
	saved := defaultLogger
	defaultLogger = nil
	defer func() { defaultLogger = saved }()

	// Library code logs before Init in tests; nothing must panic.
	Debug("Cloud", "no logger yet")
	Info("Cloud", "no logger yet")
	Warn("Cloud", "no logger yet")
	Error("Cloud", errors.New("boom"), "no logger yet")
}
