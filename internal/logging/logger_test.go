package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestOrNopHandlesTypedNilPointers(t *testing.T) {
	var typed *componentLogger
	var logger Logger = typed
	if !IsNil(logger) {
		t.Fatalf("expected typed nil pointer to be detected")
	}
	safe := OrNop(logger)
	if IsNil(safe) {
		t.Fatalf("expected OrNop to return a usable logger")
	}
	safe.Info("hello %s", "world") // should not panic
}

func TestWriterLoggerFiltersByLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewWriterLogger("store", buf, LevelWarn)

	logger.Debug("dropped %d", 1)
	logger.Info("dropped %d", 2)
	logger.Warn("kept %d", 3)
	logger.Error("kept %d", 4)

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("expected levels below warn to be filtered, got %q", out)
	}
	if !strings.Contains(out, "kept 3") || !strings.Contains(out, "kept 4") {
		t.Fatalf("expected warn and error lines, got %q", out)
	}
	if !strings.Contains(out, "[store]") {
		t.Fatalf("expected component prefix, got %q", out)
	}
}

func TestMultiFansOutAndFlattens(t *testing.T) {
	a, b := &bytes.Buffer{}, &bytes.Buffer{}
	la := NewWriterLogger("a", a, LevelDebug)
	lb := NewWriterLogger("b", b, LevelDebug)

	inner := Multi(la, nil)
	outer := Multi(inner, lb)
	outer.Info("fan %s", "out")

	if !strings.Contains(a.String(), "fan out") || !strings.Contains(b.String(), "fan out") {
		t.Fatalf("expected both sinks to receive the line")
	}
	if ml, ok := outer.(*multiLogger); ok && len(ml.loggers) != 2 {
		t.Fatalf("expected nested multi loggers to flatten, got %d", len(ml.loggers))
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"bogus":   LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
