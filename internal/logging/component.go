package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a level name to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// componentLogger writes leveled, component-prefixed lines to a single writer.
type componentLogger struct {
	mu        *sync.Mutex
	out       io.Writer
	level     Level
	component string
	clock     func() time.Time
}

var (
	defaultMu    sync.Mutex
	defaultOut   io.Writer = os.Stderr
	defaultLevel           = ParseLevel(os.Getenv("GAGENT_LOG_LEVEL"))
)

// SetDefaultOutput redirects all component loggers created afterwards.
// Intended for tests and for the CLI to route logs into a file.
func SetDefaultOutput(w io.Writer) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if w != nil {
		defaultOut = w
	}
}

// SetDefaultLevel overrides the GAGENT_LOG_LEVEL threshold process-wide.
func SetDefaultLevel(level Level) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLevel = level
}

// NewComponentLogger returns the default application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return &componentLogger{
		mu:        &defaultMu,
		out:       defaultOut,
		level:     defaultLevel,
		component: component,
		clock:     time.Now,
	}
}

// NewWriterLogger returns a logger scoped to component that writes to w with
// the given threshold. Used by tests to capture output.
func NewWriterLogger(component string, w io.Writer, level Level) Logger {
	return &componentLogger{
		mu:        &sync.Mutex{},
		out:       w,
		level:     level,
		component: component,
		clock:     time.Now,
	}
}

func (l *componentLogger) log(level Level, format string, args ...any) {
	if level < l.level || l.out == nil {
		return
	}
	component := l.component
	if component == "" {
		component = "gagent"
	}
	line := fmt.Sprintf("%s [%s] [%s] %s\n",
		l.clock().Format("2006-01-02 15:04:05.000"),
		level.String(),
		component,
		fmt.Sprintf(format, args...))

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = io.WriteString(l.out, line)
}

func (l *componentLogger) Debug(format string, args ...any) {
	l.log(LevelDebug, format, args...)
}

func (l *componentLogger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

func (l *componentLogger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

func (l *componentLogger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}
