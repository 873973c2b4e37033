package logging

import (
	"fmt"
	"io"
	"log"
	"strings"
)

// Level orders log severities.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps debug|info|warn|error to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Flags are shared by every component logger.
const Flags = log.LstdFlags | log.Lmicroseconds

// Logger filters a component *log.Logger by level.
type Logger struct {
	std   *log.Logger
	level Level
}

// New returns a Logger writing to w with the bracketed component prefix.
func New(w io.Writer, component string, level Level) *Logger {
	return &Logger{std: log.New(w, "["+component+"] ", Flags), level: level}
}

// Discard returns a Logger that writes nothing.
func Discard() *Logger {
	return &Logger{std: log.New(io.Discard, "", 0), level: LevelError + 1}
}

// Component derives a logger for a sub-component sharing output and level.
func (l *Logger) Component(component string) *Logger {
	return New(l.std.Writer(), component, l.level)
}

// Std adapts l for packages that take a *log.Logger, such as the chi request
// logger. Lines written through it count as info and are dropped above that.
func (l *Logger) Std() *log.Logger {
	if !l.Enabled(LevelInfo) {
		return log.New(io.Discard, "", 0)
	}
	return l.std
}

// Enabled reports whether messages at lvl are written.
func (l *Logger) Enabled(lvl Level) bool { return lvl >= l.level }

func (l *Logger) Debugf(format string, args ...any) {
	if l.Enabled(LevelDebug) {
		l.std.Printf("DEBUG "+format, args...)
	}
}

func (l *Logger) Infof(format string, args ...any) {
	if l.Enabled(LevelInfo) {
		l.std.Printf(format, args...)
	}
}

func (l *Logger) Warnf(format string, args ...any) {
	if l.Enabled(LevelWarn) {
		l.std.Printf("WARN "+format, args...)
	}
}

func (l *Logger) Errorf(format string, args ...any) {
	if l.Enabled(LevelError) {
		l.std.Printf("ERROR "+format, args...)
	}
}
