// Package logger provides a small leveled logging utility.
package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// Level is a log severity level.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	mu           sync.Mutex
	currentLevel = LevelInfo
)

// SetLevel sets the active log level.
func SetLevel(level Level) {
	mu.Lock()
	currentLevel = level
	mu.Unlock()
}

// SetLevelFromString sets the active log level from its string name.
// Unknown names fall back to info.
func SetLevelFromString(level string) {
	switch strings.ToLower(level) {
	case "debug":
		SetLevel(LevelDebug)
	case "info":
		SetLevel(LevelInfo)
	case "warn", "warning":
		SetLevel(LevelWarn)
	case "error":
		SetLevel(LevelError)
	default:
		SetLevel(LevelInfo)
	}
}

// IsDebugEnabled reports whether debug logging is active.
func IsDebugEnabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return currentLevel <= LevelDebug
}

// Debug logs a debug message with optional key-value pairs.
func Debug(msg string, kv ...any) { logAt(LevelDebug, "DEBUG", msg, kv) }

// Info logs an informational message with optional key-value pairs.
func Info(msg string, kv ...any) { logAt(LevelInfo, "INFO", msg, kv) }

// Warn logs a warning message with optional key-value pairs.
func Warn(msg string, kv ...any) { logAt(LevelWarn, "WARN", msg, kv) }

// Error logs an error message with optional key-value pairs.
func Error(msg string, kv ...any) { logAt(LevelError, "ERROR", msg, kv) }

func logAt(level Level, label, msg string, kv []any) {
	mu.Lock()
	enabled := currentLevel <= level
	mu.Unlock()
	if !enabled {
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", label, msg)
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kv[i], kv[i+1])
	}
	if len(kv)%2 == 1 {
		fmt.Fprintf(&b, " %v", kv[len(kv)-1])
	}
	fmt.Fprintln(os.Stderr, b.String())
}
