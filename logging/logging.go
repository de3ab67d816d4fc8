// Package logging provides the levelled console logger used by every
// singletonkit component. Lines are plain text, one event per line:
//
//	LEVEL TIMESTAMP [component] event key=value ...
//
// Field keys are sorted so that identical events render identically.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// ParseLevel converts a case-insensitive level name to a Level.
func ParseLevel(s string) (Level, error) {
	switch Level(strings.ToUpper(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug, nil
	case LevelInfo, "":
		return LevelInfo, nil
	case LevelWarn, "WARNING":
		return LevelWarn, nil
	case LevelError:
		return LevelError, nil
	}
	return "", fmt.Errorf("unknown log level %q", s)
}

// Logger writes structured lines to an io.Writer.
// Loggers derived with WithComponent/WithNode share the parent's output lock.
type Logger struct {
	mu        *sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
	node      string
}

var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// New creates a new Logger writing INFO and above to stdout.
func New() *Logger {
	return &Logger{
		mu:       &sync.Mutex{},
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *Logger {
	l := New()
	l.output = io.Discard
	return l
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	c := *l
	c.component = component
	return &c
}

// WithNode returns a new logger that tags every line with node=<id>.
func (l *Logger) WithNode(node string) *Logger {
	c := *l
	c.node = node
	return &c
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.minLevel = level
	l.mu.Unlock()
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	l.output = w
	l.mu.Unlock()
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	return b.String()
}

func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	merged := make(map[string]interface{})
	if l.node != "" {
		merged["node"] = l.node
	}
	for _, f := range fields {
		for k, v := range f {
			merged[k] = v
		}
	}
	fieldStr := formatFields(merged)

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.output.Write([]byte(line))
}

// --- Singleton lifecycle events ---

// ElectionWon logs that this node now owns the singleton.
func (l *Logger) ElectionWon(name, handle string) {
	l.Info("election_won", map[string]interface{}{
		"singleton": name,
		"handle":    handle,
	})
}

// ElectionLost logs that another node owns the singleton and this one follows it.
func (l *Logger) ElectionLost(name, handle, ownerNode string) {
	l.Info("election_lost", map[string]interface{}{
		"singleton": name,
		"handle":    handle,
		"owner":     ownerNode,
	})
}

// WorkerDown logs an abnormal exit of a watched worker.
func (l *Logger) WorkerDown(name, handle, reason string, err error) {
	fields := map[string]interface{}{
		"singleton": name,
		"handle":    handle,
		"reason":    reason,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Warn("worker_down", fields)
}

// ReelectScheduled logs the jittered delay before the next claim attempt.
func (l *Logger) ReelectScheduled(name string, delay time.Duration) {
	l.Info("reelect_scheduled", map[string]interface{}{
		"singleton": name,
		"delay":     delay.String(),
	})
}

// FatalInit logs a first election that could not be evaluated.
func (l *Logger) FatalInit(name string, err error) {
	l.Error("fatal_init", map[string]interface{}{
		"singleton": name,
		"error":     err.Error(),
	})
}

// WatchdogStopped logs the graceful end of a watchdog.
func (l *Logger) WatchdogStopped(name, handle string) {
	l.Info("watchdog_stopped", map[string]interface{}{
		"singleton": name,
		"handle":    handle,
	})
}

// LeaseLost logs a claim this node could no longer renew.
func (l *Logger) LeaseLost(name, handle string, err error) {
	fields := map[string]interface{}{
		"singleton": name,
		"handle":    handle,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Warn("lease_lost", fields)
}
