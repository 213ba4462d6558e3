package logging

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Level represents log severity level.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
	LevelFatal Level = "FATAL"
)

// severityNumbers maps OTEL severity text to OTEL severity number.
// See https://opentelemetry.io/docs/specs/otel/logs/data-model/#severity-fields
var severityNumbers = map[Level]int{
	LevelDebug: 5,
	LevelInfo:  9,
	LevelWarn:  13,
	LevelError: 17,
	LevelFatal: 21,
}

// SeverityNumber returns the OTEL severity number for a level.
func SeverityNumber(level Level) int {
	return severityNumbers[level]
}

// ParseLevel converts a case-insensitive level name. Unknown names map to INFO.
func ParseLevel(s string) (Level, bool) {
	l := Level(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := severityNumbers[l]; ok {
		return l, true
	}
	return LevelInfo, false
}

// LogHook is called for every emitted log entry, allowing secondary sinks
// (OTLP log export) without this package importing them.
type LogHook func(level Level, msg string, attrs map[string]interface{})

// Logger writes JSON structured logs in OTEL-compatible format.
type Logger struct {
	mu       sync.Mutex
	output   io.Writer
	resource map[string]string
	hook     LogHook
	minLevel atomic.Int32
}

// LogEntry represents a single log entry in OTEL-compatible JSON format.
type LogEntry struct {
	Timestamp      string                 `json:"Timestamp"`
	SeverityText   string                 `json:"SeverityText"`
	SeverityNumber int                    `json:"SeverityNumber"`
	Body           string                 `json:"Body"`
	Attributes     map[string]interface{} `json:"Attributes,omitempty"`
	Resource       map[string]string      `json:"Resource,omitempty"`
}

var defaultLogger = newLogger(os.Stdout)

func newLogger(w io.Writer) *Logger {
	l := &Logger{output: w}
	l.minLevel.Store(int32(severityNumbers[LevelInfo]))
	return l
}

// SetOutput sets the output writer for the default logger.
func SetOutput(w io.Writer) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.output = w
}

// SetResource sets the OTEL resource attributes (service.name, service.version)
// for the default logger. Called once at startup.
func SetResource(resource map[string]string) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.resource = resource
}

// SetHook registers a hook that is called for every emitted entry.
func SetHook(hook LogHook) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.hook = hook
}

// SetLevel drops entries below the given level.
func SetLevel(level Level) {
	n, ok := severityNumbers[level]
	if !ok {
		n = severityNumbers[LevelInfo]
	}
	defaultLogger.minLevel.Store(int32(n))
}

// Enabled reports whether entries at level would be written.
func Enabled(level Level) bool {
	return int32(severityNumbers[level]) >= defaultLogger.minLevel.Load()
}

func (l *Logger) log(level Level, msg string, attrs map[string]interface{}) {
	if int32(severityNumbers[level]) < l.minLevel.Load() {
		return
	}
	entry := LogEntry{
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		SeverityText:   string(level),
		SeverityNumber: severityNumbers[level],
		Body:           msg,
		Attributes:     attrs,
	}

	l.mu.Lock()
	if l.resource != nil {
		entry.Resource = l.resource
	}
	hook := l.hook
	data, _ := json.Marshal(entry)
	data = append(data, '\n')
	_, _ = l.output.Write(data)
	l.mu.Unlock()

	// outside the lock: the hook may log
	if hook != nil {
		hook(level, msg, attrs)
	}
}

func first(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// Debug logs a debug level message.
func Debug(msg string, fields ...map[string]interface{}) {
	defaultLogger.log(LevelDebug, msg, first(fields))
}

// Info logs an info level message.
func Info(msg string, fields ...map[string]interface{}) {
	defaultLogger.log(LevelInfo, msg, first(fields))
}

// Warn logs a warning level message.
func Warn(msg string, fields ...map[string]interface{}) {
	defaultLogger.log(LevelWarn, msg, first(fields))
}

// Error logs an error level message.
func Error(msg string, fields ...map[string]interface{}) {
	defaultLogger.log(LevelError, msg, first(fields))
}

// Fatal logs a fatal level message and exits.
func Fatal(msg string, fields ...map[string]interface{}) {
	defaultLogger.log(LevelFatal, msg, first(fields))
	os.Exit(1)
}

// F is a helper to create fields map.
func F(keyvals ...interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(keyvals)/2)
	for i := 0; i < len(keyvals)-1; i += 2 {
		if key, ok := keyvals[i].(string); ok {
			fields[key] = keyvals[i+1]
		}
	}
	return fields
}

// Component is a logger that stamps every entry with a "component" attribute.
type Component string

func (c Component) with(fields []map[string]interface{}) map[string]interface{} {
	src := first(fields)
	out := make(map[string]interface{}, len(src)+1)
	for k, v := range src {
		out[k] = v
	}
	out["component"] = string(c)
	return out
}

func (c Component) Debug(msg string, fields ...map[string]interface{}) {
	if !Enabled(LevelDebug) {
		return
	}
	defaultLogger.log(LevelDebug, msg, c.with(fields))
}

func (c Component) Info(msg string, fields ...map[string]interface{}) {
	defaultLogger.log(LevelInfo, msg, c.with(fields))
}

func (c Component) Warn(msg string, fields ...map[string]interface{}) {
	defaultLogger.log(LevelWarn, msg, c.with(fields))
}

func (c Component) Error(msg string, fields ...map[string]interface{}) {
	defaultLogger.log(LevelError, msg, c.with(fields))
}
