package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	SILENT // No logging
)

var levelNames = map[LogLevel]string{
	DEBUG:  "DEBUG",
	INFO:   "INFO",
	WARN:   "WARN",
	ERROR:  "ERROR",
	SILENT: "SILENT",
}

// slogLevel maps a LogLevel onto the slog scale. SILENT sits above every emitted level.
func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case DEBUG:
		return slog.LevelDebug
	case INFO:
		return slog.LevelInfo
	case WARN:
		return slog.LevelWarn
	case ERROR:
		return slog.LevelError
	default:
		return slog.LevelError + 4
	}
}

// Logger provides leveled, module-tagged logging with key/value context
type Logger struct {
	mu    sync.Mutex
	level LogLevel
	lv    *slog.LevelVar
	sl    *slog.Logger
}

var defaultLogger *Logger
var once sync.Once

// Init initializes the global logger (call once at startup)
func Init(level LogLevel, output io.Writer, format string) {
	once.Do(func() {
		defaultLogger = New(level, output, format)
	})
}

// New creates a new Logger instance. format is "text" (default) or "json".
func New(level LogLevel, output io.Writer, format string) *Logger {
	if output == nil {
		output = os.Stderr
	}

	lv := new(slog.LevelVar)
	lv.Set(level.slogLevel())
	opts := &slog.HandlerOptions{Level: lv}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return &Logger{
		level: level,
		lv:    lv,
		sl:    slog.New(handler),
	}
}

// SetLevel changes the log level
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
	l.lv.Set(level.slogLevel())
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

func (l *Logger) log(level LogLevel, module string, msg string, args ...any) {
	if level >= SILENT || level < l.GetLevel() {
		return
	}
	if module != "" {
		args = append([]any{slog.String("module", module)}, args...)
	}
	l.sl.Log(context.Background(), level.slogLevel(), msg, args...)
}

// Debug logs a debug message
func (l *Logger) Debug(module string, msg string, args ...any) {
	l.log(DEBUG, module, msg, args...)
}

// Info logs an info message
func (l *Logger) Info(module string, msg string, args ...any) {
	l.log(INFO, module, msg, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(module string, msg string, args ...any) {
	l.log(WARN, module, msg, args...)
}

// Error logs an error message
func (l *Logger) Error(module string, msg string, args ...any) {
	l.log(ERROR, module, msg, args...)
}

// Global logger functions (use default logger)

// SetLevel sets the global log level
func SetLevel(level LogLevel) {
	if defaultLogger != nil {
		defaultLogger.SetLevel(level)
	}
}

// GetLevel returns the global log level
func GetLevel() LogLevel {
	if defaultLogger != nil {
		return defaultLogger.GetLevel()
	}
	return INFO
}

// Debug logs a debug message using the global logger
func Debug(module string, msg string, args ...any) {
	if defaultLogger != nil {
		defaultLogger.Debug(module, msg, args...)
	}
}

// Info logs an info message using the global logger
func Info(module string, msg string, args ...any) {
	if defaultLogger != nil {
		defaultLogger.Info(module, msg, args...)
	}
}

// Warn logs a warning message using the global logger
func Warn(module string, msg string, args ...any) {
	if defaultLogger != nil {
		defaultLogger.Warn(module, msg, args...)
	}
}

// Error logs an error message using the global logger
func Error(module string, msg string, args ...any) {
	if defaultLogger != nil {
		defaultLogger.Error(module, msg, args...)
	}
}

// Kinded is implemented by errors that carry a stable kind string for log lines
type Kinded interface {
	Kind() string
}

// Err logs err at ERROR with its kind and any extra context.
// Errors without a Kind are tagged "internal".
func Err(module string, msg string, err error, args ...any) {
	kind := "internal"
	var k Kinded
	if errors.As(err, &k) {
		kind = k.Kind()
	}
	Error(module, msg, append([]any{"kind", kind, "error", err}, args...)...)
}

// ParseLevel parses a log level string
func ParseLevel(s string) (LogLevel, error) {
	switch s {
	case "debug", "DEBUG":
		return DEBUG, nil
	case "info", "INFO":
		return INFO, nil
	case "warn", "WARN", "warning", "WARNING":
		return WARN, nil
	case "error", "ERROR":
		return ERROR, nil
	case "silent", "SILENT", "none", "NONE":
		return SILENT, nil
	default:
		return INFO, fmt.Errorf("invalid log level: %s", s)
	}
}

// String returns the string representation of a log level
func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}
