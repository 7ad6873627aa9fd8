// Package logging provides structured JSON logging for statsync.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// ParseLevel converts a level name into a LogLevel, defaulting to INFO.
func ParseLevel(s string) LogLevel {
	switch s {
	case "debug", "DEBUG":
		return LevelDebug
	case "warn", "WARN", "warning", "WARNING":
		return LevelWarn
	case "error", "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l LogLevel) logrus() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Options configures a Logger.
type Options struct {
	Level LogLevel
	// Output receives log lines when File is empty. Defaults to stdout.
	Output io.Writer
	// File enables size-based rotation of the log file.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Logger provides structured JSON logging. Loggers are created once per
// process and handed to the components that need them.
type Logger struct {
	base      *logrus.Logger
	entry     *logrus.Entry
	component string
	closer    io.Closer
}

// New creates a logger writing to out at the given minimum level.
func New(out io.Writer, minLevel LogLevel) *Logger {
	return NewWithOptions(Options{Level: minLevel, Output: out})
}

// NewWithOptions creates a logger from options.
func NewWithOptions(opts Options) *Logger {
	base := logrus.New()
	base.SetFormatter(&jsonFormatter{})
	base.SetLevel(opts.Level.logrus())

	var closer io.Closer
	switch {
	case opts.File != "":
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		base.SetOutput(rotator)
		closer = rotator
	case opts.Output != nil:
		base.SetOutput(opts.Output)
	default:
		base.SetOutput(os.Stdout)
	}

	return &Logger{base: base, entry: logrus.NewEntry(base), closer: closer}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return New(io.Discard, LevelError)
}

// With returns a child logger tagged with a component name.
func (l *Logger) With(component string) *Logger {
	return &Logger{
		base:      l.base,
		entry:     l.entry.WithField(componentKey, component),
		component: component,
	}
}

// SetLevel changes the minimum level for this logger and all children.
func (l *Logger) SetLevel(level LogLevel) {
	l.base.SetLevel(level.logrus())
}

// Level returns the current minimum level.
func (l *Logger) Level() LogLevel {
	switch l.base.GetLevel() {
	case logrus.DebugLevel, logrus.TraceLevel:
		return LevelDebug
	case logrus.WarnLevel:
		return LevelWarn
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return LevelError
	default:
		return LevelInfo
	}
}

// Close releases the rotating file, if any.
func (l *Logger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, context ...map[string]interface{}) {
	l.fields(context...).Debug(message)
}

// Info logs an info message.
func (l *Logger) Info(message string, context ...map[string]interface{}) {
	l.fields(context...).Info(message)
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, context ...map[string]interface{}) {
	l.fields(context...).Warn(message)
}

// Error logs an error message.
func (l *Logger) Error(message string, err error, context ...map[string]interface{}) {
	e := l.fields(context...)
	if err != nil {
		e = e.WithError(err)
	}
	e.Error(message)
}

// ErrorWithCode logs an error message tagged with an error code.
func (l *Logger) ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	ctx := getContext(context...)
	if ctx == nil {
		ctx = map[string]interface{}{}
	}
	ctx["error_code"] = code
	l.Error(message, err, ctx)
}

func (l *Logger) fields(context ...map[string]interface{}) *logrus.Entry {
	ctx := getContext(context...)
	if len(ctx) == 0 {
		return l.entry
	}
	return l.entry.WithFields(logrus.Fields(ctx))
}

// getContext merges multiple context maps.
func getContext(context ...map[string]interface{}) map[string]interface{} {
	if len(context) == 0 {
		return nil
	}
	if len(context) == 1 {
		return context[0]
	}
	merged := make(map[string]interface{})
	for _, c := range context {
		for k, v := range c {
			merged[k] = v
		}
	}
	return merged
}

const componentKey = "component"

// LogEntry represents a structured log entry.
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Error     string                 `json:"error,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// jsonFormatter renders logrus entries as LogEntry lines.
type jsonFormatter struct{}

func (f *jsonFormatter) Format(e *logrus.Entry) ([]byte, error) {
	entry := LogEntry{
		Timestamp: e.Time.UTC().Format(time.RFC3339),
		Level:     string(levelName(e.Level)),
		Message:   e.Message,
	}

	ctx := make(map[string]interface{}, len(e.Data))
	for k, v := range e.Data {
		switch k {
		case logrus.ErrorKey:
			if err, ok := v.(error); ok {
				entry.Error = err.Error()
			} else {
				entry.Error = fmt.Sprint(v)
			}
		case componentKey:
			entry.Component = fmt.Sprint(v)
		default:
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			ctx[k] = v
		}
	}
	if len(ctx) > 0 {
		entry.Context = ctx
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal log entry: %w", err)
	}
	return append(data, '\n'), nil
}

func levelName(l logrus.Level) LogLevel {
	switch l {
	case logrus.DebugLevel, logrus.TraceLevel:
		return LevelDebug
	case logrus.WarnLevel:
		return LevelWarn
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return LevelError
	default:
		return LevelInfo
	}
}
