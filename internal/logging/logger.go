package logging

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/austindbirch/harbor_mail/internal/tracing"
)

// LogLevel represents the severity of the log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

// LogEntry accumulates structured fields until one of the level methods emits it
type LogEntry struct {
	Time        time.Time
	Level       LogLevel
	Message     string
	Service     string
	TraceID     string
	SpanID      string
	PublisherID string
	IssueID     string
	Recipient   string
	WorkerID    string
	Fields      map[string]any

	zl *zap.Logger
}

// Logger provides structured logging with trace correlation
type Logger struct {
	service string
	zl      *zap.Logger
}

// New creates a new structured logger for the given service, writing JSON to stdout
func New(service string) *Logger {
	return NewWithCore(service, newJSONCore())
}

// NewWithCore creates a logger on top of an arbitrary zap core (tests use zaptest/observer)
func NewWithCore(service string, core zapcore.Core) *Logger {
	return &Logger{
		service: service,
		zl:      zap.New(core),
	}
}

func newJSONCore() zapcore.Core {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.MessageKey = "msg"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	level := zapcore.InfoLevel
	if os.Getenv("LOG_LEVEL") == string(LevelDebug) {
		level = zapcore.DebugLevel
	}
	return zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.Lock(os.Stdout), level)
}

// Zap exposes the underlying zap logger for libraries that want one
func (l *Logger) Zap() *zap.Logger {
	return l.zl
}

// Sync flushes buffered log entries
func (l *Logger) Sync() {
	_ = l.zl.Sync()
}

func (l *Logger) entry() *LogEntry {
	return &LogEntry{
		Time:    time.Now().UTC(),
		Service: l.service,
		Fields:  make(map[string]any),
		zl:      l.zl,
	}
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	entry := l.entry()
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		entry.TraceID = traceID
	}
	if spanID := tracing.GetSpanID(ctx); spanID != "" {
		entry.SpanID = spanID
	}
	return entry
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.entry().WithFields(fields)
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return l.entry()
}

// WithTraceID sets the trace ID for the log entry
func (e *LogEntry) WithTraceID(traceID string) *LogEntry {
	e.TraceID = traceID
	return e
}

// WithPublisher sets the publisher identity for the log entry
func (e *LogEntry) WithPublisher(publisherID string) *LogEntry {
	e.PublisherID = publisherID
	return e
}

// WithIssue sets the newsletter issue ID for the log entry
func (e *LogEntry) WithIssue(issueID string) *LogEntry {
	e.IssueID = issueID
	return e
}

// WithRecipient sets the subscriber address for the log entry
func (e *LogEntry) WithRecipient(recipient string) *LogEntry {
	e.Recipient = recipient
	return e
}

// WithWorker sets the delivery worker ID for the log entry
func (e *LogEntry) WithWorker(workerID string) *LogEntry {
	e.WorkerID = workerID
	return e
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err != nil {
		return e.WithField("error", err.Error())
	}
	return e
}

// Debug logs at debug level
func (e *LogEntry) Debug(message string) {
	e.emit(LevelDebug, message)
}

// Debugf logs at debug level with formatting
func (e *LogEntry) Debugf(format string, args ...any) {
	e.emit(LevelDebug, fmt.Sprintf(format, args...))
}

// Info logs at info level
func (e *LogEntry) Info(message string) {
	e.emit(LevelInfo, message)
}

// Infof logs at info level with formatting
func (e *LogEntry) Infof(format string, args ...any) {
	e.emit(LevelInfo, fmt.Sprintf(format, args...))
}

// Warn logs at warn level
func (e *LogEntry) Warn(message string) {
	e.emit(LevelWarn, message)
}

// Warnf logs at warn level with formatting
func (e *LogEntry) Warnf(format string, args ...any) {
	e.emit(LevelWarn, fmt.Sprintf(format, args...))
}

// Error logs at error level
func (e *LogEntry) Error(message string) {
	e.emit(LevelError, message)
}

// Errorf logs at error level with formatting
func (e *LogEntry) Errorf(format string, args ...any) {
	e.emit(LevelError, fmt.Sprintf(format, args...))
}

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) {
	e.emit(LevelFatal, message)
}

// Fatalf logs at fatal level with formatting and exits
func (e *LogEntry) Fatalf(format string, args ...any) {
	e.emit(LevelFatal, fmt.Sprintf(format, args...))
}

// zapFields flattens the entry into zap fields, skipping empty identifiers
func (e *LogEntry) zapFields() []zap.Field {
	fields := make([]zap.Field, 0, 8+len(e.Fields))
	add := func(key, val string) {
		if val != "" {
			fields = append(fields, zap.String(key, val))
		}
	}
	add("service", e.Service)
	add("trace_id", e.TraceID)
	add("span_id", e.SpanID)
	add("publisher_id", e.PublisherID)
	add("issue_id", e.IssueID)
	add("recipient", e.Recipient)
	add("worker_id", e.WorkerID)
	if len(e.Fields) > 0 {
		fields = append(fields, zap.Any("fields", e.Fields))
	}
	return fields
}

func (e *LogEntry) emit(level LogLevel, message string) {
	e.Level = level
	e.Message = message
	zl := e.zl
	if zl == nil {
		zl = defaultLogger.zl
	}
	fields := e.zapFields()
	switch level {
	case LevelDebug:
		zl.Debug(message, fields...)
	case LevelInfo:
		zl.Info(message, fields...)
	case LevelWarn:
		zl.Warn(message, fields...)
	case LevelError:
		zl.Error(message, fields...)
	case LevelFatal:
		zl.Fatal(message, fields...)
	}
}

// Global convenience functions

var defaultLogger = New("harbormail")

// WithContext creates a log entry with trace correlation from context using the default logger
func WithContext(ctx context.Context) *LogEntry {
	return defaultLogger.WithContext(ctx)
}

// WithFields creates a log entry with fields using the default logger
func WithFields(fields map[string]any) *LogEntry {
	return defaultLogger.WithFields(fields)
}

// Plain creates a basic log entry using the default logger
func Plain() *LogEntry {
	return defaultLogger.Plain()
}

// SetDefaultService sets the service name for the default logger
func SetDefaultService(service string) {
	defaultLogger.service = service
}
