// Package logging provides structured logging with trace-ID propagation.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type for context keys used to stash logging metadata.
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID.
	TraceIDKey ContextKey = "trace_id"
	// UserIDKey is the context key for user ID.
	UserIDKey ContextKey = "user_id"
	// ServerIDKey is the context key for the originating server ID.
	ServerIDKey ContextKey = "server_id"
)

// Logger wraps logrus.Logger with leaderboard-service conventions.
type Logger struct {
	*logrus.Logger
	service string
}

// New creates a new Logger instance.
func New(service, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{
		Logger:  logger,
		service: service,
	}
}

// NewFromEnv constructs a logger using LOG_LEVEL and LOG_FORMAT environment
// variables, defaulting to "info" and "json" when unset.
func NewFromEnv(service string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(service, level, format)
}

// WithContext creates a log entry carrying any trace/user/server IDs found
// on the context.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)
	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		entry = entry.WithField("trace_id", traceID)
	}
	if userID := ctx.Value(UserIDKey); userID != nil {
		entry = entry.WithField("user_id", userID)
	}
	if serverID := ctx.Value(ServerIDKey); serverID != nil {
		entry = entry.WithField("server_id", serverID)
	}
	return entry
}

// WithFields creates a log entry with custom fields plus the service name.
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["service"] = l.service
	return l.Logger.WithFields(fields)
}

// WithError creates a log entry carrying an error plus the service name.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"service": l.service,
		"error":   err.Error(),
	})
}

// SetOutput sets the logger output, primarily for tests.
func (l *Logger) SetOutput(output io.Writer) {
	l.Logger.SetOutput(output)
}

// LogBatch logs a batch-processor event (spec §4.2).
func (l *Logger) LogBatch(ctx context.Context, batchID string, eventCount int, d time.Duration, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"batch_id":    batchID,
		"event_count": eventCount,
		"duration_ms": d.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Warn("batch processing failed")
		return
	}
	entry.Debug("batch processed")
}

// LogConnection logs a WebSocket connection lifecycle event (spec §4.6).
func (l *Logger) LogConnection(ctx context.Context, clientID, event, reason string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"client_id": clientID,
		"event":     event,
		"reason":    reason,
	}).Info("connection event")
}

// NewTraceID generates a new trace ID.
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID retrieves the trace ID from context.
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// WithUserID adds a user ID to the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetUserID retrieves the user ID from context.
func GetUserID(ctx context.Context) string {
	if userID, ok := ctx.Value(UserIDKey).(string); ok {
		return userID
	}
	return ""
}

// WithServerID adds the originating server ID to the context.
func WithServerID(ctx context.Context, serverID string) context.Context {
	return context.WithValue(ctx, ServerIDKey, serverID)
}

// GetServerID retrieves the server ID from context.
func GetServerID(ctx context.Context) string {
	if serverID, ok := ctx.Value(ServerIDKey).(string); ok {
		return serverID
	}
	return ""
}
