// Package logging provides structured logging built on logrus with request
// trace propagation through context.Context.
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

type contextKey string

const (
	// TraceIDKey holds the per-request trace ID.
	TraceIDKey contextKey = "trace_id"
	// UserIDKey holds the authenticated user ID.
	UserIDKey contextKey = "user_id"
	// RoleKey holds the authenticated user's role.
	RoleKey contextKey = "role"
)

// Logger wraps a logrus logger bound to a service name.
type Logger struct {
	*logrus.Logger
	service string
}

// New creates a logger. level is a logrus level name, format is "json" or "text".
func New(service, level, format string) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)

	lvl, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	if strings.EqualFold(format, "text") {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	}

	return &Logger{Logger: l, service: service}
}

// NewNop returns a logger that discards everything. Used in tests.
func NewNop() *Logger {
	l := New("test", "panic", "json")
	l.SetOutput(io.Discard)
	return l
}

// Service returns the service name attached to every entry.
func (l *Logger) Service() string {
	return l.service
}

// WithContext returns an entry carrying the service name and any trace, user
// and role values stored in ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)
	if ctx == nil {
		return entry
	}
	if traceID := GetTraceID(ctx); traceID != "" {
		entry = entry.WithField("trace_id", traceID)
	}
	if userID := GetUserID(ctx); userID != "" {
		entry = entry.WithField("user_id", userID)
	}
	if role := GetRole(ctx); role != "" {
		entry = entry.WithField("role", role)
	}
	return entry
}

// WithFields returns an entry with the service name and fields.
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	return l.Logger.WithField("service", l.service).WithFields(logrus.Fields(fields))
}

// WithError returns an entry with the service name and err.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithField("service", l.service).WithError(err)
}

// LogRequest logs a completed HTTP request.
func (l *Logger) LogRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"method":      method,
		"path":        path,
		"status":      status,
		"duration_ms": duration.Milliseconds(),
	})
	switch {
	case status >= 500:
		entry.Error("request failed")
	case status >= 400:
		entry.Warn("request rejected")
	default:
		entry.Info("request completed")
	}
}

// LogSecurityEvent logs an authentication or abuse related event.
func (l *Logger) LogSecurityEvent(ctx context.Context, event string, fields map[string]interface{}) {
	l.WithContext(ctx).
		WithField("security_event", event).
		WithFields(logrus.Fields(fields)).
		Warn("security event")
}

// NewTraceID returns a fresh trace ID.
func NewTraceID() string {
	return uuid.NewString()
}

// WithTraceID stores traceID in ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID returns the trace ID stored in ctx.
func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}

// WithUser stores the user ID and role in ctx.
func WithUser(ctx context.Context, userID, role string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	if role != "" {
		ctx = context.WithValue(ctx, RoleKey, role)
	}
	return ctx
}

// GetUserID returns the user ID stored in ctx.
func GetUserID(ctx context.Context) string {
	v, _ := ctx.Value(UserIDKey).(string)
	return v
}

// GetRole returns the role stored in ctx.
func GetRole(ctx context.Context) string {
	v, _ := ctx.Value(RoleKey).(string)
	return v
}
