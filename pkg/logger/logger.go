// Package logger provides the structured logging abstraction used across keyagent.
// The production implementation is backed by zap (see internal/infrastructure/monitoring);
// tests use NewNoopLogger.
package logger

import (
	"context"
	"time"

	"github.com/turtacn/keyagent/pkg/constants"
)

// ================================================================================
// Logger Interface
// ================================================================================

// Logger defines the interface for structured logging
type Logger interface {
	// Debug logs a debug message
	Debug(ctx context.Context, message string, fields ...Field)

	// Info logs an informational message
	Info(ctx context.Context, message string, fields ...Field)

	// Warn logs a warning message
	Warn(ctx context.Context, message string, fields ...Field)

	// Error logs an error message
	Error(ctx context.Context, message string, err error, fields ...Field)

	// Fatal logs a fatal message and exits the application
	Fatal(ctx context.Context, message string, err error, fields ...Field)

	// WithFields creates a new logger with additional fields
	WithFields(fields ...Field) Logger

	// WithComponent creates a new logger for a specific component
	WithComponent(component string) Logger

	// SetLevel sets the logging level
	SetLevel(level constants.LogLevel)

	// GetLevel returns the current logging level
	GetLevel() constants.LogLevel
}

// ================================================================================
// Field Type for Structured Logging
// ================================================================================

// Field represents a key-value pair for structured logging
type Field struct {
	Key   string
	Value interface{}
}

// String creates a string field
func String(key string, value string) Field {
	return Field{Key: key, Value: value}
}

// Int creates an integer field
func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

// Int64 creates an int64 field
func Int64(key string, value int64) Field {
	return Field{Key: key, Value: value}
}

// Float64 creates a float64 field
func Float64(key string, value float64) Field {
	return Field{Key: key, Value: value}
}

// Error creates an error field
func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Duration renders value with time.Duration.String
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

// ================================================================================
// Context Helpers
// ================================================================================

// WithRequestID stores a correlation ID on ctx
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, constants.ContextKeyRequestID, requestID)
}

// WithAccount stores the account username on ctx
func WithAccount(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, constants.ContextKeyAccount, username)
}

// ContextFields extracts the request-scoped fields stored on ctx
func ContextFields(ctx context.Context) []Field {
	if ctx == nil {
		return nil
	}
	var fields []Field
	if v, ok := ctx.Value(constants.ContextKeyRequestID).(string); ok && v != "" {
		fields = append(fields, String("request_id", v))
	}
	if v, ok := ctx.Value(constants.ContextKeyAccount).(string); ok && v != "" {
		fields = append(fields, String("account", v))
	}
	return fields
}
