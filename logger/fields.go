package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across tally.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldJobID     = "job_id"
	FieldRequestID = "request_id"
	FieldWorkerID  = "worker_id"

	// Components
	FieldComponent = "component"
	FieldHandler   = "handler"

	// Requests
	FieldMethod = "method"
	FieldPath   = "path"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError     = "error"
	FieldErrorCode = "error_code"

	// Counts and sizes
	FieldCount = "count"
	FieldBytes = "bytes"

	// Status
	FieldStatus = "status"
	FieldState  = "state"

	// Storage
	FieldFile     = "file"
	FieldInputRef = "input_ref"
	FieldOutput   = "output_ref"

	// Network
	FieldAddress = "address"

	// tally-specific
	FieldProgress = "units_processed" // records read at a checkpoint
)

// Context keys for propagating logging context
type contextKey string

const (
	jobIDKey     contextKey = "logger_job_id"
	requestIDKey contextKey = "logger_request_id"
	componentKey contextKey = "logger_component"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if requestID, ok := ctx.Value(requestIDKey).(string); ok && requestID != "" {
		fields = append(fields, FieldRequestID, requestID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// LoggerFromContext returns base (or the global logger when base is nil)
// with the fields carried by ctx.
func LoggerFromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	if base == nil {
		base = Logger
	}
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named child of the global logger for a component.
//
// Example:
//
//	c, err := client.Dial(cfg, logger.ComponentLogger("client"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
