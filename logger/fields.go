package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across warden.
const (
	// Identity and context
	FieldJobID     = "job_id"
	FieldRunnerKey = "runner_key"
	FieldTaskID    = "task_id"
	FieldNodeID    = "node_id"

	// Components
	FieldComponent = "component"
	FieldOperation = "operation"
	FieldPhase     = "phase"
	FieldStep      = "step"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldNextRunAt  = "next_run_at"

	// Errors
	FieldError = "error"

	// Counts and sizes
	FieldCount    = "count"
	FieldProgress = "progress"
	FieldLeases   = "leases"

	// Status
	FieldState   = "state"
	FieldOutcome = "outcome"

	// Files and paths
	FieldPath = "path"

	FieldSymbol = "symbol" // segment symbol (꩜, ⊘, ▦, etc.)
)

type contextKey string

const (
	jobIDKey     contextKey = "logger_job_id"
	taskIDKey    contextKey = "logger_task_id"
	componentKey contextKey = "logger_component"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithTaskID adds a maintenance task ID to the context for logging
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey, taskID)
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
	if taskID, ok := ctx.Value(taskIDKey).(string); ok && taskID != "" {
		fields = append(fields, FieldTaskID, taskID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// FromContext returns the given logger decorated with context fields.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	if base == nil {
		base = Logger
	}
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
//
//	pool := &WorkerPool{logger: logger.ComponentLogger("pulse.worker")}
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// ChildLogger creates a child logger with additional context.
func ChildLogger(parent *zap.SugaredLogger, keysAndValues ...interface{}) *zap.SugaredLogger {
	return parent.With(keysAndValues...)
}
