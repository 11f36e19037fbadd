package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across rollout.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldJobID     = "job_id"
	FieldLockID    = "lock_id"
	FieldUserID    = "user_id"
	FieldProjectID = "project_id"
	FieldStageID   = "stage_id"
	FieldOwner     = "owner"

	// Components
	FieldComponent = "component"

	// Repository
	FieldRepoURL   = "repo_url"
	FieldCachePath = "cache_path"
	FieldWorkspace = "workspace"
	FieldRef       = "ref"
	FieldCommit    = "commit"

	// Execution
	FieldCommand    = "command"
	FieldExitStatus = "exit_status"
	FieldPID        = "pid"
	FieldDurationMS = "duration_ms"

	// Locks
	FieldScope    = "scope"
	FieldWarning  = "warning"
	FieldDeleteAt = "delete_at"

	// Errors and state
	FieldError  = "error"
	FieldStatus = "status"
	FieldCount  = "count"
	FieldPath   = "path"
)

type contextKey string

const (
	jobIDKey     contextKey = "logger_job_id"
	componentKey contextKey = "logger_component"
)

// WithJobID adds a job ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
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
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// LoggerFromContext returns base with the fields carried by ctx.
// A nil base falls back to the global Logger.
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

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
//	cache := repo.NewCache(cfg, logger.ComponentLogger("repo"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
