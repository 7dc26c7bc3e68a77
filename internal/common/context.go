package common

import (
	"context"
	"log/slog"
)

// Context keys for storing values in context
type contextKey string

const (
	ContextKeyJobRef   contextKey = "job_ref"
	ContextKeyWorkerID contextKey = "worker_id"
	ContextKeyLogger   contextKey = "logger"
)

// WithJobRef adds a job reference to the context
func WithJobRef(ctx context.Context, ref string) context.Context {
	return context.WithValue(ctx, ContextKeyJobRef, ref)
}

// JobRefFromContext extracts the job reference from context
func JobRefFromContext(ctx context.Context) string {
	if ref, ok := ctx.Value(ContextKeyJobRef).(string); ok {
		return ref
	}
	return ""
}

// WithWorkerID adds a worker ID to the context
func WithWorkerID(ctx context.Context, id int) context.Context {
	return context.WithValue(ctx, ContextKeyWorkerID, id)
}

// WorkerIDFromContext extracts the worker ID from context, 0 when unset
func WorkerIDFromContext(ctx context.Context) int {
	if id, ok := ctx.Value(ContextKeyWorkerID).(int); ok {
		return id
	}
	return 0
}

// WithLogger stores a logger in the context
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ContextKeyLogger, logger)
}

// LoggerFromContext returns the context logger, falling back to slog.Default
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ContextKeyLogger).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return slog.Default()
}
