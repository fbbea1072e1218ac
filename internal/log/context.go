// Package log provides structured logging utilities.
package log

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey string

const (
	requestIDKey     ctxKey = "request_id"
	correlationIDKey ctxKey = "correlation_id"
	taskIDKey        ctxKey = "task_id"
	pipelineGroupKey ctxKey = "pipeline_group"
	queryIDKey       ctxKey = "query_id"
)

// ContextWithRequestID stores the provided request ID in the context.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// ContextWithCorrelationID stores the provided correlation ID in the context.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, correlationIDKey, id)
}

// ContextWithTaskID stores the provided task id in the context.
func ContextWithTaskID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, taskIDKey, id)
}

// ContextWithPipelineGroup stores the provided pipeline group id (source
// file identity) in the context.
func ContextWithPipelineGroup(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, pipelineGroupKey, id)
}

// ContextWithQueryID stores the provided search query id in the context.
func ContextWithQueryID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, queryIDKey, id)
}

// RequestIDFromContext extracts the request ID from context if present.
func RequestIDFromContext(ctx context.Context) string { return strFromCtx(ctx, requestIDKey) }

// CorrelationIDFromContext extracts the correlation ID from context if present.
func CorrelationIDFromContext(ctx context.Context) string {
	return strFromCtx(ctx, correlationIDKey)
}

// TaskIDFromContext extracts the task id from context if present.
func TaskIDFromContext(ctx context.Context) string { return strFromCtx(ctx, taskIDKey) }

// PipelineGroupFromContext extracts the pipeline group id from context if present.
func PipelineGroupFromContext(ctx context.Context) string {
	return strFromCtx(ctx, pipelineGroupKey)
}

// QueryIDFromContext extracts the search query id from context if present.
func QueryIDFromContext(ctx context.Context) string { return strFromCtx(ctx, queryIDKey) }

func strFromCtx(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// WithContext enriches the supplied logger with correlation fields from context.
func WithContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	if ctx == nil {
		return logger
	}
	builder := logger.With()
	added := false
	if rid := RequestIDFromContext(ctx); rid != "" {
		builder = builder.Str("request_id", rid)
		added = true
	}
	if cid := CorrelationIDFromContext(ctx); cid != "" {
		builder = builder.Str("correlation_id", cid)
		added = true
	}
	if tid := TaskIDFromContext(ctx); tid != "" {
		builder = builder.Str("task_id", tid)
		added = true
	}
	if pg := PipelineGroupFromContext(ctx); pg != "" {
		builder = builder.Str("pipeline_group", pg)
		added = true
	}
	if qid := QueryIDFromContext(ctx); qid != "" {
		builder = builder.Str("query_id", qid)
		added = true
	}
	if !added {
		return logger
	}
	return builder.Logger()
}

// WithComponentFromContext returns a logger that is annotated with the component
// name and enriched with correlation fields from ctx.
func WithComponentFromContext(ctx context.Context, component string) zerolog.Logger {
	l := WithContext(ctx, *FromContext(ctx))
	return l.With().Str("component", component).Logger()
}

// FromContext returns a logger from the context, or the base logger if not present.
func FromContext(ctx context.Context) *zerolog.Logger {
	if ctx == nil {
		l := Base()
		return &l
	}
	l := zerolog.Ctx(ctx)
	if l.GetLevel() == zerolog.Disabled {
		b := Base()
		return &b
	}
	return l
}
