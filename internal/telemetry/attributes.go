// SPDX-License-Identifier: MIT

// Package telemetry provides OpenTelemetry tracing utilities for the media
// search engine.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the application.
const (
	// HTTP attributes (ambient ops surface only)
	HTTPMethodKey     = "http.method"
	HTTPStatusCodeKey = "http.status_code"
	HTTPRouteKey      = "http.route"
	HTTPURLKey        = "http.url"

	// Task engine attributes
	TaskIDKey         = "task.id"
	TaskTypeKey       = "task.type"
	TaskStatusKey     = "task.status"
	TaskDurationKey    = "task.duration_ms"
	TaskAttemptKey     = "task.attempt"
	PipelineGroupKey   = "task.pipeline_group"

	// Content identity attributes
	DigestKey   = "content.digest"
	PathKey     = "content.path"
	ModalityKey = "content.modality"

	// Search attributes
	QueryIDKey        = "search.query_id"
	QueryModalitiesKey = "search.modalities"
	QueryLimitKey      = "search.limit"
	ResultCountKey     = "search.result_count"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// HTTPAttributes creates common HTTP span attributes for the ambient ops surface.
func HTTPAttributes(method, route, url string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(HTTPMethodKey, method),
		attribute.String(HTTPRouteKey, route),
		attribute.String(HTTPURLKey, url),
		attribute.Int(HTTPStatusCodeKey, statusCode),
	}
}

// TaskAttributes creates task-engine-related span attributes.
func TaskAttributes(taskID, taskType, status, pipelineGroup string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(TaskIDKey, taskID),
		attribute.String(TaskTypeKey, taskType),
		attribute.String(TaskStatusKey, status),
		attribute.String(PipelineGroupKey, pipelineGroup),
		attribute.Int(TaskAttemptKey, attempt),
	}
}

// ContentAttributes creates content-identity span attributes.
func ContentAttributes(digest, path, modality string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	if digest != "" {
		attrs = append(attrs, attribute.String(DigestKey, digest))
	}
	if path != "" {
		attrs = append(attrs, attribute.String(PathKey, path))
	}
	if modality != "" {
		attrs = append(attrs, attribute.String(ModalityKey, modality))
	}
	return attrs
}

// SearchAttributes creates search-query span attributes.
func SearchAttributes(queryID string, modalities []string, limit, resultCount int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(QueryIDKey, queryID),
		attribute.StringSlice(QueryModalitiesKey, modalities),
		attribute.Int(QueryLimitKey, limit),
		attribute.Int(ResultCountKey, resultCount),
	}
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(_ error, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
