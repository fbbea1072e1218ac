package log

// Canonical field name constants for structured logging.
const (
	FieldTaskID         = "task_id"
	FieldTaskType       = "task_type"
	FieldPipelineGroup  = "pipeline_group"
	FieldCorrelationID  = "correlation_id"
	FieldRequestID      = "request_id"
	FieldQueryID        = "query_id"
	FieldEvent          = "event"
	FieldComponent      = "component"
	FieldDigest         = "digest"
	FieldPath           = "path"
	FieldModality       = "modality"
	FieldOldState       = "old_state"
	FieldNewState       = "new_state"
	FieldReason         = "reason"
	FieldAttempt        = "attempt"
	FieldPool           = "pool"
)
