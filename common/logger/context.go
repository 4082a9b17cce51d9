package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs
// within a context. Fields flow through context enrichment, enabling
// zero-touch logging where fill-engine context (form_id, execution_id,
// turn) is automatically included in all log statements.
type LogFields struct {
	FormID      string // form schema id
	ExecutionID string // harness execution thread, e.g. "0-serial" or "1-batch-x-0"
	Turn        *int   // turn number within ExecutionID
	NoteID      *string
	Component   string // component name (OTel semantic convention style, e.g. "fill.harness.serial")
}

// WithLogFields enriches context with structured log fields.
// Multiple calls merge fields, with newer non-nil/non-empty values taking precedence.
// Context timeouts and cancellation are preserved.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	existing := GetLogFields(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields retrieves log fields from context.
// Returns empty LogFields if none are set.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

// mergeFields merges two LogFields, preferring non-nil/non-empty values from 'new'.
func mergeFields(existing, new LogFields) LogFields {
	result := existing

	if new.FormID != "" {
		result.FormID = new.FormID
	}
	if new.ExecutionID != "" {
		result.ExecutionID = new.ExecutionID
	}
	if new.Turn != nil {
		result.Turn = new.Turn
	}
	if new.NoteID != nil {
		result.NoteID = new.NoteID
	}
	if new.Component != "" {
		result.Component = new.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value.
// Useful for setting LogFields inline: logger.WithLogFields(ctx, logger.LogFields{Turn: logger.Ptr(1)})
func Ptr[T any](v T) *T {
	return &v
}

// Truncate truncates a string to maxLen characters, appending "..." if truncated.
// Useful for logging potentially long strings like prompts or error messages.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
