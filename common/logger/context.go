package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs within a context.
// Fields flow through context enrichment, so a presence frame handler or a notification
// dispatch logs its organization, session and connection without passing them around.
type LogFields struct {
	OrganizationID *string // Organization the session belongs to
	UserID         *string // Local session user id
	ConnectionID   *int64  // Snowflake id of the current channel connection
	Channel        *string // "presence" or "notifications"
	EventType      *string // Frame or SSE event name (e.g., "presence_update", "new_message")
	Component      string  // Component name (OTel semantic convention style, e.g., "livesync.presence.client")
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
	if ctx == nil {
		return LogFields{}
	}
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

// mergeFields merges two LogFields, preferring non-nil/non-empty values from 'next'.
func mergeFields(existing, next LogFields) LogFields {
	result := existing

	if next.OrganizationID != nil {
		result.OrganizationID = next.OrganizationID
	}
	if next.UserID != nil {
		result.UserID = next.UserID
	}
	if next.ConnectionID != nil {
		result.ConnectionID = next.ConnectionID
	}
	if next.Channel != nil {
		result.Channel = next.Channel
	}
	if next.EventType != nil {
		result.EventType = next.EventType
	}
	if next.Component != "" {
		result.Component = next.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value.
// Useful for setting LogFields inline: logger.WithLogFields(ctx, logger.LogFields{UserID: logger.Ptr(id)})
func Ptr[T any](v T) *T {
	return &v
}

// Truncate truncates a string to maxLen characters, appending "..." if truncated.
// Useful for logging raw frames that failed to decode.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
