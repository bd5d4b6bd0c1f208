package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"basegraph.app/livesync/internal/model"
)

var ErrInvalidMessage = errors.New("invalid notification message")

// NotificationMessage is a notification as stored on the sink stream.
type NotificationMessage struct {
	StreamID       string
	Kind           model.NotificationKind
	EventID        string
	OrganizationID string
	ContactID      string
	ReceivedAt     time.Time
	Payload        json.RawMessage
	TraceID        string
}

func notificationValues(orgID string, evt model.NotificationEvent, traceID string) (map[string]any, error) {
	payload, err := json.Marshal(evt.Payload())
	if err != nil {
		return nil, fmt.Errorf("encoding notification payload: %w", err)
	}

	values := map[string]any{
		"kind":        string(evt.Kind),
		"contact_id":  evt.ContactID(),
		"received_at": evt.ReceivedAt.UTC().Format(time.RFC3339Nano),
		"payload":     string(payload),
	}
	if evt.ID != "" {
		values["event_id"] = evt.ID
	}
	if orgID != "" {
		values["organization_id"] = orgID
	}
	if traceID != "" {
		values["trace_id"] = traceID
	}
	return values, nil
}

// ParseNotificationMessage decodes a stream entry written by the producer,
// for consumers of the sink stream.
func ParseNotificationMessage(msg redis.XMessage) (NotificationMessage, error) {
	kind, err := requiredString(msg.Values, "kind")
	if err != nil {
		return NotificationMessage{}, err
	}
	contactID, err := requiredString(msg.Values, "contact_id")
	if err != nil {
		return NotificationMessage{}, err
	}
	payload, err := requiredString(msg.Values, "payload")
	if err != nil {
		return NotificationMessage{}, err
	}
	if !json.Valid([]byte(payload)) {
		return NotificationMessage{}, fmt.Errorf("%w: payload is not json", ErrInvalidMessage)
	}

	out := NotificationMessage{
		StreamID:       msg.ID,
		Kind:           model.NotificationKind(kind),
		EventID:        optionalString(msg.Values, "event_id"),
		OrganizationID: optionalString(msg.Values, "organization_id"),
		ContactID:      contactID,
		Payload:        json.RawMessage(payload),
		TraceID:        optionalString(msg.Values, "trace_id"),
	}
	if raw := optionalString(msg.Values, "received_at"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return NotificationMessage{}, fmt.Errorf("%w: received_at: %w", ErrInvalidMessage, err)
		}
		out.ReceivedAt = t
	}
	return out, nil
}

func requiredString(values map[string]any, key string) (string, error) {
	v := optionalString(values, key)
	if v == "" {
		return "", fmt.Errorf("%w: missing %s", ErrInvalidMessage, key)
	}
	return v, nil
}

func optionalString(values map[string]any, key string) string {
	switch v := values[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
