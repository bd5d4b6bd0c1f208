package dto

import (
	"time"

	"basegraph.app/livesync/internal/model"
)

// NotificationResponse is one re-streamed notification. Data is the payload
// as the server delivered it.
type NotificationResponse struct {
	Kind       model.NotificationKind `json:"kind"`
	ID         string                 `json:"id,omitempty"`
	ContactID  string                 `json:"contact_id"`
	ReceivedAt time.Time              `json:"received_at"`
	Data       any                    `json:"data"`
}

func ToNotificationResponse(evt model.NotificationEvent) NotificationResponse {
	return NotificationResponse{
		Kind:       evt.Kind,
		ID:         evt.ID,
		ContactID:  evt.ContactID(),
		ReceivedAt: evt.ReceivedAt,
		Data:       evt.Payload(),
	}
}
