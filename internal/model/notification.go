package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type NotificationKind string

const (
	NotificationNewMessage  NotificationKind = "new_message"
	NotificationConvUpdated NotificationKind = "conv_updated"
)

type MessageDirection string

const (
	MessageDirectionInbound  MessageDirection = "inbound"
	MessageDirectionOutbound MessageDirection = "outbound"
)

// Message is the message carried by a new_message event. Content is kept as
// delivered; its shape depends on Type (text, image, template, ...).
type Message struct {
	ID        string           `json:"id"`
	Direction MessageDirection `json:"direction"`
	Type      string           `json:"type"`
	Content   json.RawMessage  `json:"content"`
	Status    string           `json:"status"`
	CreatedAt time.Time        `json:"createdAt"`
}

type NewMessageEvent struct {
	ContactID  string          `json:"contactId"`
	ChannelID  *string         `json:"channelId,omitempty"`
	ExternalID *string         `json:"externalId,omitempty"`
	Message    Message         `json:"message"`
	Contact    json.RawMessage `json:"contact,omitempty"`
}

type ConvUpdatedEvent struct {
	ContactID      string  `json:"contactId"`
	ConvStatus     string  `json:"convStatus"`
	AssignedToID   *string `json:"assignedToId"`
	AssignedToName *string `json:"assignedToName"`
}

// NotificationEvent is the tagged union delivered by the notification
// channel. Exactly one of NewMessage and ConvUpdated is set, matching Kind.
type NotificationEvent struct {
	Kind        NotificationKind
	ID          string
	ReceivedAt  time.Time
	NewMessage  *NewMessageEvent
	ConvUpdated *ConvUpdatedEvent
}

var (
	ErrUnknownNotification   = errors.New("unknown notification kind")
	ErrMalformedNotification = errors.New("malformed notification payload")
)

// DecodeNotification validates and decodes one SSE payload.
func DecodeNotification(kind NotificationKind, id string, data []byte) (NotificationEvent, error) {
	evt := NotificationEvent{Kind: kind, ID: id}
	switch kind {
	case NotificationNewMessage:
		var payload NewMessageEvent
		if err := json.Unmarshal(data, &payload); err != nil {
			return NotificationEvent{}, fmt.Errorf("%w: %w", ErrMalformedNotification, err)
		}
		if payload.ContactID == "" {
			return NotificationEvent{}, fmt.Errorf("%w: new_message without contactId", ErrMalformedNotification)
		}
		evt.NewMessage = &payload
	case NotificationConvUpdated:
		var payload ConvUpdatedEvent
		if err := json.Unmarshal(data, &payload); err != nil {
			return NotificationEvent{}, fmt.Errorf("%w: %w", ErrMalformedNotification, err)
		}
		if payload.ContactID == "" {
			return NotificationEvent{}, fmt.Errorf("%w: conv_updated without contactId", ErrMalformedNotification)
		}
		evt.ConvUpdated = &payload
	default:
		return NotificationEvent{}, fmt.Errorf("%w: %q", ErrUnknownNotification, kind)
	}
	return evt, nil
}

// ContactID is the conversation the event refers to.
func (e NotificationEvent) ContactID() string {
	switch {
	case e.NewMessage != nil:
		return e.NewMessage.ContactID
	case e.ConvUpdated != nil:
		return e.ConvUpdated.ContactID
	}
	return ""
}

// Fingerprint identifies a delivery for duplicate suppression: the SSE id
// when the server sends one, else the message id. conv_updated events
// without an SSE id have no fingerprint; see ConvState.
func (e NotificationEvent) Fingerprint() string {
	if e.ID != "" {
		return "id:" + e.ID
	}
	if e.NewMessage != nil && e.NewMessage.Message.ID != "" {
		return string(e.Kind) + ":" + e.NewMessage.Message.ID
	}
	return ""
}

// ConvState summarizes a conv_updated event as the conversation state it
// announces. A repeat of the same state for a contact is a redelivery.
func (e NotificationEvent) ConvState() string {
	if e.ConvUpdated == nil {
		return ""
	}
	assignee := ""
	if e.ConvUpdated.AssignedToID != nil {
		assignee = *e.ConvUpdated.AssignedToID
	}
	return e.ConvUpdated.ConvStatus + "|" + assignee
}

// Payload returns the variant for JSON re-encoding.
func (e NotificationEvent) Payload() any {
	switch {
	case e.NewMessage != nil:
		return e.NewMessage
	case e.ConvUpdated != nil:
		return e.ConvUpdated
	}
	return nil
}
