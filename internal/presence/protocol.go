package presence

import (
	"encoding/json"
	"errors"
	"fmt"

	"basegraph.app/livesync/internal/model"
)

type FrameType string

// Client → server.
const (
	FrameRegister  FrameType = "register"
	FrameHeartbeat FrameType = "heartbeat"
	FrameStatus    FrameType = "status"
	FrameViewing   FrameType = "viewing"
	FrameTyping    FrameType = "typing"
	FrameNavigate  FrameType = "navigate"
)

// Server → client.
const (
	FramePresenceUpdate FrameType = "presence_update"
	FramePresenceEvent  FrameType = "presence_event"
)

// Frame is the envelope of every message on the presence socket.
type Frame struct {
	Type FrameType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type RegisterPayload = model.Identity

type HeartbeatPayload struct{}

type StatusPayload struct {
	Status model.Status `json:"status" jsonschema:"enum=online,enum=away,enum=offline"`
}

// ViewingPayload announces the open conversation; a nil ContactID is sent
// as null and means no conversation is open.
type ViewingPayload struct {
	ContactID *string `json:"contactId"`
}

type TypingPayload struct {
	ContactID string `json:"contactId"`
	IsTyping  bool   `json:"isTyping"`
}

type NavigatePayload struct {
	Route string `json:"route" jsonschema:"description=Client-side route of the current page"`
}

type PresenceUpdatePayload struct {
	Users []model.PresenceRecord `json:"users"`
}

var ErrMalformedFrame = errors.New("malformed presence frame")

func EncodeFrame(t FrameType, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", t, err)
	}
	frame, err := json.Marshal(Frame{Type: t, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", t, err)
	}
	return frame, nil
}

func DecodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return f, nil
}

// DecodePresenceUpdate decodes a roster snapshot. A missing users list is
// an empty roster.
func DecodePresenceUpdate(data json.RawMessage) ([]model.PresenceRecord, error) {
	var p PresenceUpdatePayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: presence_update: %w", ErrMalformedFrame, err)
		}
	}
	return p.Users, nil
}

// DecodePresenceEvent decodes and validates an incremental event.
func DecodePresenceEvent(data json.RawMessage) (model.PresenceEvent, error) {
	var evt model.PresenceEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return model.PresenceEvent{}, fmt.Errorf("%w: presence_event: %w", ErrMalformedFrame, err)
	}
	if err := evt.Validate(); err != nil {
		return model.PresenceEvent{}, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	return evt, nil
}
