package model

import (
	"errors"
	"time"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusOffline:
		return true
	}
	return false
}

var ErrInvalidIdentity = errors.New("invalid session identity")

// Identity is the local session. It is sent once in the register frame of
// every presence connection and never mutated.
type Identity struct {
	UserID         string `json:"userId"`
	UserName       string `json:"userName"`
	UserEmail      string `json:"userEmail"`
	UserImage      string `json:"userImage"`
	UserRole       string `json:"userRole"`
	OrganizationID string `json:"organizationId"`
}

func (i Identity) Validate() error {
	if i.UserID == "" {
		return errors.Join(ErrInvalidIdentity, errors.New("user id is required"))
	}
	return nil
}

// PresenceRecord is one known session in the roster. A record exists only
// while its session is online or away.
type PresenceRecord struct {
	UserID           string    `json:"userId"`
	UserName         string    `json:"userName,omitempty"`
	UserEmail        string    `json:"userEmail,omitempty"`
	UserImage        string    `json:"userImage,omitempty"`
	UserRole         string    `json:"userRole,omitempty"`
	Status           Status    `json:"status" jsonschema:"enum=online,enum=away,enum=offline"`
	CurrentContactID *string   `json:"currentContactId"`
	CurrentRoute     *string   `json:"currentRoute"`
	LastActivity     time.Time `json:"lastActivity"`
	ConnectedAt      time.Time `json:"connectedAt"`
}

// Clone returns a deep copy so readers never share pointers with the roster.
func (r PresenceRecord) Clone() PresenceRecord {
	out := r
	if r.CurrentContactID != nil {
		v := *r.CurrentContactID
		out.CurrentContactID = &v
	}
	if r.CurrentRoute != nil {
		v := *r.CurrentRoute
		out.CurrentRoute = &v
	}
	return out
}

// Equal compares records by value, including the pointed-to optional fields.
func (r PresenceRecord) Equal(o PresenceRecord) bool {
	return r.UserID == o.UserID &&
		r.UserName == o.UserName &&
		r.UserEmail == o.UserEmail &&
		r.UserImage == o.UserImage &&
		r.UserRole == o.UserRole &&
		r.Status == o.Status &&
		optionalEqual(r.CurrentContactID, o.CurrentContactID) &&
		optionalEqual(r.CurrentRoute, o.CurrentRoute) &&
		r.LastActivity.Equal(o.LastActivity) &&
		r.ConnectedAt.Equal(o.ConnectedAt)
}

func optionalEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

type PresenceEventType string

const (
	PresenceEventUserOnline  PresenceEventType = "user_online"
	PresenceEventUserOffline PresenceEventType = "user_offline"
	PresenceEventUserAway    PresenceEventType = "user_away"
	PresenceEventUserActive  PresenceEventType = "user_active"
	PresenceEventUserViewing PresenceEventType = "user_viewing"
)

// PresenceEvent is an incremental roster update. Which fields are set
// depends on Type; Validate enforces it.
type PresenceEvent struct {
	Type           PresenceEventType `json:"type" jsonschema:"enum=user_online,enum=user_offline,enum=user_away,enum=user_active,enum=user_viewing"`
	User           *PresenceRecord   `json:"user,omitempty"`
	UserID         string            `json:"userId,omitempty"`
	OrganizationID string            `json:"organizationId,omitempty"`
	ContactID      *string           `json:"contactId,omitempty"`
	At             *time.Time        `json:"at,omitempty"`
}

var ErrInvalidPresenceEvent = errors.New("invalid presence event")

// SubjectID is the session the event is about.
func (e PresenceEvent) SubjectID() string {
	if e.Type == PresenceEventUserOnline && e.User != nil {
		return e.User.UserID
	}
	return e.UserID
}

func (e PresenceEvent) Validate() error {
	switch e.Type {
	case PresenceEventUserOnline:
		if e.User == nil || e.User.UserID == "" {
			return errors.Join(ErrInvalidPresenceEvent, errors.New("user_online requires user.userId"))
		}
		if e.User.Status != "" && !e.User.Status.Valid() {
			return errors.Join(ErrInvalidPresenceEvent, errors.New("user_online has unknown status"))
		}
	case PresenceEventUserOffline, PresenceEventUserAway, PresenceEventUserActive, PresenceEventUserViewing:
		if e.UserID == "" {
			return errors.Join(ErrInvalidPresenceEvent, errors.New(string(e.Type)+" requires userId"))
		}
	default:
		return errors.Join(ErrInvalidPresenceEvent, errors.New("unknown type "+string(e.Type)))
	}
	return nil
}
