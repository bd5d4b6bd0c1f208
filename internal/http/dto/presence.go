package dto

import (
	"time"

	"basegraph.app/livesync/internal/model"
	"basegraph.app/livesync/internal/presence"
	"basegraph.app/livesync/internal/session"
)

type PresenceUserResponse struct {
	UserID           string       `json:"user_id"`
	UserName         string       `json:"user_name,omitempty"`
	UserEmail        string       `json:"user_email,omitempty"`
	UserImage        string       `json:"user_image,omitempty"`
	UserRole         string       `json:"user_role,omitempty"`
	Status           model.Status `json:"status"`
	CurrentContactID *string      `json:"current_contact_id"`
	CurrentRoute     *string      `json:"current_route"`
	LastActivity     *time.Time   `json:"last_activity,omitempty"`
	ConnectedAt      *time.Time   `json:"connected_at,omitempty"`
}

func ToPresenceUserResponse(r model.PresenceRecord) PresenceUserResponse {
	return PresenceUserResponse{
		UserID:           r.UserID,
		UserName:         r.UserName,
		UserEmail:        r.UserEmail,
		UserImage:        r.UserImage,
		UserRole:         r.UserRole,
		Status:           r.Status,
		CurrentContactID: r.CurrentContactID,
		CurrentRoute:     r.CurrentRoute,
		LastActivity:     nonZero(r.LastActivity),
		ConnectedAt:      nonZero(r.ConnectedAt),
	}
}

type RosterResponse struct {
	Version uint64                 `json:"version"`
	Users   []PresenceUserResponse `json:"users"`
}

func ToRosterResponse(version uint64, records []model.PresenceRecord) RosterResponse {
	users := make([]PresenceUserResponse, 0, len(records))
	for _, r := range records {
		users = append(users, ToPresenceUserResponse(r))
	}
	return RosterResponse{Version: version, Users: users}
}

type SessionStatusResponse struct {
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id,omitempty"`
	Presence       struct {
		State     string       `json:"state"`
		Connected bool         `json:"connected"`
		Status    model.Status `json:"status,omitempty"`
		Hidden    bool         `json:"hidden"`
		Idle      bool         `json:"idle"`
	} `json:"presence"`
	Notifications struct {
		Enabled     bool   `json:"enabled"`
		Connected   bool   `json:"connected"`
		LastEventID string `json:"last_event_id,omitempty"`
	} `json:"notifications"`
	Roster struct {
		Size    int    `json:"size"`
		Version uint64 `json:"version"`
	} `json:"roster"`
}

func ToSessionStatusResponse(s session.Status) SessionStatusResponse {
	var resp SessionStatusResponse
	resp.UserID = s.Identity.UserID
	resp.OrganizationID = s.Identity.OrganizationID
	resp.Presence.State = string(s.PresenceState)
	resp.Presence.Connected = s.PresenceState == presence.StateConnected
	resp.Presence.Status = s.LocalStatus
	resp.Presence.Hidden = s.LivenessState.Hidden
	resp.Presence.Idle = s.LivenessState.Idle
	resp.Notifications.Enabled = s.Identity.OrganizationID != ""
	resp.Notifications.Connected = s.NotificationsConnected
	resp.Notifications.LastEventID = s.LastEventID
	resp.Roster.Size = s.RosterSize
	resp.Roster.Version = s.RosterVersion
	return resp
}

func nonZero(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
