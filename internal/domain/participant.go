// Package domain contains entity without logic, just meta-data
package domain

import "errors"

const MaxDisplayNameLen = 36

var (
	ErrNameTooLong = errors.New("display name too long")
	ErrNameEmpty   = errors.New("display name empty")
)

type (
	ParticipantID  string
	RoomID         string
	BreakoutRoomID string
)

type Role string

const (
	RoleAdmin       Role = "admin"
	RoleModerator   Role = "moderator"
	RoleParticipant Role = "participant"
)

// ParseRole maps a relay-supplied role string; anything unknown is a
// plain participant.
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleAdmin, RoleModerator:
		return Role(s)
	default:
		return RoleParticipant
	}
}

// CanModerate reports whether the role may kick/ban/mute/lock.
func (r Role) CanModerate() bool {
	return r == RoleAdmin || r == RoleModerator
}

// Participant is the roster entry for one remote (or the local) user.
type Participant struct {
	ID                 ParticipantID   `json:"id"`
	Name               string          `json:"name"`
	Role               Role            `json:"role"`
	Interests          []string        `json:"interests,omitempty"`
	Muted              bool            `json:"muted"`
	Banned             bool            `json:"banned"`
	RecordingPermitted bool            `json:"recordingPermitted"`
	BreakoutRoom       *BreakoutRoomID `json:"breakoutRoom,omitempty"`
}

// NewParticipant avoids raw literals in adapters and keeps construction obvious.
func NewParticipant(id ParticipantID, name string, role Role) (*Participant, error) {
	if len(name) == 0 {
		return nil, ErrNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return nil, ErrNameTooLong
	}
	return &Participant{ID: id, Name: name, Role: role}, nil
}
