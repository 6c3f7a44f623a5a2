// Package wire defines the JSON envelope exchanged with the signaling
// relay. Payload shapes are per-type; Decode only splits the envelope,
// typed payloads are unmarshalled by whoever handles the type.
package wire

import (
	"encoding/json"
	"fmt"

	"meshmeet/internal/domain"
)

// Inbound event types pushed by the relay.
const (
	TypeUserJoined           = "user-joined"
	TypeSignal               = "signal"
	TypeUserLeft             = "user-left"
	TypeUserKicked           = "user-kicked"
	TypeUserBanned           = "user-banned"
	TypeUserMuted            = "user-muted"
	TypeRoomLocked           = "room-locked"
	TypeJoinRequest          = "join-request"
	TypeMessage              = "message"
	TypeBreakoutRooms        = "breakout-rooms-changed"
	TypeRecordingPermission  = "recording-permission"
	TypeLockAllParticipants  = "lock-all-participants"
	TypeUnlockAllParticipant = "unlock-all-participants"
)

// Outbound command types sent to the relay.
const (
	TypeJoinRoom          = "join-room"
	TypeLeaveRoom         = "leave-room"
	TypeKickUser          = "kick-user"
	TypeBanUser           = "ban-user"
	TypeMuteUser          = "mute-user"
	TypeLockRoom          = "lock-room"
	TypeApproveJoin       = "approve-join"
	TypeGrantRecording    = "grant-recording-permission"
	TypeRevokeRecording   = "revoke-recording-permission"
	TypeInviteUser        = "invite-user"
	TypeCreateBreakouts   = "create-breakout-rooms"
	TypeJoinBreakout      = "join-breakout-room"
	TypeLeaveBreakout     = "leave-breakout-room"
	TypeDeleteBreakout    = "delete-breakout-room"
	TypeRecordingStarted  = "recording-started"
	TypeRecordingStopped  = "recording-stopped"
)

// Envelope is the relay frame: {type, roomId, payload}.
type Envelope struct {
	Type    string          `json:"type"`
	RoomID  domain.RoomID   `json:"roomId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into a ready-to-send envelope.
func NewEnvelope(typ string, roomID domain.RoomID, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Envelope{Type: typ, RoomID: roomID, Payload: raw}, nil
}

// Decode splits a raw relay frame into an envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// UserPayload accompanies user-joined/left/kicked/banned/muted and
// join-request.
type UserPayload struct {
	UserID    domain.ParticipantID `json:"userId"`
	UserName  string               `json:"userName,omitempty"`
	Role      string               `json:"role,omitempty"`
	Interests []string             `json:"interests,omitempty"`
}

// SignalPayload carries one step of the peer handshake. Exactly one of
// SDP or Candidate is set.
type SignalPayload struct {
	UserID    domain.ParticipantID `json:"userId"`
	SDPType   string               `json:"sdpType,omitempty"`
	SDP       string               `json:"sdp,omitempty"`
	Candidate *CandidatePayload    `json:"candidate,omitempty"`
}

type CandidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

type JoinRoomPayload struct {
	UserName  string   `json:"userName"`
	IsHost    bool     `json:"isHost"`
	Interests []string `json:"interests,omitempty"`
}

// MutePayload travels both ways: mute-user as a moderation command,
// user-muted as a self-announced status change.
type MutePayload struct {
	UserID domain.ParticipantID `json:"userId"`
	Muted  bool                 `json:"muted"`
}

type LockPayload struct {
	Locked bool `json:"locked"`
}

type ApproveJoinPayload struct {
	UserID   domain.ParticipantID `json:"userId"`
	Approved bool                 `json:"approved"`
}

type RecordingPermissionPayload struct {
	UserID    domain.ParticipantID `json:"userId"`
	Permitted bool                 `json:"permitted"`
}

type MessagePayload struct {
	Message domain.Message `json:"message"`
}

type BreakoutRoomsPayload struct {
	BreakoutRooms []domain.BreakoutRoom `json:"breakoutRooms"`
}

type BreakoutRoomPayload struct {
	BreakoutRoomID domain.BreakoutRoomID `json:"breakoutRoomId"`
	UserID         domain.ParticipantID  `json:"userId,omitempty"`
}
