package domain

import "time"

type MessageKind string

const (
	MessagePublic  MessageKind = "public"
	MessagePrivate MessageKind = "private"
)

// Message is one chat entry. The log is append-only, ordered by local
// receipt; no global order across senders is assumed.
type Message struct {
	ID        string        `json:"id"`
	Sender    ParticipantID `json:"sender"`
	Text      string        `json:"text"`
	Timestamp time.Time     `json:"timestamp"`
	Kind      MessageKind   `json:"type"`
	Recipient ParticipantID `json:"recipient,omitempty"`
}

// VisibleTo reports whether the message may be shown to the given user.
func (m Message) VisibleTo(id ParticipantID) bool {
	return m.Kind == MessagePublic || m.Recipient == id || m.Sender == id
}
