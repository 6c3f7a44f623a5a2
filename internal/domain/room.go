package domain

// BreakoutRoom groups a disjoint subset of the active roster.
// Membership is a partition: a participant sits in at most one room.
type BreakoutRoom struct {
	ID        BreakoutRoomID  `json:"id"`
	Name      string          `json:"name"`
	Interests []string        `json:"interests"`
	MemberIDs []ParticipantID `json:"participantIds"`
}
