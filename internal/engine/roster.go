package engine

import (
	"sort"

	"github.com/samber/lo"

	"meshmeet/internal/domain"
)

// RosterEntry is one participant plus the state of the mesh edge to
// them. The local participant carries no link.
type RosterEntry struct {
	domain.Participant
	LinkState LinkState `json:"linkState,omitempty"`
}

// Snapshot is the read-only view handed to the control API and tests.
type Snapshot struct {
	Self              domain.ParticipantID   `json:"self"`
	Role              domain.Role            `json:"role"`
	RoomID            domain.RoomID          `json:"roomId"`
	Joined            bool                   `json:"joined"`
	Locked            bool                   `json:"locked"`
	Source            Source                 `json:"source"`
	VirtualBackground bool                   `json:"virtualBackground"`
	VideoEnabled      bool                   `json:"videoEnabled"`
	Recording         bool                   `json:"recording"`
	Participants      []RosterEntry          `json:"participants"`
	JoinRequests      []domain.Participant   `json:"joinRequests"`
	BreakoutRooms     []domain.BreakoutRoom  `json:"breakoutRooms"`
	Messages          []domain.Message       `json:"messages"`
	Metrics           []ParticipationMetrics `json:"metrics"`
	EngagementLevel   string                 `json:"engagementLevel"`
	LastError         string                 `json:"lastError,omitempty"`
}

// Snapshot assembles the roster on the loop, so it never observes a
// half-applied transition.
func (e *Engine) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	e.post(func() { reply <- e.buildSnapshot() })
	select {
	case s := <-reply:
		return s
	case <-e.ctx.Done():
		return Snapshot{}
	}
}

func (e *Engine) buildSnapshot() Snapshot {
	links := e.registry.States()
	entries := lo.Map(lo.Values(e.session.participants), func(p *domain.Participant, _ int) RosterEntry {
		return RosterEntry{Participant: *p, LinkState: links[p.ID]}
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	return Snapshot{
		Self:              e.session.Self(),
		Role:              e.session.Role(),
		RoomID:            e.roomID,
		Joined:            e.joined,
		Locked:            e.session.Locked(),
		Source:            e.pipeline.Source(),
		VirtualBackground: e.pipeline.VirtualBG(),
		VideoEnabled:      e.registry.VideoEnabled(),
		Recording:         e.gate.Recording(),
		Participants:      entries,
		JoinRequests:      e.session.JoinRequests(),
		BreakoutRooms:     e.session.Breakouts(),
		Messages:          e.session.Messages(),
		Metrics:           e.metrics.Snapshot(),
		EngagementLevel:   e.metrics.EngagementLevel(),
		LastError:         e.lastErr,
	}
}
