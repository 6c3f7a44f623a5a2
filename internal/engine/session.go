package engine

import (
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"meshmeet/internal/domain"
)

// Event is one state transition input, whether it came from the relay
// or from a locally invoked action. Both paths funnel through
// Session.Apply, one event at a time.
type Event interface{ isEvent() }

type (
	EvJoined struct {
		ID        domain.ParticipantID
		Name      string
		Role      domain.Role
		Interests []string
	}
	EvLeft   struct{ ID domain.ParticipantID }
	EvKicked struct{ ID domain.ParticipantID }
	EvBanned struct{ ID domain.ParticipantID }
	EvMuted  struct {
		ID    domain.ParticipantID
		Muted bool
	}
	EvRoomLocked    struct{ Locked bool }
	EvJoinRequested struct{ Participant domain.Participant }
	EvApproveJoin   struct {
		ID       domain.ParticipantID
		Approved bool
	}
	EvLockAll   struct{ Actor domain.ParticipantID }
	EvUnlockAll struct{ Actor domain.ParticipantID }
	EvRecording struct {
		ID        domain.ParticipantID
		Permitted bool
	}
	EvBreakoutsChanged struct{ Rooms []domain.BreakoutRoom }
	EvBreakoutJoin     struct {
		ID   domain.ParticipantID
		Room domain.BreakoutRoomID
	}
	EvBreakoutLeave  struct{ ID domain.ParticipantID }
	EvBreakoutDelete struct{ Room domain.BreakoutRoomID }
	EvMessage        struct{ Message domain.Message }
)

func (EvJoined) isEvent()           {}
func (EvLeft) isEvent()             {}
func (EvKicked) isEvent()           {}
func (EvBanned) isEvent()           {}
func (EvMuted) isEvent()            {}
func (EvRoomLocked) isEvent()       {}
func (EvJoinRequested) isEvent()    {}
func (EvApproveJoin) isEvent()      {}
func (EvLockAll) isEvent()          {}
func (EvUnlockAll) isEvent()        {}
func (EvRecording) isEvent()        {}
func (EvBreakoutsChanged) isEvent() {}
func (EvBreakoutJoin) isEvent()     {}
func (EvBreakoutLeave) isEvent()    {}
func (EvBreakoutDelete) isEvent()   {}
func (EvMessage) isEvent()          {}

// Effect is what the reducer asks the engine to carry out. The reducer
// itself never touches links or devices.
type Effect interface{ isEffect() }

type (
	FxEstablishLink struct{ Remote domain.ParticipantID }
	FxTeardownLink  struct{ Remote domain.ParticipantID }
	FxLocalVideo    struct{ Enabled bool }
	FxLeftRoom      struct{ Reason string }
)

func (FxEstablishLink) isEffect() {}
func (FxTeardownLink) isEffect()  {}
func (FxLocalVideo) isEffect()    {}
func (FxLeftRoom) isEffect()      {}

type removal int

const (
	removedKicked removal = iota + 1
	removedBanned
)

// Session holds room-level and per-participant moderation state. It is
// mutated only from the engine loop, so there is no lock here.
type Session struct {
	self   domain.ParticipantID
	role   domain.Role
	locked bool

	participants map[domain.ParticipantID]*domain.Participant
	joinRequests []domain.Participant
	// approved lets a fresh join through after ApproveJoin while the
	// room is locked or after a kick.
	approved map[domain.ParticipantID]struct{}
	// removed suppresses re-entry: banned ids never come back, kicked
	// ids are held for a fresh approval.
	removed map[domain.ParticipantID]removal

	breakouts map[domain.BreakoutRoomID]*domain.BreakoutRoom
	messages  []domain.Message
}

func NewSession(self domain.ParticipantID, name string, role domain.Role, interests []string) *Session {
	s := &Session{
		self:         self,
		role:         role,
		participants: make(map[domain.ParticipantID]*domain.Participant),
		approved:     make(map[domain.ParticipantID]struct{}),
		removed:      make(map[domain.ParticipantID]removal),
		breakouts:    make(map[domain.BreakoutRoomID]*domain.BreakoutRoom),
	}
	s.participants[self] = &domain.Participant{
		ID: self, Name: name, Role: role, Interests: interests,
		// The host records by default; everyone else needs a grant.
		RecordingPermitted: role == domain.RoleAdmin,
	}
	return s
}

func (s *Session) Self() domain.ParticipantID { return s.self }
func (s *Session) Role() domain.Role          { return s.role }
func (s *Session) Locked() bool               { return s.locked }

func (s *Session) Participant(id domain.ParticipantID) (domain.Participant, bool) {
	p, ok := s.participants[id]
	if !ok {
		return domain.Participant{}, false
	}
	return *p, true
}

// RecordingPermitted reports whether the given participant may start a
// recording. It is never inferred, only set by moderation events.
func (s *Session) RecordingPermitted(id domain.ParticipantID) bool {
	p, ok := s.participants[id]
	return ok && p.RecordingPermitted
}

// Apply is the single serialized state transition step. It returns the
// side effects the engine must execute; it performs none itself.
func (s *Session) Apply(ev Event) []Effect {
	switch ev := ev.(type) {
	case EvJoined:
		return s.applyJoined(ev)
	case EvLeft:
		return s.drop(ev.ID, 0, "left")
	case EvKicked:
		return s.drop(ev.ID, removedKicked, "kicked")
	case EvBanned:
		return s.drop(ev.ID, removedBanned, "banned")
	case EvMuted:
		if p, ok := s.participants[ev.ID]; ok {
			p.Muted = ev.Muted
		}
	case EvRoomLocked:
		s.locked = ev.Locked
	case EvJoinRequested:
		s.enqueueRequest(ev.Participant)
	case EvApproveJoin:
		return s.applyApprove(ev)
	case EvLockAll:
		return s.applyLockAll(ev.Actor, true)
	case EvUnlockAll:
		return s.applyLockAll(ev.Actor, false)
	case EvRecording:
		if p, ok := s.participants[ev.ID]; ok {
			p.RecordingPermitted = ev.Permitted
		}
	case EvBreakoutsChanged:
		s.replaceBreakouts(ev.Rooms)
	case EvBreakoutJoin:
		s.moveToBreakout(ev.ID, &ev.Room)
	case EvBreakoutLeave:
		s.moveToBreakout(ev.ID, nil)
	case EvBreakoutDelete:
		s.deleteBreakout(ev.Room)
	case EvMessage:
		s.messages = append(s.messages, ev.Message)
	}
	return nil
}

func (s *Session) applyJoined(ev EvJoined) []Effect {
	switch s.removed[ev.ID] {
	case removedBanned:
		// Replayed or re-sent join for a banned id: never re-admitted.
		log.Warn().Str("module", "engine.session").Str("peer", string(ev.ID)).Msg("join suppressed for banned id")
		return nil
	case removedKicked:
		if _, ok := s.approved[ev.ID]; !ok {
			s.enqueueRequest(domain.Participant{ID: ev.ID, Name: ev.Name, Role: domain.RoleParticipant, Interests: ev.Interests})
			return nil
		}
	}
	if s.locked && !ev.Role.CanModerate() {
		if _, ok := s.approved[ev.ID]; !ok {
			s.enqueueRequest(domain.Participant{ID: ev.ID, Name: ev.Name, Role: ev.Role, Interests: ev.Interests})
			return nil
		}
	}
	delete(s.approved, ev.ID)
	delete(s.removed, ev.ID)
	if _, ok := s.participants[ev.ID]; ok {
		// Duplicate join: keep the single existing link.
		return nil
	}
	s.participants[ev.ID] = &domain.Participant{ID: ev.ID, Name: ev.Name, Role: ev.Role, Interests: ev.Interests}
	return []Effect{FxEstablishLink{Remote: ev.ID}}
}

func (s *Session) drop(id domain.ParticipantID, kind removal, reason string) []Effect {
	if kind != 0 {
		s.removed[id] = kind
		if p, ok := s.participants[id]; ok && kind == removedBanned {
			p.Banned = true
		}
		s.joinRequests = lo.Reject(s.joinRequests, func(r domain.Participant, _ int) bool {
			return r.ID == id
		})
	}
	if id == s.self {
		return []Effect{FxLeftRoom{Reason: reason}}
	}
	if _, ok := s.participants[id]; ok {
		s.moveToBreakout(id, nil)
		delete(s.participants, id)
	}
	// Teardown goes out even without a roster entry: a responder link
	// may exist for an id whose join was never seen.
	return []Effect{FxTeardownLink{Remote: id}}
}

func (s *Session) enqueueRequest(p domain.Participant) {
	if s.removed[p.ID] == removedBanned {
		return
	}
	if s.isPending(p.ID) {
		return
	}
	s.joinRequests = append(s.joinRequests, p)
	log.Info().Str("module", "engine.session").Str("peer", string(p.ID)).Msg("join held for approval")
}

// isPending reports whether the id sits in the approval queue.
func (s *Session) isPending(id domain.ParticipantID) bool {
	for _, r := range s.joinRequests {
		if r.ID == id {
			return true
		}
	}
	return false
}

func (s *Session) applyApprove(ev EvApproveJoin) []Effect {
	var req *domain.Participant
	for i := range s.joinRequests {
		if s.joinRequests[i].ID == ev.ID {
			req = &s.joinRequests[i]
			break
		}
	}
	s.joinRequests = lo.Reject(s.joinRequests, func(r domain.Participant, _ int) bool {
		return r.ID == ev.ID
	})
	if !ev.Approved {
		s.removed[ev.ID] = removedKicked
		return nil
	}
	if req == nil {
		return nil
	}
	s.approved[ev.ID] = struct{}{}
	delete(s.removed, ev.ID)
	if _, ok := s.participants[ev.ID]; !ok {
		p := *req
		s.participants[ev.ID] = &p
	}
	return []Effect{FxEstablishLink{Remote: ev.ID}}
}

func (s *Session) applyLockAll(actor domain.ParticipantID, lock bool) []Effect {
	for id, p := range s.participants {
		if lock && id == actor {
			continue
		}
		p.Muted = lock
	}
	if s.self == actor {
		// The invoker's own camera goes dark as a side effect; the
		// outbound source choice itself is untouched.
		return []Effect{FxLocalVideo{Enabled: !lock}}
	}
	return nil
}

// JoinRequests returns the ordered approval queue.
func (s *Session) JoinRequests() []domain.Participant {
	out := make([]domain.Participant, len(s.joinRequests))
	copy(out, s.joinRequests)
	return out
}

// Messages returns the chat log visible to the local participant.
func (s *Session) Messages() []domain.Message {
	return lo.Filter(s.messages, func(m domain.Message, _ int) bool {
		return m.VisibleTo(s.self)
	})
}

// PartitionByInterest splits the current active roster into disjoint
// breakout rooms keyed by each participant's first declared interest.
// Participants without interests land in the default bucket. The
// grouping is deterministic: buckets are emitted in sorted key order.
func (s *Session) PartitionByInterest() []domain.BreakoutRoom {
	const defaultBucket = "general"
	groups := lo.GroupBy(lo.Values(s.participants), func(p *domain.Participant) string {
		if len(p.Interests) == 0 {
			return defaultBucket
		}
		return p.Interests[0]
	})
	keys := lo.Keys(groups)
	sort.Strings(keys)

	rooms := make([]domain.BreakoutRoom, 0, len(keys))
	for _, key := range keys {
		members := lo.Map(groups[key], func(p *domain.Participant, _ int) domain.ParticipantID {
			return p.ID
		})
		sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
		rooms = append(rooms, domain.BreakoutRoom{
			ID:        domain.BreakoutRoomID("breakout-" + key + "-" + uuid.NewString()),
			Name:      titleCase(key) + " Discussion",
			Interests: []string{key},
			MemberIDs: members,
		})
	}
	return rooms
}

func (s *Session) replaceBreakouts(rooms []domain.BreakoutRoom) {
	s.breakouts = make(map[domain.BreakoutRoomID]*domain.BreakoutRoom, len(rooms))
	for _, p := range s.participants {
		p.BreakoutRoom = nil
	}
	for i := range rooms {
		room := rooms[i]
		s.breakouts[room.ID] = &room
		for _, id := range room.MemberIDs {
			s.moveToBreakout(id, &room.ID)
		}
	}
}

// moveToBreakout reassigns one participant, keeping the membership a
// partition: the id is pulled out of every other room first.
func (s *Session) moveToBreakout(id domain.ParticipantID, room *domain.BreakoutRoomID) {
	p, ok := s.participants[id]
	if !ok {
		return
	}
	for _, br := range s.breakouts {
		if room != nil && br.ID == *room {
			continue
		}
		br.MemberIDs = lo.Reject(br.MemberIDs, func(m domain.ParticipantID, _ int) bool {
			return m == id
		})
	}
	p.BreakoutRoom = nil
	if room == nil {
		return
	}
	br, ok := s.breakouts[*room]
	if !ok {
		return
	}
	if !lo.Contains(br.MemberIDs, id) {
		br.MemberIDs = append(br.MemberIDs, id)
	}
	rid := *room
	p.BreakoutRoom = &rid
}

func (s *Session) deleteBreakout(id domain.BreakoutRoomID) {
	br, ok := s.breakouts[id]
	if !ok {
		return
	}
	for _, m := range br.MemberIDs {
		if p, ok := s.participants[m]; ok {
			p.BreakoutRoom = nil
		}
	}
	delete(s.breakouts, id)
}

// Breakouts returns the rooms sorted by name for stable output.
func (s *Session) Breakouts() []domain.BreakoutRoom {
	rooms := lo.Map(lo.Values(s.breakouts), func(br *domain.BreakoutRoom, _ int) domain.BreakoutRoom {
		return *br
	})
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Name < rooms[j].Name })
	return rooms
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
