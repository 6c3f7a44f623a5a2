package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"meshmeet/internal/domain"
	"meshmeet/internal/wire"
)

type engineHarness struct {
	engine  *Engine
	channel *fakeChannel
	factory *fakeFactory
	camera  *fakeCapture
	sink    *fakeSink
	cancel  context.CancelFunc
}

func newEngineHarness(t *testing.T, role domain.Role) *engineHarness {
	t.Helper()
	h := &engineHarness{
		channel: &fakeChannel{},
		factory: newFakeFactory(),
		camera:  &fakeCapture{handle: &fakeHandle{name: "camera"}},
		sink:    &fakeSink{path: "recording-test.ivf"},
	}
	h.engine = New(Params{
		Self:        "self",
		RoomID:      "main",
		DisplayName: "Alice",
		Role:        role,
		Interests:   []string{"golang"},
		Channel:     h.channel,
		Links:       h.factory,
		Camera:      h.camera,
		Screen:      &fakeCapture{handle: &fakeHandle{name: "screen"}},
		Processed:   &fakeCapture{handle: &fakeHandle{name: "processed"}},
		Recorder:    h.sink,
	})
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go h.engine.Run(ctx)
	t.Cleanup(cancel)
	return h
}

func (h *engineHarness) deliver(t *testing.T, typ string, payload any) {
	t.Helper()
	env, err := wire.NewEnvelope(typ, "main", payload)
	require.NoError(t, err)
	h.engine.Deliver(env)
}

// outboundReady reports, via the loop, whether the camera track landed.
func (h *engineHarness) outboundReady() bool {
	ready := make(chan bool, 1)
	h.engine.post(func() { ready <- h.engine.pipeline.Handle() != nil })
	select {
	case v := <-ready:
		return v
	case <-time.After(time.Second):
		return false
	}
}

func TestEngine_JoinAndPeerArrival(t *testing.T) {
	req := require.New(t)
	h := newEngineHarness(t, domain.RoleAdmin)

	// When the local participant joins and a peer arrives
	h.engine.Join()
	h.deliver(t, wire.TypeUserJoined, wire.UserPayload{UserID: "bob", UserName: "Bob", Role: "participant"})

	snap := h.engine.Snapshot()
	req.True(snap.Joined)
	req.Equal(1, h.channel.countType(wire.TypeJoinRoom))
	req.Len(snap.Participants, 2)
	req.Equal(domain.ParticipantID("bob"), snap.Participants[0].ID)
	req.Equal(domain.ParticipantID("self"), snap.Participants[1].ID)

	// And the mesh edge to the peer comes up
	req.Eventually(func() bool {
		return h.channel.countType(wire.TypeSignal) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_ModerationRequiresRole(t *testing.T) {
	req := require.New(t)
	h := newEngineHarness(t, domain.RoleParticipant)
	h.engine.Join()
	h.deliver(t, wire.TypeUserJoined, wire.UserPayload{UserID: "bob", UserName: "Bob"})

	// When a plain participant tries to kick
	h.engine.KickUser("bob")

	// Then nothing goes out and the refusal is visible
	snap := h.engine.Snapshot()
	req.Zero(h.channel.countType(wire.TypeKickUser))
	req.Contains(snap.LastError, "role")
	req.Len(snap.Participants, 2)
}

func TestEngine_UndeliveredActionIsDropped(t *testing.T) {
	req := require.New(t)
	h := newEngineHarness(t, domain.RoleAdmin)
	h.engine.Join()
	h.deliver(t, wire.TypeUserJoined, wire.UserPayload{UserID: "bob", UserName: "Bob"})
	_ = h.engine.Snapshot()

	// Given the relay connection has gone away
	h.channel.mu.Lock()
	h.channel.broken = true
	h.channel.mu.Unlock()

	// When a kick is attempted
	h.engine.KickUser("bob")

	// Then the action is not applied locally either
	snap := h.engine.Snapshot()
	req.Contains(snap.LastError, "kick-user")
	req.Len(snap.Participants, 2)
}

func TestEngine_SelfMuteRoundTrip(t *testing.T) {
	req := require.New(t)
	h := newEngineHarness(t, domain.RoleParticipant)
	h.engine.Join()

	// When the local participant mutes and unmutes themselves
	h.engine.SetSelfMuted(true)
	snap := h.engine.Snapshot()
	req.True(snap.Participants[0].Muted)
	req.Equal(1, h.channel.countType(wire.TypeUserMuted))

	// And a remote unmute event lands for them
	h.deliver(t, wire.TypeUserMuted, wire.MutePayload{UserID: "self", Muted: false})
	snap = h.engine.Snapshot()
	req.False(snap.Participants[0].Muted)
}

func TestEngine_SelfKickTearsDown(t *testing.T) {
	req := require.New(t)
	h := newEngineHarness(t, domain.RoleParticipant)
	h.engine.Join()
	h.deliver(t, wire.TypeUserJoined, wire.UserPayload{UserID: "bob", UserName: "Bob"})

	// When the relay reports the local participant kicked
	h.deliver(t, wire.TypeUserKicked, wire.UserPayload{UserID: "self"})

	snap := h.engine.Snapshot()
	req.False(snap.Joined)
	req.Contains(snap.LastError, "kicked")
}

func TestEngine_SignalsFromBannedIDAreIgnored(t *testing.T) {
	req := require.New(t)
	h := newEngineHarness(t, domain.RoleAdmin)
	h.engine.Join()
	h.deliver(t, wire.TypeUserBanned, wire.UserPayload{UserID: "bob"})
	_ = h.engine.Snapshot()

	// When the banned id still tries to signal
	h.deliver(t, wire.TypeSignal, wire.SignalPayload{UserID: "bob", SDPType: "offer", SDP: "sdp"})
	_ = h.engine.Snapshot()

	// Then no responder link is created for it
	req.Zero(h.factory.made)

	// While an unknown, unbanned id does get one
	h.deliver(t, wire.TypeSignal, wire.SignalPayload{UserID: "cara", SDPType: "offer", SDP: "sdp"})
	_ = h.engine.Snapshot()
	req.Equal(1, h.factory.made)
}

func TestEngine_SignalsFromKickedIDAreIgnoredUntilReapproval(t *testing.T) {
	req := require.New(t)
	h := newEngineHarness(t, domain.RoleAdmin)
	h.engine.Join()
	h.deliver(t, wire.TypeUserJoined, wire.UserPayload{UserID: "bob", UserName: "Bob"})
	req.Eventually(func() bool { return h.factory.made == 1 }, time.Second, 5*time.Millisecond)

	// Given bob was kicked and his link dropped
	h.engine.KickUser("bob")
	_ = h.engine.Snapshot()
	req.True(h.factory.link("bob").closed)

	// When a stale signal from him arrives afterwards
	h.deliver(t, wire.TypeSignal, wire.SignalPayload{UserID: "bob", SDPType: "offer", SDP: "sdp"})
	_ = h.engine.Snapshot()

	// Then no fresh responder link comes up for him
	req.Equal(1, h.factory.made)

	// When he rejoins and the moderator approves
	h.deliver(t, wire.TypeUserJoined, wire.UserPayload{UserID: "bob", UserName: "Bob"})
	snap := h.engine.Snapshot()
	req.Len(snap.JoinRequests, 1)
	req.Equal(1, h.factory.made)
	h.engine.ApproveJoin("bob", true)

	// Then the mesh edge is rebuilt through the approval, not the signal
	req.Eventually(func() bool { return h.factory.made == 2 }, time.Second, 5*time.Millisecond)
}

func TestEngine_SignalsFromDeniedIDAreIgnored(t *testing.T) {
	req := require.New(t)
	h := newEngineHarness(t, domain.RoleAdmin)
	h.engine.Join()
	h.deliver(t, wire.TypeUserJoined, wire.UserPayload{UserID: "bob", UserName: "Bob"})
	req.Eventually(func() bool { return h.factory.made == 1 }, time.Second, 5*time.Millisecond)
	h.engine.KickUser("bob")

	// Given bob's rejoin was denied
	h.deliver(t, wire.TypeUserJoined, wire.UserPayload{UserID: "bob", UserName: "Bob"})
	h.engine.ApproveJoin("bob", false)
	_ = h.engine.Snapshot()

	// When he signals anyway
	h.deliver(t, wire.TypeSignal, wire.SignalPayload{UserID: "bob", SDPType: "offer", SDP: "sdp"})
	_ = h.engine.Snapshot()

	req.Equal(1, h.factory.made)
}

func TestEngine_KickClosesSignalOnlyLink(t *testing.T) {
	req := require.New(t)
	h := newEngineHarness(t, domain.RoleAdmin)
	h.engine.Join()

	// Given cara's offer arrived before her join, so only a responder
	// link exists for her
	h.deliver(t, wire.TypeSignal, wire.SignalPayload{UserID: "cara", SDPType: "offer", SDP: "sdp"})
	snap := h.engine.Snapshot()
	req.Equal(1, h.factory.made)
	req.Len(snap.Participants, 1)

	// When she is kicked
	h.engine.KickUser("cara")
	_ = h.engine.Snapshot()

	// Then the orphan link is torn down with the removal
	req.True(h.factory.link("cara").closed)
}

func TestEngine_ChatAndMetrics(t *testing.T) {
	req := require.New(t)
	h := newEngineHarness(t, domain.RoleParticipant)
	h.engine.Join()
	h.deliver(t, wire.TypeUserJoined, wire.UserPayload{UserID: "bob", UserName: "Bob"})

	// When the local participant chats and a remote message arrives
	h.engine.SendMessage("hello", domain.MessagePublic, "")
	h.deliver(t, wire.TypeMessage, wire.MessagePayload{Message: domain.Message{
		ID: "m2", Sender: "bob", Text: "hey", Timestamp: time.Now(), Kind: domain.MessagePublic,
	}})

	snap := h.engine.Snapshot()
	req.Len(snap.Messages, 2)
	req.Equal(1, h.channel.countType(wire.TypeMessage))

	// Then both senders are tallied
	req.Len(snap.Metrics, 2)
	names := []string{snap.Metrics[0].UserName, snap.Metrics[1].UserName}
	req.ElementsMatch([]string{"Alice", "Bob"}, names)
}

func TestEngine_PrivateMessageToOthersIsInvisible(t *testing.T) {
	req := require.New(t)
	h := newEngineHarness(t, domain.RoleParticipant)
	h.engine.Join()

	h.deliver(t, wire.TypeMessage, wire.MessagePayload{Message: domain.Message{
		ID: "m1", Sender: "bob", Text: "for cara only", Timestamp: time.Now(),
		Kind: domain.MessagePrivate, Recipient: "cara",
	}})

	snap := h.engine.Snapshot()
	req.Empty(snap.Messages)
}

func TestEngine_RecordingGateEndToEnd(t *testing.T) {
	req := require.New(t)
	h := newEngineHarness(t, domain.RoleParticipant)
	h.engine.Join()
	req.Eventually(h.outboundReady, time.Second, 5*time.Millisecond)

	// When a participant without the grant starts a recording
	h.engine.StartRecording()
	snap := h.engine.Snapshot()
	req.False(snap.Recording)
	req.Contains(snap.LastError, "not permitted")
	req.Zero(h.sink.started)

	// When the grant arrives and the start is retried
	h.deliver(t, wire.TypeRecordingPermission, wire.RecordingPermissionPayload{UserID: "self", Permitted: true})
	h.engine.StartRecording()

	snap = h.engine.Snapshot()
	req.True(snap.Recording)
	req.Equal(1, h.sink.started)
	req.Equal(1, h.channel.countType(wire.TypeRecordingStarted))

	h.engine.StopRecording()
	snap = h.engine.Snapshot()
	req.False(snap.Recording)
	req.Equal(1, h.channel.countType(wire.TypeRecordingStopped))
}

func TestEngine_BreakoutLifecycle(t *testing.T) {
	req := require.New(t)
	h := newEngineHarness(t, domain.RoleAdmin)
	h.engine.Join()
	h.deliver(t, wire.TypeUserJoined, wire.UserPayload{UserID: "bob", UserName: "Bob", Interests: []string{"music"}})

	// When the admin splits the room by interest
	h.engine.CreateBreakoutRooms()

	snap := h.engine.Snapshot()
	req.Len(snap.BreakoutRooms, 2)
	req.Equal(1, h.channel.countType(wire.TypeCreateBreakouts))

	// When the admin hops into bob's room and out again
	musicRoom := snap.BreakoutRooms[1].ID
	h.engine.JoinBreakoutRoom(musicRoom)
	snap = h.engine.Snapshot()
	req.ElementsMatch([]domain.ParticipantID{"bob", "self"}, snap.BreakoutRooms[1].MemberIDs)
	req.Empty(snap.BreakoutRooms[0].MemberIDs)

	h.engine.LeaveBreakoutRoom()
	snap = h.engine.Snapshot()
	req.Equal([]domain.ParticipantID{"bob"}, snap.BreakoutRooms[1].MemberIDs)

	// When a room is deleted
	h.engine.DeleteBreakoutRoom(musicRoom)
	snap = h.engine.Snapshot()
	req.Len(snap.BreakoutRooms, 1)
}

func TestEngine_LeaveClosesEverything(t *testing.T) {
	req := require.New(t)
	h := newEngineHarness(t, domain.RoleParticipant)
	h.engine.Join()
	h.deliver(t, wire.TypeUserJoined, wire.UserPayload{UserID: "bob", UserName: "Bob"})
	req.Eventually(func() bool { return h.factory.made == 1 }, time.Second, 5*time.Millisecond)

	// When the local participant leaves
	h.engine.Leave()

	snap := h.engine.Snapshot()
	req.False(snap.Joined)
	req.Equal(1, h.channel.countType(wire.TypeLeaveRoom))
	req.True(h.factory.link("bob").closed)
}
