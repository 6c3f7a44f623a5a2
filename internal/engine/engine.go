// Package engine is the peer-mesh coordination core: it drives the
// per-peer handshakes, keeps the outbound video in sync with the
// chosen source, and applies moderation events across the roster.
//
// Everything is processed on a single loop: one relay event or one
// local action at a time, to completion. Long operations (device
// acquisition, offer/answer legs) run off-loop and post back, so a
// pending switch never stalls an unrelated signal.
package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"meshmeet/internal/core"
	"meshmeet/internal/domain"
	"meshmeet/internal/wire"
)

// Params wires the engine to its collaborators.
type Params struct {
	Self        domain.ParticipantID
	RoomID      domain.RoomID
	DisplayName string
	Role        domain.Role
	Interests   []string

	Channel   core.SignalChannel
	Links     core.MediaLinkFactory
	Camera    core.CaptureSource
	Screen    core.CaptureSource
	Processed core.CaptureSource
	Recorder  core.RecorderSink
}

type Engine struct {
	roomID  domain.RoomID
	channel core.SignalChannel

	session  *Session
	registry *Registry
	pipeline *Pipeline
	gate     *RecordingGate
	metrics  *Metrics

	cmds   chan func()
	ctx    context.Context
	cancel context.CancelFunc

	// single current user-visible error, no structured stack
	lastErr string
	joined  bool
}

func New(p Params) *Engine {
	e := &Engine{
		roomID:  p.RoomID,
		channel: p.Channel,
		session: NewSession(p.Self, p.DisplayName, p.Role, p.Interests),
		gate:    NewRecordingGate(p.Recorder),
		metrics: NewMetrics(),
		cmds:    make(chan func(), 256),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.registry = NewRegistry(p.Links, p.Channel, p.RoomID, e.post, e.onPeerDown)
	e.pipeline = NewPipeline(p.Camera, p.Screen, p.Processed, e.post,
		func(h core.TrackHandle, epoch uint64) { e.registry.ReplaceOutbound(h, epoch) },
		e.surfaceError)
	return e
}

// Run blocks on the apply loop until ctx is done or Stop is called.
func (e *Engine) Run(ctx context.Context) {
	defer e.cancel()
	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return
		case <-e.ctx.Done():
			e.shutdown()
			return
		case f := <-e.cmds:
			f()
		}
	}
}

func (e *Engine) shutdown() {
	e.teardown()
	e.channel.Close()
	log.Info().Str("module", "engine").Msg("engine stopped")
}

// Stop shuts the loop down.
func (e *Engine) Stop() { e.cancel() }

// post schedules f on the apply loop. Transport and device callbacks
// re-enter exclusively through here.
func (e *Engine) post(f func()) {
	select {
	case e.cmds <- f:
	case <-e.ctx.Done():
	}
}

// Deliver hands one relay event to the engine. The relay adapter calls
// this from its read pump; processing is serialized by the loop.
func (e *Engine) Deliver(env wire.Envelope) {
	e.post(func() { e.dispatch(env) })
}

func (e *Engine) dispatch(env wire.Envelope) {
	switch env.Type {
	case wire.TypeUserJoined:
		var p wire.UserPayload
		if !e.decode(env, &p) {
			return
		}
		e.apply(EvJoined{ID: p.UserID, Name: p.UserName, Role: domain.ParseRole(p.Role), Interests: p.Interests})
	case wire.TypeSignal:
		var p wire.SignalPayload
		if !e.decode(env, &p) {
			return
		}
		e.onSignal(p)
	case wire.TypeUserLeft:
		var p wire.UserPayload
		if !e.decode(env, &p) {
			return
		}
		e.apply(EvLeft{ID: p.UserID})
	case wire.TypeUserKicked:
		var p wire.UserPayload
		if !e.decode(env, &p) {
			return
		}
		e.apply(EvKicked{ID: p.UserID})
	case wire.TypeUserBanned:
		var p wire.UserPayload
		if !e.decode(env, &p) {
			return
		}
		e.apply(EvBanned{ID: p.UserID})
	case wire.TypeUserMuted:
		var p wire.MutePayload
		if !e.decode(env, &p) {
			return
		}
		e.apply(EvMuted{ID: p.UserID, Muted: p.Muted})
	case wire.TypeRoomLocked:
		var p wire.LockPayload
		if !e.decode(env, &p) {
			return
		}
		e.apply(EvRoomLocked{Locked: p.Locked})
	case wire.TypeJoinRequest:
		var p wire.UserPayload
		if !e.decode(env, &p) {
			return
		}
		e.apply(EvJoinRequested{Participant: domain.Participant{
			ID: p.UserID, Name: p.UserName, Role: domain.ParseRole(p.Role), Interests: p.Interests,
		}})
	case wire.TypeLockAllParticipants:
		var p wire.UserPayload
		if !e.decode(env, &p) {
			return
		}
		e.apply(EvLockAll{Actor: p.UserID})
	case wire.TypeUnlockAllParticipant:
		var p wire.UserPayload
		if !e.decode(env, &p) {
			return
		}
		e.apply(EvUnlockAll{Actor: p.UserID})
	case wire.TypeRecordingPermission:
		var p wire.RecordingPermissionPayload
		if !e.decode(env, &p) {
			return
		}
		e.apply(EvRecording{ID: p.UserID, Permitted: p.Permitted})
	case wire.TypeMessage:
		var p wire.MessagePayload
		if !e.decode(env, &p) {
			return
		}
		e.apply(EvMessage{Message: p.Message})
		if sender, ok := e.session.Participant(p.Message.Sender); ok {
			e.metrics.RecordMessage(sender.ID, sender.Name)
		} else {
			e.metrics.RecordMessage(p.Message.Sender, "")
		}
	case wire.TypeBreakoutRooms:
		var p wire.BreakoutRoomsPayload
		if !e.decode(env, &p) {
			return
		}
		e.apply(EvBreakoutsChanged{Rooms: p.BreakoutRooms})
	default:
		log.Warn().Str("module", "engine").Str("type", env.Type).Msg("unknown relay event")
	}
}

func (e *Engine) decode(env wire.Envelope, into any) bool {
	if err := json.Unmarshal(env.Payload, into); err != nil {
		log.Error().Err(err).Str("module", "engine").Str("type", env.Type).Msg("bad payload")
		return false
	}
	return true
}

// onSignal feeds one handshake step to the registry, unless the sender
// is held for approval or removed, in which case no link may exist for
// it yet. A removed id gets back in only through a fresh approved join,
// never through a stray signal.
func (e *Engine) onSignal(p wire.SignalPayload) {
	if _, removed := e.session.removed[p.UserID]; removed {
		if _, ok := e.session.approved[p.UserID]; !ok {
			return
		}
	}
	if e.session.isPending(p.UserID) {
		return
	}
	e.registry.OnSignal(e.ctx, p.UserID, p)
}

// apply runs one reducer step and executes the returned effects.
func (e *Engine) apply(ev Event) {
	for _, fx := range e.session.Apply(ev) {
		switch fx := fx.(type) {
		case FxEstablishLink:
			e.registry.Establish(e.ctx, fx.Remote)
		case FxTeardownLink:
			e.registry.Drop(fx.Remote)
		case FxLocalVideo:
			e.registry.SetVideoEnabled(fx.Enabled)
		case FxLeftRoom:
			e.surfaceError("you have been " + fx.Reason + " from the room")
			e.teardown()
		}
	}
}

// onPeerDown is the registry's failure report: transport loss on one
// link is treated as that peer's departure, nothing more.
func (e *Engine) onPeerDown(remote domain.ParticipantID) {
	e.apply(EvLeft{ID: remote})
}

func (e *Engine) surfaceError(msg string) {
	e.lastErr = msg
	log.Warn().Str("module", "engine").Str("notice", msg).Msg("user-visible error")
}

// send pushes one envelope to the relay. Delivery failure means the
// action is dropped: no retry, no queue, and the caller must not apply
// the action locally.
func (e *Engine) send(typ string, payload any) bool {
	env, err := wire.NewEnvelope(typ, e.roomID, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "engine").Str("type", typ).Msg("envelope")
		return false
	}
	if err := e.channel.TrySend(env); err != nil {
		e.surfaceError("action not delivered: " + typ)
		return false
	}
	return true
}

func (e *Engine) teardown() {
	if !e.joined {
		return
	}
	e.joined = false
	if e.gate.Recording() {
		if _, err := e.gate.Stop(); err != nil {
			log.Error().Err(err).Str("module", "engine").Msg("stop recording on teardown")
		}
	}
	e.registry.DropAll()
	e.pipeline.Close()
	log.Info().Str("module", "engine").Msg("session torn down")
}

// ---- local actions; each is applied on the loop ----

// Join announces the local participant to the relay and brings the
// camera up as the first outbound source.
func (e *Engine) Join() {
	e.post(func() {
		if e.joined {
			return
		}
		if !e.send(wire.TypeJoinRoom, wire.JoinRoomPayload{
			UserName:  e.selfName(),
			IsHost:    e.session.Role() == domain.RoleAdmin,
			Interests: e.selfInterests(),
		}) {
			return
		}
		e.joined = true
		e.metrics.MarkStart()
		e.pipeline.Init(e.ctx)
		log.Info().Str("module", "engine").Str("room", string(e.roomID)).Msg("joined room")
	})
}

func (e *Engine) Leave() {
	e.post(func() {
		if !e.joined {
			return
		}
		e.send(wire.TypeLeaveRoom, wire.UserPayload{UserID: e.session.Self()})
		e.teardown()
	})
}

func (e *Engine) SendMessage(text string, kind domain.MessageKind, recipient domain.ParticipantID) {
	e.post(func() {
		msg := domain.Message{
			ID:        uuid.NewString(),
			Sender:    e.session.Self(),
			Text:      text,
			Timestamp: time.Now(),
			Kind:      kind,
			Recipient: recipient,
		}
		if !e.send(wire.TypeMessage, wire.MessagePayload{Message: msg}) {
			return
		}
		e.apply(EvMessage{Message: msg})
		e.metrics.RecordMessage(e.session.Self(), e.selfName())
	})
}

func (e *Engine) ToggleScreenShare() {
	e.post(func() { e.pipeline.ToggleScreenShare(e.ctx) })
}

func (e *Engine) ToggleVirtualBackground() {
	e.post(func() { e.pipeline.ToggleVirtualBackground(e.ctx) })
}

func (e *Engine) SetVideoEnabled(enabled bool) {
	e.post(func() { e.registry.SetVideoEnabled(enabled) })
}

// requireModerator gates a moderation action on the local role before
// anything is emitted. The relay re-checks on its side; this flag is
// not a security boundary.
func (e *Engine) requireModerator() bool {
	if !e.session.Role().CanModerate() {
		e.surfaceError("moderation requires admin or moderator role")
		return false
	}
	return true
}

func (e *Engine) requireAdmin() bool {
	if e.session.Role() != domain.RoleAdmin {
		e.surfaceError("breakout room management requires admin role")
		return false
	}
	return true
}

func (e *Engine) KickUser(id domain.ParticipantID) {
	e.post(func() {
		if !e.requireModerator() {
			return
		}
		if !e.send(wire.TypeKickUser, wire.UserPayload{UserID: id}) {
			return
		}
		e.apply(EvKicked{ID: id})
	})
}

func (e *Engine) BanUser(id domain.ParticipantID) {
	e.post(func() {
		if !e.requireModerator() {
			return
		}
		if !e.send(wire.TypeBanUser, wire.UserPayload{UserID: id}) {
			return
		}
		e.apply(EvBanned{ID: id})
	})
}

func (e *Engine) MuteUser(id domain.ParticipantID) {
	e.post(func() {
		if !e.requireModerator() {
			return
		}
		if !e.send(wire.TypeMuteUser, wire.MutePayload{UserID: id, Muted: true}) {
			return
		}
		e.apply(EvMuted{ID: id, Muted: true})
	})
}

// SetSelfMuted flips the local microphone status. Ungated: anyone may
// mute themselves; the change is announced so the roster stays in sync.
func (e *Engine) SetSelfMuted(muted bool) {
	e.post(func() {
		if !e.send(wire.TypeUserMuted, wire.MutePayload{UserID: e.session.Self(), Muted: muted}) {
			return
		}
		e.apply(EvMuted{ID: e.session.Self(), Muted: muted})
	})
}

func (e *Engine) LockRoom(locked bool) {
	e.post(func() {
		if !e.requireModerator() {
			return
		}
		if !e.send(wire.TypeLockRoom, wire.LockPayload{Locked: locked}) {
			return
		}
		e.apply(EvRoomLocked{Locked: locked})
	})
}

func (e *Engine) ApproveJoin(id domain.ParticipantID, approved bool) {
	e.post(func() {
		if !e.requireModerator() {
			return
		}
		if !e.send(wire.TypeApproveJoin, wire.ApproveJoinPayload{UserID: id, Approved: approved}) {
			return
		}
		e.apply(EvApproveJoin{ID: id, Approved: approved})
	})
}

func (e *Engine) LockAllParticipants() {
	e.post(func() {
		if !e.requireModerator() {
			return
		}
		if !e.send(wire.TypeLockAllParticipants, wire.UserPayload{UserID: e.session.Self()}) {
			return
		}
		e.apply(EvLockAll{Actor: e.session.Self()})
	})
}

func (e *Engine) UnlockAllParticipants() {
	e.post(func() {
		if !e.requireModerator() {
			return
		}
		if !e.send(wire.TypeUnlockAllParticipant, wire.UserPayload{UserID: e.session.Self()}) {
			return
		}
		e.apply(EvUnlockAll{Actor: e.session.Self()})
	})
}

func (e *Engine) GrantRecording(id domain.ParticipantID) {
	e.post(func() {
		if !e.requireModerator() {
			return
		}
		if !e.send(wire.TypeGrantRecording, wire.RecordingPermissionPayload{UserID: id, Permitted: true}) {
			return
		}
		e.apply(EvRecording{ID: id, Permitted: true})
	})
}

func (e *Engine) RevokeRecording(id domain.ParticipantID) {
	e.post(func() {
		if !e.requireModerator() {
			return
		}
		if !e.send(wire.TypeRevokeRecording, wire.RecordingPermissionPayload{UserID: id, Permitted: false}) {
			return
		}
		e.apply(EvRecording{ID: id, Permitted: false})
	})
}

func (e *Engine) InviteUser(id domain.ParticipantID) {
	e.post(func() {
		e.send(wire.TypeInviteUser, wire.UserPayload{UserID: id})
	})
}

func (e *Engine) StartRecording() {
	e.post(func() {
		permitted := e.session.RecordingPermitted(e.session.Self())
		if err := e.gate.Start(permitted, e.pipeline.Handle()); err != nil {
			e.surfaceError(err.Error())
			return
		}
		e.send(wire.TypeRecordingStarted, wire.UserPayload{UserID: e.session.Self()})
	})
}

func (e *Engine) StopRecording() {
	e.post(func() {
		path, err := e.gate.Stop()
		if err != nil {
			e.surfaceError(err.Error())
			return
		}
		log.Info().Str("module", "engine").Str("artifact", path).Msg("recording saved")
		e.send(wire.TypeRecordingStopped, wire.UserPayload{UserID: e.session.Self()})
	})
}

func (e *Engine) CreateBreakoutRooms() {
	e.post(func() {
		if !e.requireAdmin() {
			return
		}
		rooms := e.session.PartitionByInterest()
		if !e.send(wire.TypeCreateBreakouts, wire.BreakoutRoomsPayload{BreakoutRooms: rooms}) {
			return
		}
		e.apply(EvBreakoutsChanged{Rooms: rooms})
	})
}

func (e *Engine) JoinBreakoutRoom(id domain.BreakoutRoomID) {
	e.post(func() {
		if !e.send(wire.TypeJoinBreakout, wire.BreakoutRoomPayload{BreakoutRoomID: id, UserID: e.session.Self()}) {
			return
		}
		e.apply(EvBreakoutJoin{ID: e.session.Self(), Room: id})
	})
}

func (e *Engine) LeaveBreakoutRoom() {
	e.post(func() {
		p, _ := e.session.Participant(e.session.Self())
		if p.BreakoutRoom == nil {
			return
		}
		if !e.send(wire.TypeLeaveBreakout, wire.BreakoutRoomPayload{BreakoutRoomID: *p.BreakoutRoom, UserID: e.session.Self()}) {
			return
		}
		e.apply(EvBreakoutLeave{ID: e.session.Self()})
	})
}

func (e *Engine) DeleteBreakoutRoom(id domain.BreakoutRoomID) {
	e.post(func() {
		if !e.requireAdmin() {
			return
		}
		if !e.send(wire.TypeDeleteBreakout, wire.BreakoutRoomPayload{BreakoutRoomID: id}) {
			return
		}
		e.apply(EvBreakoutDelete{Room: id})
	})
}

// RecordSpeech is the entry point for external speech-activity
// producers feeding the participation sink.
func (e *Engine) RecordSpeech(id domain.ParticipantID, d time.Duration) {
	e.post(func() {
		name := ""
		if p, ok := e.session.Participant(id); ok {
			name = p.Name
		}
		e.metrics.RecordSpeech(id, name, d)
	})
}

func (e *Engine) selfName() string {
	p, _ := e.session.Participant(e.session.Self())
	return p.Name
}

func (e *Engine) selfInterests() []string {
	p, _ := e.session.Participant(e.session.Self())
	return p.Interests
}
