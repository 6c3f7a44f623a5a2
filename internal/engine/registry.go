package engine

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"meshmeet/internal/core"
	"meshmeet/internal/domain"
	"meshmeet/internal/wire"
)

type LinkState string

const (
	LinkInitiating     LinkState = "initiating"
	LinkAwaitingRemote LinkState = "awaiting-remote"
	LinkConnected      LinkState = "connected"
	LinkClosed         LinkState = "closed"
	LinkFailed         LinkState = "failed"
)

// PeerLink is one mesh edge: the media connection to a single remote
// participant plus its handshake state.
type PeerLink struct {
	Remote     domain.ParticipantID
	State      LinkState
	TrackEpoch uint64

	link   core.MediaLink
	sender core.VideoSender
}

// Registry owns the PeerLink set, keyed by the remote participant id.
// Lifecycle is a single lookup-and-mutate per event; all mutation
// happens on the engine loop. Transport callbacks re-enter through
// post, never directly.
type Registry struct {
	factory core.MediaLinkFactory
	channel core.SignalChannel
	roomID  domain.RoomID

	links map[domain.ParticipantID]*PeerLink

	// current outbound video source as last published by the pipeline.
	current      core.TrackHandle
	currentEpoch uint64
	videoEnabled bool

	post       func(func())
	onPeerDown func(domain.ParticipantID)
}

func NewRegistry(factory core.MediaLinkFactory, channel core.SignalChannel, roomID domain.RoomID, post func(func()), onPeerDown func(domain.ParticipantID)) *Registry {
	return &Registry{
		factory:      factory,
		channel:      channel,
		roomID:       roomID,
		links:        make(map[domain.ParticipantID]*PeerLink),
		videoEnabled: true,
		post:         post,
		onPeerDown:   onPeerDown,
	}
}

// Link returns the live link for a remote id, if any.
func (r *Registry) Link(remote domain.ParticipantID) (*PeerLink, bool) {
	l, ok := r.links[remote]
	return l, ok
}

// Count returns the number of live links.
func (r *Registry) Count() int { return len(r.links) }

// Establish creates the initiator side of a link. A second call for a
// remote that already holds a non-closed link is a no-op, so event
// replays never produce a duplicate edge.
func (r *Registry) Establish(ctx context.Context, remote domain.ParticipantID) {
	if _, ok := r.links[remote]; ok {
		return
	}
	pl, err := r.newLink(ctx, remote, LinkInitiating)
	if err != nil {
		log.Error().Err(err).Str("module", "engine.registry").Str("peer", string(remote)).Msg("establish link")
		return
	}
	// The offer leg blocks on ICE gathering; never on the loop. The
	// offer is created against whatever source is current at send
	// time, so a source switch before this completes is still picked
	// up via the attached sender.
	go func() {
		sdp, err := pl.link.CreateOffer()
		r.post(func() {
			cur, ok := r.links[remote]
			if !ok || cur != pl {
				return
			}
			if err != nil {
				log.Error().Err(err).Str("module", "engine.registry").Str("peer", string(remote)).Msg("create offer")
				r.fail(remote)
				return
			}
			pl.State = LinkAwaitingRemote
			r.sendSignal(remote, wire.SignalPayload{UserID: remote, SDPType: sdp.Type, SDP: sdp.Desc})
		})
	}()
}

// OnSignal applies one handshake step from the relay. When no link
// exists yet the remote side initiated first; the responder link is
// created on the spot, which also covers the joined/signal glare where
// the two events interleave in either order.
func (r *Registry) OnSignal(ctx context.Context, remote domain.ParticipantID, p wire.SignalPayload) {
	pl, ok := r.links[remote]
	if !ok {
		var err error
		pl, err = r.newLink(ctx, remote, LinkAwaitingRemote)
		if err != nil {
			log.Error().Err(err).Str("module", "engine.registry").Str("peer", string(remote)).Msg("responder link")
			return
		}
	}

	if p.SDP != "" {
		if err := pl.link.ApplyRemote(core.SDP{Type: p.SDPType, Desc: p.SDP}); err != nil {
			log.Error().Err(err).Str("module", "engine.registry").Str("peer", string(remote)).Msg("apply remote sdp")
			r.fail(remote)
			return
		}
		if p.SDPType == "offer" {
			go func() {
				sdp, err := pl.link.CreateAnswer()
				r.post(func() {
					cur, ok := r.links[remote]
					if !ok || cur != pl {
						return
					}
					if err != nil {
						log.Error().Err(err).Str("module", "engine.registry").Str("peer", string(remote)).Msg("create answer")
						r.fail(remote)
						return
					}
					r.sendSignal(remote, wire.SignalPayload{UserID: remote, SDPType: sdp.Type, SDP: sdp.Desc})
				})
			}()
		}
	}

	if p.Candidate != nil {
		ci := webrtc.ICECandidateInit{
			Candidate:     p.Candidate.Candidate,
			SDPMid:        p.Candidate.SDPMid,
			SDPMLineIndex: p.Candidate.SDPMLineIndex,
		}
		if err := pl.link.AddICECandidate(ci); err != nil {
			log.Error().Err(err).Str("module", "engine.registry").Str("peer", string(remote)).Msg("add ice candidate")
		}
	}
}

func (r *Registry) newLink(ctx context.Context, remote domain.ParticipantID, state LinkState) (*PeerLink, error) {
	link, err := r.factory.NewLink(string(remote))
	if err != nil {
		return nil, err
	}
	pl := &PeerLink{Remote: remote, State: state, link: link}

	if r.current != nil {
		sender, err := link.AttachVideo(r.current)
		if err != nil {
			link.Close()
			return nil, err
		}
		pl.sender = sender
		pl.TrackEpoch = r.currentEpoch
		if !r.videoEnabled {
			_ = sender.Replace(nil)
		}
	}

	link.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		r.post(func() {
			if _, ok := r.links[remote]; !ok {
				return
			}
			r.sendSignal(remote, wire.SignalPayload{UserID: remote, Candidate: &wire.CandidatePayload{
				Candidate:     ci.Candidate,
				SDPMid:        ci.SDPMid,
				SDPMLineIndex: ci.SDPMLineIndex,
			}})
		})
	})
	link.OnConnected(func() {
		r.post(func() {
			if cur, ok := r.links[remote]; ok && cur == pl {
				pl.State = LinkConnected
				log.Info().Str("module", "engine.registry").Str("peer", string(remote)).Msg("link connected")
			}
		})
	})
	link.OnClosed(func() {
		r.post(func() {
			if cur, ok := r.links[remote]; ok && cur == pl {
				r.fail(remote)
			}
		})
	})

	if err := link.Start(ctx); err != nil {
		link.Close()
		return nil, err
	}
	r.links[remote] = pl
	log.Info().Str("module", "engine.registry").Str("peer", string(remote)).Str("state", string(state)).Msg("link created")
	return pl, nil
}

func (r *Registry) sendSignal(remote domain.ParticipantID, p wire.SignalPayload) {
	env, err := wire.NewEnvelope(wire.TypeSignal, r.roomID, p)
	if err != nil {
		log.Error().Err(err).Str("module", "engine.registry").Msg("signal envelope")
		return
	}
	if err := r.channel.TrySend(env); err != nil {
		// Not delivered is terminal for this attempt; the handshake
		// stalls until the remote retries or departs.
		log.Warn().Err(err).Str("module", "engine.registry").Str("peer", string(remote)).Msg("signal not delivered")
	}
}

// Drop tears a link down without surfacing a departure, used when the
// departure itself is the cause (left/kicked/banned).
func (r *Registry) Drop(remote domain.ParticipantID) {
	pl, ok := r.links[remote]
	if !ok {
		return
	}
	pl.State = LinkClosed
	pl.link.Close()
	delete(r.links, remote)
	log.Info().Str("module", "engine.registry").Str("peer", string(remote)).Msg("link dropped")
}

// fail isolates a transport failure to the one link and reports it
// upward as departure-equivalent. Other links are untouched.
func (r *Registry) fail(remote domain.ParticipantID) {
	pl, ok := r.links[remote]
	if !ok {
		return
	}
	pl.State = LinkFailed
	pl.link.Close()
	delete(r.links, remote)
	log.Warn().Str("module", "engine.registry").Str("peer", string(remote)).Msg("link failed")
	if r.onPeerDown != nil {
		r.onPeerDown(remote)
	}
}

// DropAll closes every link, used on leave.
func (r *Registry) DropAll() {
	for remote := range r.links {
		r.Drop(remote)
	}
}

// ReplaceOutbound swaps the outbound video track in place across all
// links. Epochs are monotonic per source switch; a call carrying an
// epoch older than the last applied one was superseded mid-flight and
// is discarded, never applied out of order.
func (r *Registry) ReplaceOutbound(h core.TrackHandle, epoch uint64) bool {
	if epoch < r.currentEpoch {
		log.Debug().Str("module", "engine.registry").Uint64("epoch", epoch).Uint64("current", r.currentEpoch).Msg("stale track epoch discarded")
		return false
	}
	r.current = h
	r.currentEpoch = epoch
	if !r.videoEnabled {
		return true
	}
	for remote, pl := range r.links {
		r.replaceOn(remote, pl, h, epoch)
	}
	return true
}

// SetVideoEnabled blanks or restores the outbound video on every link
// without touching which source is logically active.
func (r *Registry) SetVideoEnabled(enabled bool) {
	if r.videoEnabled == enabled {
		return
	}
	r.videoEnabled = enabled
	target := r.current
	if !enabled {
		target = nil
	}
	for remote, pl := range r.links {
		r.replaceOn(remote, pl, target, r.currentEpoch)
	}
}

func (r *Registry) VideoEnabled() bool { return r.videoEnabled }

func (r *Registry) replaceOn(remote domain.ParticipantID, pl *PeerLink, h core.TrackHandle, epoch uint64) {
	if pl.sender == nil {
		if h == nil {
			return
		}
		sender, err := pl.link.AttachVideo(h)
		if err != nil {
			log.Error().Err(err).Str("module", "engine.registry").Str("peer", string(remote)).Msg("attach video")
			return
		}
		pl.sender = sender
		pl.TrackEpoch = epoch
		return
	}
	if err := pl.sender.Replace(h); err != nil {
		log.Error().Err(err).Str("module", "engine.registry").Str("peer", string(remote)).Msg("replace outbound track")
		return
	}
	pl.TrackEpoch = epoch
}

// States returns the link state per remote id for roster assembly.
func (r *Registry) States() map[domain.ParticipantID]LinkState {
	out := make(map[domain.ParticipantID]LinkState, len(r.links))
	for id, pl := range r.links {
		out[id] = pl.State
	}
	return out
}
