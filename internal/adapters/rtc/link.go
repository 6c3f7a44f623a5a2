// Package rtc implements core.MediaLink on top of pion/webrtc.
package rtc

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"meshmeet/internal/core"
)

// Factory mints peer connections from a shared API (media engine with
// the capture codecs registered) and ICE configuration.
type Factory struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

func NewFactory(api *webrtc.API, iceServers []string) *Factory {
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return &Factory{api: api, cfg: cfg}
}

// DefaultICEServers is the fallback STUN set.
func DefaultICEServers() []string {
	return []string{"stun:stun.l.google.com:19302"}
}

func (f *Factory) NewLink(remote string) (core.MediaLink, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, err
	}
	return &Link{pc: pc, remote: remote}, nil
}

// Link wraps one *webrtc.PeerConnection. Callbacks fire on pion's
// goroutines; the engine serializes them itself.
type Link struct {
	pc     *webrtc.PeerConnection
	remote string
	cancel context.CancelFunc

	onICE       func(webrtc.ICECandidateInit)
	onConnected func()
	onClosed    func()
	onTrack     func(ctx context.Context, track *webrtc.TrackRemote)
}

func (l *Link) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	l.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("peer", l.remote).Str("ice_state", s.String()).Msg("ICE state")
	})

	l.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("peer", l.remote).Str("peer_connection_state", s.String()).Msg("peer state")
		switch s {
		case webrtc.PeerConnectionStateConnected:
			if l.onConnected != nil {
				l.onConnected()
			}
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			cancel()
			if l.onClosed != nil {
				l.onClosed()
			}
		}
	})

	l.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && l.onICE != nil {
			l.onICE(cand.ToJSON())
		}
	})

	l.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("peer", l.remote).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track")
		if l.onTrack != nil {
			l.onTrack(ctx, track)
		}
	})

	return nil
}

// CreateOffer produces the local description with ICE gathering
// complete, so the single signal frame carries everything.
func (l *Link) CreateOffer() (core.SDP, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return core.SDP{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(l.pc)
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return core.SDP{}, err
	}
	<-gatherComplete
	local := l.pc.LocalDescription()
	return core.SDP{Type: local.Type.String(), Desc: local.SDP}, nil
}

func (l *Link) CreateAnswer() (core.SDP, error) {
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return core.SDP{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(l.pc)
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return core.SDP{}, err
	}
	<-gatherComplete
	local := l.pc.LocalDescription()
	return core.SDP{Type: local.Type.String(), Desc: local.SDP}, nil
}

func (l *Link) ApplyRemote(s core.SDP) error {
	return l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(s.Type),
		SDP:  s.Desc,
	})
}

func (l *Link) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return l.pc.AddICECandidate(ci)
}

func (l *Link) OnICECandidate(fn func(webrtc.ICECandidateInit)) { l.onICE = fn }
func (l *Link) OnConnected(fn func())                           { l.onConnected = fn }
func (l *Link) OnClosed(fn func())                              { l.onClosed = fn }

func (l *Link) OnTrack(fn func(ctx context.Context, track *webrtc.TrackRemote)) {
	l.onTrack = fn
}

// AttachVideo adds the outbound video track once; afterwards the
// returned sender swaps tracks in place, no renegotiation.
func (l *Link) AttachVideo(h core.TrackHandle) (core.VideoSender, error) {
	sender, err := l.pc.AddTrack(h.Local())
	if err != nil {
		return nil, err
	}
	return &videoSender{sender: sender}, nil
}

func (l *Link) Close() {
	if l.cancel != nil {
		l.cancel()
	}
	if l.pc != nil {
		if err := l.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("peer", l.remote).Msg("close error")
		} else {
			log.Info().Str("module", "rtc").Str("peer", l.remote).Msg("closed")
		}
	}
}

type videoSender struct {
	sender *webrtc.RTPSender
}

// Replace swaps the outgoing track; nil blanks the sender while the
// transceiver stays up.
func (v *videoSender) Replace(h core.TrackHandle) error {
	if h == nil {
		return v.sender.ReplaceTrack(nil)
	}
	return v.sender.ReplaceTrack(h.Local())
}
