// Package core declares the interfaces the engine is written against.
// Adapters own the underlying resources and must Close() them.
package core

import (
	"context"
	"errors"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"meshmeet/internal/wire"
)

var (
	ErrChannelClosed = errors.New("signal channel closed")
	ErrBackpressure  = errors.New("backpressure")
)

// SignalChannel is the durable connection to the relay. TrySend never
// blocks; a full queue or a closed channel means the event is dropped,
// and the caller must treat that as not delivered.
type SignalChannel interface {
	TrySend(wire.Envelope) error
	Close()
}

// SDP is one session description leg of the handshake.
type SDP struct {
	Type string
	Desc string
}

// MediaLink is one peer-to-peer media connection. The engine drives the
// handshake; the adapter reports lifecycle through the callbacks, which
// may fire from transport goroutines.
type MediaLink interface {
	Start(ctx context.Context) error
	Close()

	CreateOffer() (SDP, error)
	CreateAnswer() (SDP, error)
	ApplyRemote(SDP) error
	AddICECandidate(webrtc.ICECandidateInit) error

	OnICECandidate(func(webrtc.ICECandidateInit))
	OnConnected(func())
	OnClosed(func())
	OnTrack(func(ctx context.Context, track *webrtc.TrackRemote))

	// AttachVideo binds the outbound video track before the first
	// offer; the returned sender swaps it in place afterwards.
	AttachVideo(TrackHandle) (VideoSender, error)
}

// VideoSender replaces the outbound video track without renegotiation.
// A nil handle stops sending while keeping the sender alive.
type VideoSender interface {
	Replace(TrackHandle) error
}

// MediaLinkFactory mints links so the registry never touches transport
// construction directly.
type MediaLinkFactory interface {
	NewLink(remote string) (MediaLink, error)
}

// TrackHandle is an acquired local media track.
type TrackHandle interface {
	Local() webrtc.TrackLocal
	// OnEnded fires when the source dies outside the engine, e.g. the
	// user stops a screen capture from the OS chrome.
	OnEnded(func())
	// NewRTPReader exposes the encoded stream for local recording.
	NewRTPReader(mtu int) (RTPReader, error)
	Close() error
}

// RTPReader yields encoded packets; release must be called per read.
type RTPReader interface {
	Read() (pkts []*rtp.Packet, release func(), err error)
	Close() error
}

// CaptureSource acquires a local media track. Acquisition may take a
// while (device handshakes); the ctx bounds it.
type CaptureSource interface {
	Acquire(ctx context.Context) (TrackHandle, error)
}

// RecorderSink consumes the outbound track while recording and flushes
// it to a file artifact on Stop.
type RecorderSink interface {
	Start(TrackHandle) error
	Stop() (path string, err error)
}
