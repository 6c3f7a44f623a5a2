// Package capture acquires local media through pion/mediadevices and
// hands the engine opaque track handles.
package capture

import (
	"context"
	"fmt"
	"image/color"
	"math/rand"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // register camera driver
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // register microphone driver
	_ "github.com/pion/mediadevices/pkg/driver/screen"     // register screen driver
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"meshmeet/internal/core"
)

const videoBitrate = 500_000

// Devices owns the codec selector shared by every capture and by the
// peer connection media engine.
type Devices struct {
	selector *mediadevices.CodecSelector
}

func New() (*Devices, error) {
	vp8Params, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vp8Params.BitRate = videoBitrate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &Devices{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vp8Params),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// PopulateEngine registers the capture codecs on the media engine used
// to mint peer connections.
func (d *Devices) PopulateEngine(me *webrtc.MediaEngine) {
	d.selector.Populate(me)
}

func (d *Devices) Camera() core.CaptureSource { return cameraSource{d: d} }
func (d *Devices) Screen() core.CaptureSource { return screenSource{d: d} }

// Processed is the camera run through the background-substitution
// filter.
func (d *Devices) Processed(background color.RGBA) core.CaptureSource {
	return processedSource{d: d, background: background}
}

type cameraSource struct{ d *Devices }

func (s cameraSource) Acquire(ctx context.Context) (core.TrackHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	track, err := firstVideoTrack(s.d.selector)
	if err != nil {
		return nil, fmt.Errorf("camera: %w", err)
	}
	log.Info().Str("module", "capture").Str("track_id", track.ID()).Msg("camera acquired")
	return &Handle{track: track}, nil
}

type screenSource struct{ d *Devices }

func (s screenSource) Acquire(ctx context.Context) (core.TrackHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {},
		Codec: s.d.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("display media: %w", err)
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("display media: no video track")
	}
	log.Info().Str("module", "capture").Str("track_id", tracks[0].ID()).Msg("screen capture acquired")
	return &Handle{track: tracks[0].(*mediadevices.VideoTrack)}, nil
}

type processedSource struct {
	d          *Devices
	background color.RGBA
}

func (s processedSource) Acquire(ctx context.Context) (core.TrackHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	track, err := firstVideoTrack(s.d.selector)
	if err != nil {
		return nil, fmt.Errorf("processed camera: %w", err)
	}
	track.Transform(backgroundSubstitute(s.background))
	log.Info().Str("module", "capture").Str("track_id", track.ID()).Msg("processed camera acquired")
	return &Handle{track: track}, nil
}

func firstVideoTrack(selector *mediadevices.CodecSelector) (*mediadevices.VideoTrack, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.Int(640)
			c.Height = prop.Int(480)
		},
		Codec: selector,
	})
	if err != nil {
		return nil, err
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("no video track")
	}
	return tracks[0].(*mediadevices.VideoTrack), nil
}

// Handle adapts a mediadevices track to the engine-facing interface.
type Handle struct {
	track mediadevices.Track
}

func (h *Handle) Local() webrtc.TrackLocal { return h.track }

func (h *Handle) OnEnded(fn func()) {
	h.track.OnEnded(func(error) { fn() })
}

func (h *Handle) NewRTPReader(mtu int) (core.RTPReader, error) {
	r, err := h.track.NewRTPReader(webrtc.MimeTypeVP8, rand.Uint32(), mtu)
	if err != nil {
		return nil, fmt.Errorf("rtp reader: %w", err)
	}
	return rtpReader{r: r}, nil
}

func (h *Handle) Close() error { return h.track.Close() }

type rtpReader struct {
	r mediadevices.RTPReadCloser
}

func (rr rtpReader) Read() ([]*rtp.Packet, func(), error) { return rr.r.Read() }
func (rr rtpReader) Close() error                         { return rr.r.Close() }
