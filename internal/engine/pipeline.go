package engine

import (
	"context"

	"github.com/rs/zerolog/log"

	"meshmeet/internal/core"
)

// Source is the single active choice of outbound video.
type Source string

const (
	SourceCamera    Source = "camera"
	SourceScreen    Source = "screen"
	SourceProcessed Source = "processed"
)

// Pipeline owns the OutboundSource state machine. Every switch bumps
// the epoch before the acquisition starts; a completion whose epoch is
// no longer current was superseded and is discarded, so the applied
// source always matches the last completed switch that is still
// current. Acquisitions run off-loop and post their results back.
type Pipeline struct {
	camera    core.CaptureSource
	screen    core.CaptureSource
	processed core.CaptureSource

	source Source
	// target differs from source while an acquisition is in flight;
	// toggles chain off the target, not the last applied source.
	target Source
	epoch  uint64

	handle       core.TrackHandle
	cameraHandle core.TrackHandle

	vbEnabled bool

	post    func(func())
	publish func(h core.TrackHandle, epoch uint64)
	onError func(msg string)
}

func NewPipeline(camera, screen, processed core.CaptureSource, post func(func()), publish func(core.TrackHandle, uint64), onError func(string)) *Pipeline {
	return &Pipeline{
		camera:    camera,
		screen:    screen,
		processed: processed,
		source:    SourceCamera,
		target:    SourceCamera,
		post:      post,
		publish:   publish,
		onError:   onError,
	}
}

func (p *Pipeline) Source() Source  { return p.source }
func (p *Pipeline) Epoch() uint64   { return p.epoch }
func (p *Pipeline) VirtualBG() bool { return p.vbEnabled }

// Handle returns the currently applied outbound track, if any.
func (p *Pipeline) Handle() core.TrackHandle { return p.handle }

// Init acquires the camera as the first outbound source.
func (p *Pipeline) Init(ctx context.Context) {
	p.switchTo(ctx, SourceCamera)
}

// ToggleScreenShare flips between screen capture and camera. Flipping
// again while the first acquisition is still pending targets the
// opposite of the pending switch, so a rapid on/off never lands on
// screen.
func (p *Pipeline) ToggleScreenShare(ctx context.Context) {
	if p.target == SourceScreen {
		p.switchTo(ctx, p.cameraOrProcessed())
		return
	}
	p.switchTo(ctx, SourceScreen)
}

// ToggleVirtualBackground turns the processed source on or off. The
// processed output may not be ready; acquisition failure falls back to
// the plain camera.
func (p *Pipeline) ToggleVirtualBackground(ctx context.Context) {
	p.vbEnabled = !p.vbEnabled
	if p.vbEnabled {
		if p.target == SourceScreen {
			// Applies once the share ends.
			return
		}
		p.switchTo(ctx, SourceProcessed)
		return
	}
	if p.target == SourceProcessed {
		p.switchTo(ctx, SourceCamera)
	}
}

func (p *Pipeline) cameraOrProcessed() Source {
	if p.vbEnabled {
		return SourceProcessed
	}
	return SourceCamera
}

func (p *Pipeline) captureFor(src Source) core.CaptureSource {
	switch src {
	case SourceScreen:
		return p.screen
	case SourceProcessed:
		return p.processed
	default:
		return p.camera
	}
}

func (p *Pipeline) switchTo(ctx context.Context, src Source) {
	p.epoch++
	epoch := p.epoch
	p.target = src

	// The cached camera handle short-circuits the device handshake on
	// the way back from a share.
	if src == SourceCamera && p.cameraHandle != nil {
		p.complete(epoch, src, p.cameraHandle, nil)
		return
	}

	capture := p.captureFor(src)
	go func() {
		h, err := capture.Acquire(ctx)
		p.post(func() { p.complete(epoch, src, h, err) })
	}()
	log.Debug().Str("module", "engine.pipeline").Str("target", string(src)).Uint64("epoch", epoch).Msg("source switch started")
}

// complete lands an acquisition on the loop. Stale epochs are dropped
// and their track released; an in-progress acquisition is never
// forcibly aborted, only discarded here.
func (p *Pipeline) complete(epoch uint64, src Source, h core.TrackHandle, err error) {
	if epoch != p.epoch {
		if h != nil && h != p.cameraHandle {
			_ = h.Close()
		}
		log.Debug().Str("module", "engine.pipeline").Str("source", string(src)).Uint64("epoch", epoch).Msg("superseded acquisition discarded")
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "engine.pipeline").Str("source", string(src)).Msg("acquisition failed")
		switch src {
		case SourceProcessed:
			p.vbEnabled = false
			p.onError("virtual background unavailable, staying on camera")
		case SourceScreen:
			p.onError("screen capture unavailable")
		default:
			p.onError("failed to access camera, check permissions")
		}
		// Fall back to the prior source; target snaps back with it.
		p.target = p.source
		return
	}

	prev := p.handle
	p.source = src
	p.target = src
	p.handle = h
	if src == SourceCamera {
		p.cameraHandle = h
	}
	if src == SourceScreen {
		// External revocation: the user ended the capture from the OS.
		p.onScreenEnded(h, epoch)
	}
	p.publish(h, epoch)
	if prev != nil && prev != h && prev != p.cameraHandle {
		_ = prev.Close()
	}
	log.Info().Str("module", "engine.pipeline").Str("source", string(src)).Uint64("epoch", epoch).Msg("outbound source switched")
}

func (p *Pipeline) onScreenEnded(h core.TrackHandle, epoch uint64) {
	h.OnEnded(func() {
		p.post(func() {
			if p.epoch != epoch || p.source != SourceScreen {
				return
			}
			log.Info().Str("module", "engine.pipeline").Msg("screen capture ended externally, reverting to camera")
			p.switchTo(context.Background(), p.cameraOrProcessed())
		})
	})
}

// Close releases every held track.
func (p *Pipeline) Close() {
	if p.handle != nil && p.handle != p.cameraHandle {
		_ = p.handle.Close()
	}
	if p.cameraHandle != nil {
		_ = p.cameraHandle.Close()
	}
	p.handle = nil
	p.cameraHandle = nil
}
