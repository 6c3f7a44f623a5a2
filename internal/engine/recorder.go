package engine

import (
	"errors"

	"github.com/rs/zerolog/log"

	"meshmeet/internal/core"
)

var (
	ErrRecordingNotPermitted = errors.New("recording not permitted")
	ErrAlreadyRecording      = errors.New("recording already running")
	ErrNotRecording          = errors.New("no recording running")
	ErrNoOutboundTrack       = errors.New("no outbound track to record")
)

// RecordingGate guards the recorder behind the moderation-granted
// permission flag. Permission is checked here, locally, before the
// sink ever sees a track; a refused start has no side effects.
type RecordingGate struct {
	sink      core.RecorderSink
	recording bool
}

func NewRecordingGate(sink core.RecorderSink) *RecordingGate {
	return &RecordingGate{sink: sink}
}

func (g *RecordingGate) Recording() bool { return g.recording }

func (g *RecordingGate) Start(permitted bool, h core.TrackHandle) error {
	if !permitted {
		return ErrRecordingNotPermitted
	}
	if g.recording {
		return ErrAlreadyRecording
	}
	if h == nil {
		return ErrNoOutboundTrack
	}
	if err := g.sink.Start(h); err != nil {
		return err
	}
	g.recording = true
	log.Info().Str("module", "engine.recorder").Msg("recording started")
	return nil
}

func (g *RecordingGate) Stop() (string, error) {
	if !g.recording {
		return "", ErrNotRecording
	}
	g.recording = false
	path, err := g.sink.Stop()
	if err != nil {
		return "", err
	}
	log.Info().Str("module", "engine.recorder").Str("path", path).Msg("recording stopped")
	return path, nil
}
