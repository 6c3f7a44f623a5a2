// Package recorder flushes the outbound video track to an IVF file.
package recorder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/rs/zerolog/log"

	"meshmeet/internal/core"
)

const rtpMTU = 1200

var ErrRecorderBusy = errors.New("recorder busy")

// IVF implements core.RecorderSink. One recording at a time; the
// artifact is named recording-<ISO8601 timestamp>.ivf.
type IVF struct {
	dir string

	mu     sync.Mutex
	reader core.RTPReader
	path   string
	done   chan struct{}
}

func NewIVF(dir string) *IVF {
	return &IVF{dir: dir}
}

func (r *IVF) Start(h core.TrackHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reader != nil {
		return ErrRecorderBusy
	}

	name := fmt.Sprintf("recording-%s.ivf", time.Now().UTC().Format("2006-01-02T15:04:05Z"))
	path := filepath.Join(r.dir, name)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create recording file: %w", err)
	}

	w, err := ivfwriter.NewWith(f)
	if err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("ivf writer: %w", err)
	}

	reader, err := h.NewRTPReader(rtpMTU)
	if err != nil {
		w.Close()
		os.Remove(path)
		return fmt.Errorf("track reader: %w", err)
	}

	r.reader = reader
	r.path = path
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		defer w.Close()
		for {
			pkts, release, err := reader.Read()
			if err != nil {
				log.Debug().Err(err).Str("module", "recorder").Msg("reader drained")
				return
			}
			for _, pkt := range pkts {
				if err := w.WriteRTP(pkt); err != nil {
					log.Error().Err(err).Str("module", "recorder").Msg("write packet")
					release()
					return
				}
			}
			release()
		}
	}()

	log.Info().Str("module", "recorder").Str("path", path).Msg("recording to file")
	return nil
}

func (r *IVF) Stop() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reader == nil {
		return "", errors.New("recorder not running")
	}
	_ = r.reader.Close()
	<-r.done
	path := r.path
	r.reader = nil
	r.path = ""
	r.done = nil
	return path, nil
}
