package recorder

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"meshmeet/internal/core"
)

type stubHandle struct {
	readerErr error
}

func (stubHandle) Local() webrtc.TrackLocal { return nil }
func (stubHandle) OnEnded(func())           {}
func (stubHandle) Close() error             { return nil }

func (h stubHandle) NewRTPReader(int) (core.RTPReader, error) {
	if h.readerErr != nil {
		return nil, h.readerErr
	}
	return stubReader{}, nil
}

// stubReader drains immediately, as a closed track would.
type stubReader struct{}

func (stubReader) Read() ([]*rtp.Packet, func(), error) { return nil, func() {}, io.EOF }
func (stubReader) Close() error                         { return nil }

func TestIVF_StartStop(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()
	r := NewIVF(dir)

	// When a recording starts
	req.NoError(r.Start(stubHandle{}))

	// Then a second start is refused while it runs
	req.ErrorIs(r.Start(stubHandle{}), ErrRecorderBusy)

	// When it stops, the artifact path comes back
	path, err := r.Stop()
	req.NoError(err)
	req.Regexp(regexp.MustCompile(`recording-\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}Z\.ivf$`), path)
	_, err = os.Stat(path)
	req.NoError(err)

	// And the recorder is free again
	req.NoError(r.Start(stubHandle{}))
	_, err = r.Stop()
	req.NoError(err)
}

func TestIVF_StopWithoutStart(t *testing.T) {
	req := require.New(t)
	r := NewIVF(t.TempDir())

	_, err := r.Stop()
	req.Error(err)
}

func TestIVF_ReaderFailureLeavesNoArtifact(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()
	r := NewIVF(dir)

	// When the track cannot hand out its encoded stream
	err := r.Start(stubHandle{readerErr: errors.New("no encoded stream")})
	req.Error(err)

	// Then no half-written file is left behind
	matches, globErr := filepath.Glob(filepath.Join(dir, "*.ivf"))
	req.NoError(globErr)
	req.Empty(matches)
}
