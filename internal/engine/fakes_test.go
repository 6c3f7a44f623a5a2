package engine

import (
	"context"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"meshmeet/internal/core"
	"meshmeet/internal/wire"
)

// fakeChannel records everything sent to the relay.
type fakeChannel struct {
	mu     sync.Mutex
	sent   []wire.Envelope
	broken bool
}

func (c *fakeChannel) TrySend(env wire.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken {
		return core.ErrChannelClosed
	}
	c.sent = append(c.sent, env)
	return nil
}

func (c *fakeChannel) Close() {}

func (c *fakeChannel) sentTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	for i, env := range c.sent {
		out[i] = env.Type
	}
	return out
}

func (c *fakeChannel) countType(typ string) int {
	n := 0
	for _, t := range c.sentTypes() {
		if t == typ {
			n++
		}
	}
	return n
}

// fakeLink is a scriptable MediaLink.
type fakeLink struct {
	remote string
	closed bool

	offerErr  error
	answerErr error

	applied    []core.SDP
	candidates []webrtc.ICECandidateInit

	onICE       func(webrtc.ICECandidateInit)
	onConnected func()
	onClosed    func()

	attached core.TrackHandle
	sender   *fakeSender
}

func (l *fakeLink) Start(context.Context) error { return nil }
func (l *fakeLink) Close()                      { l.closed = true }

func (l *fakeLink) CreateOffer() (core.SDP, error) {
	if l.offerErr != nil {
		return core.SDP{}, l.offerErr
	}
	return core.SDP{Type: "offer", Desc: "sdp-offer-" + l.remote}, nil
}

func (l *fakeLink) CreateAnswer() (core.SDP, error) {
	if l.answerErr != nil {
		return core.SDP{}, l.answerErr
	}
	return core.SDP{Type: "answer", Desc: "sdp-answer-" + l.remote}, nil
}

func (l *fakeLink) ApplyRemote(s core.SDP) error {
	l.applied = append(l.applied, s)
	return nil
}

func (l *fakeLink) AddICECandidate(ci webrtc.ICECandidateInit) error {
	l.candidates = append(l.candidates, ci)
	return nil
}

func (l *fakeLink) OnICECandidate(fn func(webrtc.ICECandidateInit)) { l.onICE = fn }
func (l *fakeLink) OnConnected(fn func())                           { l.onConnected = fn }
func (l *fakeLink) OnClosed(fn func())                              { l.onClosed = fn }

func (l *fakeLink) OnTrack(func(ctx context.Context, track *webrtc.TrackRemote)) {}

func (l *fakeLink) AttachVideo(h core.TrackHandle) (core.VideoSender, error) {
	l.attached = h
	l.sender = &fakeSender{}
	return l.sender, nil
}

type fakeSender struct {
	replaced []core.TrackHandle
}

func (s *fakeSender) Replace(h core.TrackHandle) error {
	s.replaced = append(s.replaced, h)
	return nil
}

type fakeFactory struct {
	mu        sync.Mutex
	links     map[string]*fakeLink
	made      int
	offerErrs map[string]error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		links:     make(map[string]*fakeLink),
		offerErrs: make(map[string]error),
	}
}

func (f *fakeFactory) NewLink(remote string) (core.MediaLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := &fakeLink{remote: remote, offerErr: f.offerErrs[remote]}
	f.links[remote] = l
	f.made++
	return l, nil
}

func (f *fakeFactory) failOffersFor(remote string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offerErrs[remote] = err
}

func (f *fakeFactory) link(remote string) *fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.links[remote]
}

// fakeHandle stands in for an acquired device track.
type fakeHandle struct {
	name    string
	closed  bool
	onEnded func()
}

func (h *fakeHandle) Local() webrtc.TrackLocal { return nil }
func (h *fakeHandle) OnEnded(fn func())        { h.onEnded = fn }
func (h *fakeHandle) Close() error {
	h.closed = true
	return nil
}

func (h *fakeHandle) NewRTPReader(int) (core.RTPReader, error) {
	return fakeRTPReader{}, nil
}

type fakeRTPReader struct{}

func (fakeRTPReader) Read() ([]*rtp.Packet, func(), error) { return nil, func() {}, nil }
func (fakeRTPReader) Close() error                         { return nil }

// fakeCapture resolves acquisitions on demand: synchronously when
// handle/err is preset, or when the test calls resolve.
type fakeCapture struct {
	mu      sync.Mutex
	handle  core.TrackHandle
	err     error
	pending []chan struct{}
	manual  bool
}

func (c *fakeCapture) Acquire(ctx context.Context) (core.TrackHandle, error) {
	c.mu.Lock()
	if !c.manual {
		h, err := c.handle, c.err
		c.mu.Unlock()
		return h, err
	}
	ready := make(chan struct{})
	c.pending = append(c.pending, ready)
	c.mu.Unlock()
	select {
	case <-ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Second):
		return nil, context.DeadlineExceeded
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle, c.err
}

func (c *fakeCapture) resolve(h core.TrackHandle, err error) {
	c.mu.Lock()
	c.handle, c.err = h, err
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, ready := range pending {
		close(ready)
	}
}

// fakeSink records recorder activity.
type fakeSink struct {
	started  int
	stopped  int
	startErr error
	path     string
}

func (s *fakeSink) Start(core.TrackHandle) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.started++
	return nil
}

func (s *fakeSink) Stop() (string, error) {
	s.stopped++
	return s.path, nil
}

// applyQueue collects loop re-entries so tests execute them
// deterministically, one at a time, like the engine loop would.
type applyQueue struct {
	mu  sync.Mutex
	fns []func()
}

func (q *applyQueue) post(f func()) {
	q.mu.Lock()
	q.fns = append(q.fns, f)
	q.mu.Unlock()
}

func (q *applyQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.fns) == 0 {
			q.mu.Unlock()
			return
		}
		f := q.fns[0]
		q.fns = q.fns[1:]
		q.mu.Unlock()
		f()
	}
}

// drainFor keeps pumping until the deadline, for completions that land
// from other goroutines.
func (q *applyQueue) drainFor(d time.Duration) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		q.mu.Lock()
		if len(q.fns) > 0 {
			f := q.fns[0]
			q.fns = q.fns[1:]
			q.mu.Unlock()
			f()
			continue
		}
		q.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
}
