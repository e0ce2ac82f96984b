package negotiation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dkeye/Beam/internal/core"
	"github.com/pion/webrtc/v4"
)

const waitTimeout = 2 * time.Second

type fakeTransport struct {
	mu        sync.Mutex
	calls     []string
	candidate []string
	closed    bool
	remoteErr error
	// gather is emitted as local candidates when the local description is set.
	gather []string

	onICE   func(webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
	onTrack func(*webrtc.TrackRemote)
}

func (t *fakeTransport) record(call string) {
	t.mu.Lock()
	t.calls = append(t.calls, call)
	t.mu.Unlock()
}

func (t *fakeTransport) CreateOffer() (webrtc.SessionDescription, error) {
	t.record("create-offer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (t *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	t.record("create-answer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (t *fakeTransport) SetLocalDescription(webrtc.SessionDescription) error {
	t.record("set-local")
	t.mu.Lock()
	fn, gather := t.onICE, t.gather
	t.mu.Unlock()
	for _, c := range gather {
		if fn != nil {
			fn(webrtc.ICECandidateInit{Candidate: c})
		}
	}
	return nil
}

func (t *fakeTransport) SetRemoteDescription(webrtc.SessionDescription) error {
	t.record("set-remote")
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteErr
}

func (t *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, "candidate")
	t.candidate = append(t.candidate, c.Candidate)
	return nil
}

func (t *fakeTransport) AddLocalTrack(webrtc.TrackLocal) error {
	t.record("add-track")
	return nil
}

func (t *fakeTransport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.mu.Lock()
	t.onICE = fn
	t.mu.Unlock()
}

func (t *fakeTransport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *fakeTransport) OnTrack(fn func(*webrtc.TrackRemote)) {
	t.mu.Lock()
	t.onTrack = fn
	t.mu.Unlock()
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) setState(s webrtc.PeerConnectionState) {
	t.mu.Lock()
	fn := t.onState
	t.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (t *fakeTransport) emitTrack(track *webrtc.TrackRemote) {
	t.mu.Lock()
	fn := t.onTrack
	t.mu.Unlock()
	if fn != nil {
		fn(track)
	}
}

func (t *fakeTransport) emitLocal(c string) {
	t.mu.Lock()
	fn := t.onICE
	t.mu.Unlock()
	if fn != nil {
		fn(webrtc.ICECandidateInit{Candidate: c})
	}
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) appliedCandidates() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.candidate...)
}

func (t *fakeTransport) callLog() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

type fakeFactory struct {
	mu     sync.Mutex
	built  []*fakeTransport
	gather []string
	// remoteErr is set on every transport built.
	remoteErr error
}

func (f *fakeFactory) NewTransport() (core.PeerTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTransport{gather: f.gather, remoteErr: f.remoteErr}
	f.built = append(f.built, t)
	return t, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.built)
}

func (f *fakeFactory) transport(t *testing.T, i int) *fakeTransport {
	t.Helper()
	eventually(t, func() bool { return f.count() > i })
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.built[i]
}

type fakeCapture struct {
	released atomic.Int32
}

func (c *fakeCapture) Tracks() []webrtc.TrackLocal {
	track, _ := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "test")
	return []webrtc.TrackLocal{track}
}

func (c *fakeCapture) Release() { c.released.Add(1) }

type fakeSource struct {
	mu       sync.Mutex
	captures []*fakeCapture
	err      error
	// gate, when set, holds Acquire until closed, ignoring ctx.
	gate chan struct{}
}

func (s *fakeSource) Acquire(context.Context) (core.MediaCapture, error) {
	if s.gate != nil {
		<-s.gate
	}
	if s.err != nil {
		return nil, s.err
	}
	c := &fakeCapture{}
	s.mu.Lock()
	s.captures = append(s.captures, c)
	s.mu.Unlock()
	return c, nil
}

func (s *fakeSource) capture(t *testing.T, i int) *fakeCapture {
	t.Helper()
	eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.captures) > i
	})
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captures[i]
}

type sentMessage struct {
	msgType string
	payload any
}

type fakeSignal struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (s *fakeSignal) Send(msgType string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentMessage{msgType, v})
	return nil
}

func (s *fakeSignal) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, m := range s.sent {
		out = append(out, m.msgType)
	}
	return out
}

var errNoCamera = errors.New("permission denied")

type harness struct {
	m       *Machine
	factory *fakeFactory
	source  *fakeSource
	signal  *fakeSignal
	cancel  context.CancelFunc
}

func newHarness(t *testing.T, source *fakeSource) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{factory: &fakeFactory{}, source: source, signal: &fakeSignal{}, cancel: cancel}
	cfg := Config{Transports: h.factory, Signal: h.signal}
	if source != nil {
		cfg.Media = source
	}
	h.m = New(ctx, cfg)
	t.Cleanup(func() {
		cancel()
		<-h.m.Done()
	})
	return h
}

// waitState consumes events until s is reached and returns the transition.
func (h *harness) waitState(t *testing.T, s State) StateChanged {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev := <-h.m.Events():
			if sc, ok := ev.(StateChanged); ok && sc.State == s {
				return sc
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s, state is %s", s, h.m.State())
		}
	}
}

// next returns the next event of type E, skipping others.
func next[E Event](t *testing.T, h *harness) E {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev := <-h.m.Events():
			if e, ok := ev.(E); ok {
				return e
			}
		case <-deadline:
			var zero E
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

// settle waits until every input posted so far has been handled.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	h.m.post(barrier(done))
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatalf("machine did not settle")
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in %s", waitTimeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
