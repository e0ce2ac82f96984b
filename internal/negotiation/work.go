package negotiation

import (
	"context"
	"fmt"

	"github.com/dkeye/Beam/internal/core"
	"github.com/dkeye/Beam/internal/domain"
	"github.com/pion/webrtc/v4"
)

type input interface{}

type (
	setSelf    struct{ id domain.ConnectionID }
	beginOffer struct{}

	remoteOffer struct {
		desc webrtc.SessionDescription
		from domain.ConnectionID
	}
	remoteAnswer struct {
		desc webrtc.SessionDescription
		from domain.ConnectionID
	}
	remoteCandidate struct {
		c    webrtc.ICECandidateInit
		from domain.ConnectionID
	}
	stopRequest struct {
		remote bool
		from   domain.ConnectionID
	}
	// barrier is closed once every earlier input has been handled.
	barrier chan struct{}
)

// Results of async work and transport callbacks carry the attempt they
// belong to; the loop drops anything from a superseded attempt.
type (
	offerReady struct {
		attempt   uint64
		transport core.PeerTransport
		capture   core.MediaCapture
		desc      webrtc.SessionDescription
		err       error
	}
	remoteApplied struct {
		attempt   uint64
		transport core.PeerTransport
		err       error
	}
	answerReady struct {
		attempt uint64
		desc    webrtc.SessionDescription
		err     error
	}
	transportState struct {
		attempt uint64
		state   webrtc.PeerConnectionState
	}
	localCandidate struct {
		attempt uint64
		c       webrtc.ICECandidateInit
	}
	remoteTrack struct {
		attempt uint64
		track   *webrtc.TrackRemote
	}
)

// newTransport builds a transport whose callbacks feed the loop.
func (m *Machine) newTransport(attempt uint64) (core.PeerTransport, error) {
	tr, err := m.cfg.Transports.NewTransport()
	if err != nil {
		return nil, err
	}
	tr.OnICECandidate(func(c webrtc.ICECandidateInit) {
		m.post(localCandidate{attempt: attempt, c: c})
	})
	tr.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		m.post(transportState{attempt: attempt, state: s})
	})
	tr.OnTrack(func(track *webrtc.TrackRemote) {
		m.post(remoteTrack{attempt: attempt, track: track})
	})
	return tr, nil
}

func (m *Machine) prepareOffer(ctx context.Context, attempt uint64) {
	r := m.buildOffer(ctx, attempt)
	if !m.post(r) {
		discard(r.transport, r.capture)
	}
}

func (m *Machine) buildOffer(ctx context.Context, attempt uint64) offerReady {
	r := offerReady{attempt: attempt}
	if m.cfg.Media == nil {
		r.err = fmt.Errorf("%w: no capture source", ErrMediaUnavailable)
		return r
	}
	capture, err := m.cfg.Media.Acquire(ctx)
	if err != nil {
		r.err = fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
		return r
	}
	tr, err := m.newTransport(attempt)
	if err != nil {
		capture.Release()
		r.err = fmt.Errorf("%w: %v", ErrTransportFailure, err)
		return r
	}

	fail := func(step string, err error) offerReady {
		discard(tr, capture)
		r.err = fmt.Errorf("%w: %s: %v", ErrTransportFailure, step, err)
		return r
	}
	for _, track := range capture.Tracks() {
		if err := tr.AddLocalTrack(track); err != nil {
			return fail("add track", err)
		}
	}
	offer, err := tr.CreateOffer()
	if err != nil {
		return fail("create offer", err)
	}
	if err := tr.SetLocalDescription(offer); err != nil {
		return fail("set local description", err)
	}
	r.transport, r.capture, r.desc = tr, capture, offer
	return r
}

func (m *Machine) applyOffer(ctx context.Context, attempt uint64, desc webrtc.SessionDescription) {
	r := remoteApplied{attempt: attempt}
	tr, err := m.newTransport(attempt)
	switch {
	case err != nil:
		r.err = fmt.Errorf("%w: %v", ErrTransportFailure, err)
	case ctx.Err() != nil:
		discard(tr, nil)
		return
	default:
		if err := tr.SetRemoteDescription(desc); err != nil {
			discard(tr, nil)
			r.err = fmt.Errorf("%w: remote description rejected: %v", ErrProtocolViolation, err)
		} else {
			r.transport = tr
		}
	}
	if !m.post(r) {
		discard(r.transport, nil)
	}
}

func (m *Machine) prepareAnswer(ctx context.Context, attempt uint64, tr core.PeerTransport) {
	r := answerReady{attempt: attempt}
	answer, err := tr.CreateAnswer()
	if err == nil {
		err = tr.SetLocalDescription(answer)
	}
	if err != nil {
		r.err = fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}
	r.desc = answer
	if ctx.Err() != nil {
		return
	}
	m.post(r)
}
