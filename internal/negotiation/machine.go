// Package negotiation drives one device's side of a peer session: who
// offers, who answers, when candidates may be applied and when media is
// ready. Every input is serialised through a single loop goroutine.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Beam/internal/core"
	"github.com/dkeye/Beam/internal/domain"
	"github.com/dkeye/Beam/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	inboxSize     = 64
	maxEarlyQueue = 64
)

// Signaler delivers negotiation messages to the room.
type Signaler interface {
	Send(msgType string, v any) error
}

type Config struct {
	Transports core.TransportFactory
	// Media may be nil on devices that only view.
	Media  core.MediaSource
	Signal Signaler
	// EventBuffer sizes the Events channel. Defaults to 32.
	EventBuffer int
}

// Machine is the negotiation state machine. Methods never block on
// negotiation work; results arrive on Events.
type Machine struct {
	cfg    Config
	ctx    context.Context
	inbox  chan input
	events chan Event
	done   chan struct{}
	logger zerolog.Logger

	mu    sync.RWMutex
	state State

	// Owned by the loop goroutine.
	self    domain.ConnectionID
	attempt uint64
	sess    *session
	early   []remoteCandidate
}

type session struct {
	id     uint64
	role   Role
	peer   domain.ConnectionID
	ctx    context.Context
	cancel context.CancelFunc

	transport core.PeerTransport
	capture   core.MediaCapture

	remoteSet bool
	pending   []remoteCandidate
	localSent bool
	local     []webrtc.ICECandidateInit

	up         bool
	track      *webrtc.TrackRemote
	mediaFired bool
}

// New starts a machine whose loop runs until ctx is cancelled.
func New(ctx context.Context, cfg Config) *Machine {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 32
	}
	m := &Machine{
		cfg:    cfg,
		ctx:    ctx,
		inbox:  make(chan input, inboxSize),
		events: make(chan Event, cfg.EventBuffer),
		done:   make(chan struct{}),
		logger: log.With().Str("module", "negotiation").Logger(),
		state:  StateIdle,
	}
	go m.run()
	return m
}

func (m *Machine) Events() <-chan Event { return m.events }

// Done is closed once the loop has exited and the session is torn down.
func (m *Machine) Done() <-chan struct{} { return m.done }

func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// SetLocalID records this device's connection id, used to break glare.
func (m *Machine) SetLocalID(id domain.ConnectionID) { m.post(setSelf{id}) }

// BeginAsOfferer acquires local media and offers it to the room.
// Ignored while a session is in progress.
func (m *Machine) BeginAsOfferer() { m.post(beginOffer{}) }

func (m *Machine) ReceiveOffer(desc webrtc.SessionDescription, from domain.ConnectionID) {
	m.post(remoteOffer{desc: desc, from: from})
}

func (m *Machine) ReceiveAnswer(desc webrtc.SessionDescription, from domain.ConnectionID) {
	m.post(remoteAnswer{desc: desc, from: from})
}

func (m *Machine) ReceiveCandidate(c webrtc.ICECandidateInit, from domain.ConnectionID) {
	m.post(remoteCandidate{c: c, from: from})
}

// Stop ends the session locally and tells the room.
func (m *Machine) Stop() { m.post(stopRequest{}) }

// RemoteStop ends the session because the peer stopped. Nothing is sent.
func (m *Machine) RemoteStop(from domain.ConnectionID) { m.post(stopRequest{remote: true, from: from}) }

func (m *Machine) post(in input) bool {
	select {
	case m.inbox <- in:
		return true
	case <-m.done:
		return false
	}
}

func (m *Machine) run() {
	defer close(m.done)
	for {
		select {
		case <-m.ctx.Done():
			m.teardown()
			m.mu.Lock()
			m.state = StateClosed
			m.mu.Unlock()
			m.logger.Debug().Msg("machine stopped")
			return
		case in := <-m.inbox:
			m.handle(in)
		}
	}
}

func (m *Machine) handle(in input) {
	switch in := in.(type) {
	case setSelf:
		m.self = in.id
	case beginOffer:
		m.onBeginOffer()
	case remoteOffer:
		m.onOffer(in)
	case remoteAnswer:
		m.onAnswer(in)
	case remoteCandidate:
		m.onCandidate(in)
	case stopRequest:
		m.onStop(in)
	case offerReady:
		m.onOfferReady(in)
	case remoteApplied:
		m.onRemoteApplied(in)
	case answerReady:
		m.onAnswerReady(in)
	case transportState:
		m.onTransportState(in)
	case localCandidate:
		m.onLocalCandidate(in)
	case remoteTrack:
		m.onRemoteTrack(in)
	case barrier:
		close(in)
	default:
		m.logger.Warn().Str("input", fmt.Sprintf("%T", in)).Msg("unhandled input")
	}
}

func (m *Machine) newSession(role Role, peer domain.ConnectionID) *session {
	m.attempt++
	ctx, cancel := context.WithCancel(m.ctx)
	m.sess = &session{id: m.attempt, role: role, peer: peer, ctx: ctx, cancel: cancel}
	return m.sess
}

// current returns the live session if attempt still names it.
func (m *Machine) current(attempt uint64) *session {
	if m.sess == nil || m.sess.id != attempt {
		return nil
	}
	return m.sess
}

func (m *Machine) onBeginOffer() {
	if m.state.Busy() {
		m.logger.Debug().Str("state", string(m.state)).Msg("begin ignored, session in progress")
		return
	}
	s := m.newSession(RoleOfferer, "")
	m.early = nil
	m.setState(StateOffering, "acquiring media", nil)
	go m.prepareOffer(s.ctx, s.id)
}

func (m *Machine) onOfferReady(r offerReady) {
	s := m.current(r.attempt)
	if s == nil || m.state != StateOffering {
		m.logger.Debug().Uint64("attempt", r.attempt).Msg("stale offer discarded")
		discard(r.transport, r.capture)
		return
	}
	if r.err != nil {
		m.fail(r.err)
		return
	}
	s.transport, s.capture = r.transport, r.capture
	if err := m.sendDescription(protocol.TypeOffer, r.desc); err != nil {
		m.fail(fmt.Errorf("%w: send offer: %v", ErrTransportFailure, err))
		return
	}
	s.localSent = true
	m.flushLocal(s)
	m.setState(StateAwaitingAnswer, "offer sent", nil)
}

func (m *Machine) onOffer(in remoteOffer) {
	switch {
	case !m.state.Busy():
		m.startAnswer(in)
	case m.state == StateOffering || m.state == StateAwaitingAnswer:
		// Glare: the lower connection id keeps its offer.
		if m.self != "" && m.self < in.from {
			m.logger.Info().Str("from", string(in.from)).Msg("glare, keeping own offer")
			return
		}
		m.logger.Info().Str("from", string(in.from)).Msg("glare, yielding to remote offer")
		m.teardown()
		m.startAnswer(in)
	default:
		m.reject(protocol.TypeOffer, in.from)
	}
}

func (m *Machine) startAnswer(in remoteOffer) {
	s := m.newSession(RoleAnswerer, in.from)
	for _, c := range m.early {
		if c.from == "" || c.from == in.from {
			s.pending = append(s.pending, c)
		}
	}
	m.early = nil
	m.setState(StateAnswering, "offer received", nil)
	go m.applyOffer(s.ctx, s.id, in.desc)
}

func (m *Machine) onRemoteApplied(r remoteApplied) {
	s := m.current(r.attempt)
	if s == nil || m.state != StateAnswering {
		m.logger.Debug().Uint64("attempt", r.attempt).Msg("stale transport discarded")
		discard(r.transport, nil)
		return
	}
	if r.err != nil {
		m.fail(r.err)
		return
	}
	s.transport = r.transport
	s.remoteSet = true
	m.flushRemote(s)
	go m.prepareAnswer(s.ctx, s.id, s.transport)
}

func (m *Machine) onAnswerReady(r answerReady) {
	s := m.current(r.attempt)
	if s == nil || m.state != StateAnswering {
		return
	}
	if r.err != nil {
		m.fail(r.err)
		return
	}
	if err := m.sendDescription(protocol.TypeAnswer, r.desc); err != nil {
		m.fail(fmt.Errorf("%w: send answer: %v", ErrTransportFailure, err))
		return
	}
	s.localSent = true
	m.flushLocal(s)
	m.setState(StateNegotiatingCandidates, "answer sent", nil)
	if s.up {
		m.connected(s)
	}
}

func (m *Machine) onAnswer(in remoteAnswer) {
	if m.state != StateAwaitingAnswer {
		m.logger.Debug().Str("state", string(m.state)).Str("from", string(in.from)).Msg("answer ignored")
		return
	}
	s := m.sess
	if err := s.transport.SetRemoteDescription(in.desc); err != nil {
		m.fail(fmt.Errorf("%w: remote description rejected: %v", ErrProtocolViolation, err))
		return
	}
	s.peer = in.from
	s.remoteSet = true
	m.flushRemote(s)
	m.setState(StateNegotiatingCandidates, "answer received", nil)
}

func (m *Machine) onCandidate(in remoteCandidate) {
	if m.state.Terminal() && m.sess == nil {
		m.logger.Debug().Str("state", string(m.state)).Msg("candidate dropped")
		return
	}
	s := m.sess
	if s == nil {
		if len(m.early) < maxEarlyQueue {
			m.early = append(m.early, in)
		}
		return
	}
	if s.peer != "" && in.from != "" && in.from != s.peer {
		m.logger.Debug().Str("from", string(in.from)).Msg("candidate from another peer dropped")
		return
	}
	if !s.remoteSet {
		s.pending = append(s.pending, in)
		return
	}
	m.applyCandidate(s, in.c)
}

func (m *Machine) flushRemote(s *session) {
	pending := s.pending
	s.pending = nil
	for _, c := range pending {
		if s.peer != "" && c.from != "" && c.from != s.peer {
			continue
		}
		m.applyCandidate(s, c.c)
	}
}

func (m *Machine) applyCandidate(s *session, c webrtc.ICECandidateInit) {
	if err := s.transport.AddICECandidate(c); err != nil {
		m.logger.Warn().Err(err).Str("candidate", c.Candidate).Msg("add remote candidate")
	}
}

func (m *Machine) onLocalCandidate(in localCandidate) {
	s := m.current(in.attempt)
	if s == nil {
		return
	}
	if !s.localSent {
		s.local = append(s.local, in.c)
		return
	}
	m.sendCandidate(in.c)
}

func (m *Machine) flushLocal(s *session) {
	local := s.local
	s.local = nil
	for _, c := range local {
		m.sendCandidate(c)
	}
}

func (m *Machine) onTransportState(in transportState) {
	s := m.current(in.attempt)
	if s == nil {
		return
	}
	switch in.state {
	case webrtc.PeerConnectionStateConnected:
		s.up = true
		if m.state == StateNegotiatingCandidates {
			m.connected(s)
		}
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		if m.state.Busy() {
			m.fail(fmt.Errorf("%w: peer connection %s", ErrTransportFailure, in.state))
		}
	case webrtc.PeerConnectionStateClosed:
		if m.state.Busy() {
			m.teardown()
			m.setState(StateClosed, "peer connection closed", nil)
		}
	}
}

func (m *Machine) connected(s *session) {
	m.setState(StateConnected, "connected", nil)
	m.deliverMedia(s)
}

func (m *Machine) onRemoteTrack(in remoteTrack) {
	s := m.current(in.attempt)
	if s == nil || s.mediaFired {
		return
	}
	if s.track == nil {
		s.track = in.track
	}
	if m.state == StateConnected {
		m.deliverMedia(s)
	}
}

func (m *Machine) deliverMedia(s *session) {
	if s.mediaFired || s.track == nil {
		return
	}
	s.mediaFired = true
	m.emit(RemoteMedia{Session: s.id, Peer: s.peer, Track: s.track})
}

func (m *Machine) onStop(in stopRequest) {
	if m.state == StateIdle || m.state == StateClosed {
		return
	}
	if in.remote {
		if s := m.sess; s != nil && s.peer != "" && in.from != "" && in.from != s.peer {
			m.logger.Debug().Str("from", string(in.from)).Msg("stop from another peer ignored")
			return
		}
		m.teardown()
		m.setState(StateClosed, "remote stopped", nil)
		return
	}
	m.teardown()
	if err := m.cfg.Signal.Send(protocol.TypeStopStream, nil); err != nil {
		m.logger.Warn().Err(err).Msg("send stop-stream")
	}
	m.setState(StateClosed, "stopped", nil)
}

func (m *Machine) reject(msgType string, from domain.ConnectionID) {
	m.logger.Warn().
		Str("type", msgType).
		Str("from", string(from)).
		Str("state", string(m.state)).
		Msg("rejected, session in progress")
	m.emit(Rejected{Type: msgType, From: from, Err: ErrProtocolViolation})
}

func (m *Machine) fail(err error) {
	m.teardown()
	m.setState(StateFailed, failureReason(err), err)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrMediaUnavailable):
		return "camera or microphone unavailable"
	case errors.Is(err, ErrProtocolViolation):
		return "peer sent an unusable description"
	default:
		return "peer connection failed"
	}
}

// teardown releases everything the current session holds.
func (m *Machine) teardown() {
	m.early = nil
	s := m.sess
	if s == nil {
		return
	}
	m.sess = nil
	s.cancel()
	discard(s.transport, s.capture)
}

func discard(tr core.PeerTransport, capture core.MediaCapture) {
	if tr != nil {
		tr.OnICECandidate(nil)
		tr.OnConnectionStateChange(nil)
		tr.OnTrack(nil)
		if err := tr.Close(); err != nil {
			log.Debug().Err(err).Str("module", "negotiation").Msg("close transport")
		}
	}
	if capture != nil {
		capture.Release()
	}
}

func (m *Machine) setState(s State, reason string, err error) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()

	ev := m.logger.Info()
	if err != nil {
		ev = m.logger.Warn().Err(err)
	}
	if m.sess != nil {
		ev = ev.Str("role", m.sess.role.String())
	}
	ev.Uint64("attempt", m.attempt).
		Str("from", string(prev)).
		Str("to", string(s)).
		Str("reason", reason).
		Msg("state changed")

	var peer domain.ConnectionID
	if m.sess != nil {
		peer = m.sess.peer
	}
	m.emit(StateChanged{Session: m.attempt, Peer: peer, State: s, Status: s.Status(), Reason: reason, Err: err})
}

func (m *Machine) emit(ev Event) {
	select {
	case m.events <- ev:
	case <-m.ctx.Done():
	}
}

func (m *Machine) sendDescription(msgType string, desc webrtc.SessionDescription) error {
	payload, err := EncodeDescription(desc)
	if err != nil {
		return err
	}
	return m.cfg.Signal.Send(msgType, payload)
}

func (m *Machine) sendCandidate(c webrtc.ICECandidateInit) {
	payload, err := EncodeCandidate(c)
	if err == nil {
		err = m.cfg.Signal.Send(protocol.TypeICECandidate, payload)
	}
	if err != nil {
		m.logger.Warn().Err(err).Msg("send local candidate")
	}
}
