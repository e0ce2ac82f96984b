package negotiation

import (
	"errors"

	"github.com/dkeye/Beam/internal/domain"
	"github.com/pion/webrtc/v4"
)

var (
	// ErrMediaUnavailable means local capture could not be acquired.
	ErrMediaUnavailable = errors.New("media unavailable")
	// ErrProtocolViolation means a negotiation message arrived in a state
	// that cannot accept it.
	ErrProtocolViolation = errors.New("negotiation protocol violation")
	// ErrTransportFailure means the peer transport failed or disconnected.
	ErrTransportFailure = errors.New("transport failure")
)

// State is the fine-grained negotiation state.
type State string

const (
	StateIdle                  State = "idle"
	StateOffering              State = "offering"
	StateAwaitingAnswer        State = "awaiting-answer"
	StateAnswering             State = "answering"
	StateNegotiatingCandidates State = "negotiating-candidates"
	StateConnected             State = "connected"
	StateFailed                State = "failed"
	StateClosed                State = "closed"
)

// Terminal states end a session; a new one may start from them.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// Busy reports whether a session is being negotiated or is up.
func (s State) Busy() bool {
	return s != StateIdle && !s.Terminal()
}

// Status is the coarse view presented to users.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusFailed       Status = "failed"
)

func (s State) Status() Status {
	switch s {
	case StateConnected:
		return StatusConnected
	case StateFailed:
		return StatusFailed
	case StateOffering, StateAwaitingAnswer, StateAnswering, StateNegotiatingCandidates:
		return StatusConnecting
	default:
		return StatusDisconnected
	}
}

type Role int

const (
	RoleNone Role = iota
	RoleOfferer
	RoleAnswerer
)

func (r Role) String() string {
	switch r {
	case RoleOfferer:
		return "offerer"
	case RoleAnswerer:
		return "answerer"
	}
	return "none"
}

// Event is emitted on Machine.Events.
type Event interface{ isEvent() }

// StateChanged reports every state transition.
type StateChanged struct {
	Session uint64
	// Peer is the remote connection once known.
	Peer   domain.ConnectionID
	State  State
	Status Status
	// Reason is short and human readable; Err carries the cause for failures.
	Reason string
	Err    error
}

// RemoteMedia fires once per session, when the first remote track is
// available and the session is connected.
type RemoteMedia struct {
	Session uint64
	Peer    domain.ConnectionID
	Track   *webrtc.TrackRemote
}

// Rejected reports an inbound message the machine refused.
type Rejected struct {
	Type string
	From domain.ConnectionID
	Err  error
}

func (StateChanged) isEvent() {}
func (RemoteMedia) isEvent()  {}
func (Rejected) isEvent()     {}
