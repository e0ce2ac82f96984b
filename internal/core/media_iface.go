package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// PeerTransport is the negotiation-facing view of one peer connection.
// Callbacks may fire on any goroutine.
type PeerTransport interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// AddLocalTrack attaches a captured track before the offer is created.
	AddLocalTrack(webrtc.TrackLocal) error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(track *webrtc.TrackRemote))
	Close() error
}

// TransportFactory builds a fresh PeerTransport per negotiation session.
type TransportFactory interface {
	NewTransport() (PeerTransport, error)
}

// MediaCapture is acquired local media. Release stops capturing.
type MediaCapture interface {
	Tracks() []webrtc.TrackLocal
	Release()
}

// MediaSource acquires local capture. Acquire may block for seconds
// (permission prompts, device warm-up) and must honour ctx.
type MediaSource interface {
	Acquire(ctx context.Context) (MediaCapture, error)
}
