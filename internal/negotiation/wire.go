package negotiation

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/Beam/internal/protocol"
	"github.com/pion/webrtc/v4"
)

func EncodeDescription(desc webrtc.SessionDescription) (protocol.DescriptionPayload, error) {
	raw, err := json.Marshal(desc)
	if err != nil {
		return protocol.DescriptionPayload{}, fmt.Errorf("encode description: %w", err)
	}
	return protocol.DescriptionPayload{Description: raw}, nil
}

// DecodeDescription reads the session description carried by an offer or
// answer envelope.
func DecodeDescription(env protocol.Envelope) (webrtc.SessionDescription, error) {
	var p protocol.DescriptionPayload
	if err := env.Unmarshal(&p); err != nil {
		return webrtc.SessionDescription{}, err
	}
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(p.Description, &desc); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%s: description: %w", env.Type, err)
	}
	if desc.SDP == "" {
		return webrtc.SessionDescription{}, fmt.Errorf("%s: empty sdp", env.Type)
	}
	return desc, nil
}

func EncodeCandidate(c webrtc.ICECandidateInit) (protocol.CandidatePayload, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return protocol.CandidatePayload{}, fmt.Errorf("encode candidate: %w", err)
	}
	return protocol.CandidatePayload{Candidate: raw}, nil
}

func DecodeCandidate(env protocol.Envelope) (webrtc.ICECandidateInit, error) {
	var p protocol.CandidatePayload
	if err := env.Unmarshal(&p); err != nil {
		return webrtc.ICECandidateInit{}, err
	}
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(p.Candidate, &c); err != nil {
		return webrtc.ICECandidateInit{}, fmt.Errorf("ice-candidate: %w", err)
	}
	return c, nil
}
