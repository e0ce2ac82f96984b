package protocol

import (
	"encoding/json"

	"github.com/dkeye/Beam/internal/domain"
)

// DescriptionPayload carries an offer or answer. The relay never looks
// inside Description.
type DescriptionPayload struct {
	Description json.RawMessage `json:"description"`
}

type CandidatePayload struct {
	Candidate json.RawMessage `json:"candidate"`
}

type StartStreamPayload struct {
	StreamID string `json:"streamId"`
}

// OnlineDevice is one entry of the online-devices response.
type OnlineDevice struct {
	ConnectionID domain.ConnectionID `json:"connectionId"`
	DeviceClass  domain.DeviceClass  `json:"deviceClass"`
	Connected    bool                `json:"connected"`
}

type DeviceConnectedPayload struct {
	DeviceClass  domain.DeviceClass  `json:"deviceClass"`
	UserID       domain.UserID       `json:"userId"`
	ConnectionID domain.ConnectionID `json:"connectionId"`
}

type DeviceDisconnectedPayload struct {
	DeviceClass  domain.DeviceClass  `json:"deviceClass"`
	UserID       domain.UserID       `json:"userId"`
	ConnectionID domain.ConnectionID `json:"connectionId,omitempty"`
}

// SessionPayload greets a freshly registered device with its own identity.
type SessionPayload struct {
	ConnectionID domain.ConnectionID `json:"connectionId"`
	UserID       domain.UserID       `json:"userId"`
	DeviceClass  domain.DeviceClass  `json:"deviceClass"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes sent in ErrorPayload.
const (
	CodeBadMessage     = "bad_message"
	CodeUnknownType    = "unknown_type"
	CodeForbiddenType  = "forbidden_type"
	CodeRateLimited    = "rate_limited"
	CodeAuthentication = "AuthenticationFailed"
)
