// Package protocol defines the signaling envelope exchanged over the
// WebSocket between devices and the relay.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/Beam/internal/domain"
)

// Message types.
const (
	// Negotiation, device -> room.
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"

	// Control, device -> room.
	TypeStartStream   = "start-stream"
	TypeStopStream    = "stop-stream"
	TypeRequestStream = "request-stream"

	// Presence.
	TypeGetOnlineDevices   = "get-online-devices"
	TypeOnlineDevices      = "online-devices"
	TypeDeviceConnected    = "device-connected"
	TypeDeviceDisconnected = "device-disconnected"

	// Session housekeeping.
	TypeSession = "session"
	TypePing    = "ping"
	TypePong    = "pong"
	TypeError   = "error"
)

// IsRoomDirected reports whether the relay fans the type out to the room.
func IsRoomDirected(t string) bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeICECandidate,
		TypeStartStream, TypeStopStream, TypeRequestStream:
		return true
	}
	return false
}

// IsServerOnly reports whether only the relay may originate the type.
func IsServerOnly(t string) bool {
	switch t {
	case TypeOnlineDevices, TypeDeviceConnected, TypeDeviceDisconnected,
		TypeSession, TypePong, TypeError:
		return true
	}
	return false
}

// Envelope is the wire unit. Data is opaque to the relay. The From* fields
// are always written by the relay; whatever a client puts there is replaced.
type Envelope struct {
	Type             string              `json:"type"`
	Data             json.RawMessage     `json:"data,omitempty"`
	FromUserID       domain.UserID       `json:"fromUserId,omitempty"`
	FromDeviceClass  domain.DeviceClass  `json:"fromDeviceClass,omitempty"`
	FromConnectionID domain.ConnectionID `json:"fromConnectionId,omitempty"`
}

// Decode parses a frame into an envelope.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}

// Encode builds a frame with data marshalled from v. A nil v leaves data empty.
func Encode(msgType string, v any) ([]byte, error) {
	env := Envelope{Type: msgType}
	if v != nil {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", msgType, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// Stamp returns a copy of env annotated with the sender's authenticated identity.
func (env Envelope) Stamp(from domain.DeviceEndpoint) Envelope {
	env.FromUserID = from.UserID
	env.FromDeviceClass = from.DeviceClass
	env.FromConnectionID = from.ConnectionID
	return env
}

// Unmarshal decodes Data into v.
func (env Envelope) Unmarshal(v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%s: empty data", env.Type)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%s: %w", env.Type, err)
	}
	return nil
}

// Marshal encodes the envelope as one frame.
func (env Envelope) Marshal() ([]byte, error) {
	return json.Marshal(env)
}
