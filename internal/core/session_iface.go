package core

import "github.com/dkeye/Beam/internal/domain"

// DeviceSession binds a device endpoint and its signaling transport.
// This is what a room stores and fans out to.
type DeviceSession interface {
	Endpoint() domain.DeviceEndpoint
	Signal() SignalConnection
}
