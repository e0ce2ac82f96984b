package core

import "github.com/dkeye/Beam/internal/domain"

// deviceSession implements DeviceSession by pairing meta + transport.
type deviceSession struct {
	endpoint domain.DeviceEndpoint
	conn     SignalConnection
}

func NewDeviceSession(endpoint domain.DeviceEndpoint, conn SignalConnection) DeviceSession {
	return &deviceSession{endpoint: endpoint, conn: conn}
}

func (s *deviceSession) Endpoint() domain.DeviceEndpoint { return s.endpoint }
func (s *deviceSession) Signal() SignalConnection        { return s.conn }
