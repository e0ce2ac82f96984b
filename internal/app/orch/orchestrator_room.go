package orch

import (
	"github.com/dkeye/Beam/internal/core"
	"github.com/dkeye/Beam/internal/domain"
	"github.com/dkeye/Beam/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Join registers an authenticated connection in its user's room. The device
// receives its session hello before any presence message.
func (o *Orchestrator) Join(id domain.ConnectionID, claims domain.Claims, conn core.SignalConnection) (domain.DeviceEndpoint, error) {
	ep, err := o.Registry.Register(id, claims, conn)
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("conn", string(id)).Msg("join rejected")
		return domain.DeviceEndpoint{}, err
	}
	o.Metrics.DeviceConnected(string(claims.DeviceClass))
	return ep, nil
}

// Leave unregisters the device. Repeated calls are no-ops, so the room hears
// about a departure exactly once.
func (o *Orchestrator) Leave(ep domain.DeviceEndpoint) {
	if !o.Registry.Unregister(ep.ConnectionID) {
		return
	}
	o.Metrics.DeviceDisconnected(string(ep.DeviceClass))
	log.Info().Str("module", "orch").Str("conn", string(ep.ConnectionID)).Msg("left")
}

// OnlineDevices lists the caller's room-mates.
func (o *Orchestrator) OnlineDevices(self domain.DeviceEndpoint) []protocol.OnlineDevice {
	peers := o.Registry.ListRoomPeers(self.UserID, self.ConnectionID)
	out := make([]protocol.OnlineDevice, 0, len(peers))
	for _, p := range peers {
		out = append(out, protocol.OnlineDevice{
			ConnectionID: p.ConnectionID,
			DeviceClass:  p.DeviceClass,
			Connected:    true,
		})
	}
	return out
}

// DeviceRegistered implements app.Notifier.
func (o *Orchestrator) DeviceRegistered(self core.DeviceSession) {
	ep := self.Endpoint()
	o.SendTo(self, protocol.TypeSession, protocol.SessionPayload{
		ConnectionID: ep.ConnectionID,
		UserID:       ep.UserID,
		DeviceClass:  ep.DeviceClass,
	})
}

// DeviceJoined implements app.Notifier.
func (o *Orchestrator) DeviceJoined(to core.DeviceSession, joined domain.DeviceEndpoint) {
	o.SendTo(to, protocol.TypeDeviceConnected, protocol.DeviceConnectedPayload{
		DeviceClass:  joined.DeviceClass,
		UserID:       joined.UserID,
		ConnectionID: joined.ConnectionID,
	})
}

// DeviceLeft implements app.Notifier.
func (o *Orchestrator) DeviceLeft(to core.DeviceSession, left domain.DeviceEndpoint) {
	o.SendTo(to, protocol.TypeDeviceDisconnected, protocol.DeviceDisconnectedPayload{
		DeviceClass:  left.DeviceClass,
		UserID:       left.UserID,
		ConnectionID: left.ConnectionID,
	})
}
