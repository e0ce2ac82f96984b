package orch

import (
	"errors"

	"github.com/dkeye/Beam/internal/app"
	"github.com/dkeye/Beam/internal/core"
	"github.com/dkeye/Beam/internal/domain"
	"github.com/dkeye/Beam/internal/metrics"
	"github.com/dkeye/Beam/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Orchestrator is the signaling relay: it owns the presence registry and
// routes every message between the devices of one user.
type Orchestrator struct {
	Registry *app.Registry
	Policy   app.Policy
	Metrics  metrics.Collector
}

func New(policy app.Policy, m metrics.Collector) *Orchestrator {
	if policy == nil {
		policy = app.DropOldestPolicy{}
	}
	if m == nil {
		m = metrics.Nop{}
	}
	o := &Orchestrator{Policy: policy, Metrics: m}
	o.Registry = app.NewRegistry(o)
	return o
}

// Forward stamps env with the sender's identity and delivers it to every
// other device in the sender's room. It returns the number of recipients
// the frame was queued for.
func (o *Orchestrator) Forward(from domain.DeviceEndpoint, env protocol.Envelope) int {
	stamped := env.Stamp(from)
	frame, err := stamped.Marshal()
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("type", env.Type).Msg("forward encode")
		return 0
	}

	sent := 0
	for _, peer := range o.Registry.RoomSessions(from.UserID, from.ConnectionID) {
		if o.deliver(peer, env.Type, frame) {
			sent++
		}
	}
	o.Metrics.MessageForwarded(env.Type, sent)
	log.Debug().
		Str("module", "orch").
		Str("type", env.Type).
		Str("from", string(from.ConnectionID)).
		Int("sent_to", sent).
		Msg("forwarded")
	return sent
}

// SendTo encodes and queues a server-originated message for one device.
func (o *Orchestrator) SendTo(to core.DeviceSession, msgType string, v any) bool {
	frame, err := protocol.Encode(msgType, v)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("type", msgType).Msg("encode")
		return false
	}
	return o.deliver(to, msgType, frame)
}

// deliver never blocks. An overflowing recipient already lost its oldest
// frame; the policy decides whether it may stay.
func (o *Orchestrator) deliver(to core.DeviceSession, msgType string, frame core.Frame) bool {
	err := to.Signal().TrySend(frame)
	switch {
	case err == nil:
		return true
	case errors.Is(err, core.ErrBackpressure):
		o.Metrics.MessageDropped(msgType)
		if o.Policy.OnBackPressure(to) == app.KickMember {
			o.Metrics.MemberKicked()
			log.Warn().
				Str("module", "orch").
				Str("conn", string(to.Endpoint().ConnectionID)).
				Msg("kicking slow member")
			to.Signal().Close()
			return false
		}
		return true
	default:
		log.Debug().
			Err(err).
			Str("module", "orch").
			Str("conn", string(to.Endpoint().ConnectionID)).
			Str("type", msgType).
			Msg("deliver failed")
		return false
	}
}

// Shutdown disconnects every device.
func (o *Orchestrator) Shutdown() {
	o.Registry.Close()
}
