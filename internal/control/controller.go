// Package control maps the room's control signals onto the negotiation
// machine and keeps the device's view of who is online and who is streaming.
package control

import (
	"context"
	"sync"

	"github.com/dkeye/Beam/internal/domain"
	"github.com/dkeye/Beam/internal/negotiation"
	"github.com/dkeye/Beam/internal/protocol"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Negotiator is the part of negotiation.Machine the controller drives.
type Negotiator interface {
	SetLocalID(domain.ConnectionID)
	BeginAsOfferer()
	ReceiveOffer(webrtc.SessionDescription, domain.ConnectionID)
	ReceiveAnswer(webrtc.SessionDescription, domain.ConnectionID)
	ReceiveCandidate(webrtc.ICECandidateInit, domain.ConnectionID)
	Stop()
	RemoteStop(domain.ConnectionID)
	Events() <-chan negotiation.Event
}

type Config struct {
	Self   protocol.SessionPayload
	Neg    Negotiator
	Signal negotiation.Signaler

	// AutoRequest makes a viewer ask for the stream at start and whenever a
	// source joins the room.
	AutoRequest bool

	OnState func(negotiation.StateChanged)
	OnMedia func(negotiation.RemoteMedia)
}

type Controller struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.RWMutex
	self      domain.ConnectionID
	devices   []protocol.OnlineDevice
	streaming map[domain.ConnectionID]string
	announced string
	peer      domain.ConnectionID
}

func New(cfg Config) *Controller {
	return &Controller{
		cfg:       cfg,
		self:      cfg.Self.ConnectionID,
		streaming: make(map[domain.ConnectionID]string),
		logger: log.With().
			Str("module", "control").
			Str("device_class", string(cfg.Self.DeviceClass)).
			Logger(),
	}
}

func (c *Controller) isSource() bool { return c.cfg.Self.DeviceClass == domain.DeviceSource }

// Run consumes inbound envelopes and machine events until ctx ends or
// inbound is closed. Both streams get their own goroutine so a full event
// buffer can never stall message handling.
func (c *Controller) Run(ctx context.Context, inbound <-chan protocol.Envelope) {
	if c.self != "" {
		c.cfg.Neg.SetLocalID(c.self)
	}
	c.RefreshDevices()
	if c.cfg.AutoRequest && !c.isSource() {
		c.RequestStream()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.eventLoop(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case env, ok := <-inbound:
			if !ok {
				c.logger.Info().Msg("signaling closed, stopping session")
				c.cfg.Neg.Stop()
				cancel()
				wg.Wait()
				return
			}
			c.Handle(env)
		}
	}
}

func (c *Controller) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.cfg.Neg.Events():
			c.onEvent(ev)
		}
	}
}

func (c *Controller) onEvent(ev negotiation.Event) {
	switch ev := ev.(type) {
	case negotiation.StateChanged:
		c.mu.Lock()
		c.peer = ev.Peer
		c.mu.Unlock()
		if ev.State == negotiation.StateConnected && c.isSource() {
			c.announce()
		}
		if ev.State.Terminal() {
			c.mu.Lock()
			c.announced = ""
			c.mu.Unlock()
		}
		if c.cfg.OnState != nil {
			c.cfg.OnState(ev)
		}
	case negotiation.RemoteMedia:
		if c.cfg.OnMedia != nil {
			c.cfg.OnMedia(ev)
		}
	case negotiation.Rejected:
		c.logger.Warn().Err(ev.Err).Str("type", ev.Type).Str("from", string(ev.From)).Msg("negotiation message rejected")
	}
}

func (c *Controller) announce() {
	id := "beam-" + uuid.NewString()
	c.mu.Lock()
	c.announced = id
	c.mu.Unlock()
	if err := c.cfg.Signal.Send(protocol.TypeStartStream, protocol.StartStreamPayload{StreamID: id}); err != nil {
		c.logger.Warn().Err(err).Msg("send start-stream")
		return
	}
	c.logger.Info().Str("stream_id", id).Msg("stream announced")
}

// Handle applies one inbound envelope.
func (c *Controller) Handle(env protocol.Envelope) {
	logger := c.logger.With().Str("type", env.Type).Str("from", string(env.FromConnectionID)).Logger()

	switch env.Type {
	case protocol.TypeSession:
		var s protocol.SessionPayload
		if err := env.Unmarshal(&s); err != nil {
			logger.Warn().Err(err).Msg("bad session")
			return
		}
		c.mu.Lock()
		c.self = s.ConnectionID
		c.mu.Unlock()
		c.cfg.Neg.SetLocalID(s.ConnectionID)

	case protocol.TypeOnlineDevices:
		var list []protocol.OnlineDevice
		if err := env.Unmarshal(&list); err != nil {
			logger.Warn().Err(err).Msg("bad device list")
			return
		}
		c.mu.Lock()
		c.devices = list
		c.mu.Unlock()

	case protocol.TypeDeviceConnected:
		var p protocol.DeviceConnectedPayload
		if err := env.Unmarshal(&p); err != nil {
			logger.Warn().Err(err).Msg("bad device-connected")
			return
		}
		c.addDevice(protocol.OnlineDevice{ConnectionID: p.ConnectionID, DeviceClass: p.DeviceClass, Connected: true})
		if c.cfg.AutoRequest && !c.isSource() && p.DeviceClass == domain.DeviceSource {
			c.RequestStream()
		}

	case protocol.TypeDeviceDisconnected:
		var p protocol.DeviceDisconnectedPayload
		if err := env.Unmarshal(&p); err != nil {
			logger.Warn().Err(err).Msg("bad device-disconnected")
			return
		}
		c.removeDevice(p.ConnectionID)
		c.clearStreaming(p.ConnectionID)
		if p.ConnectionID != "" && p.ConnectionID == c.sessionPeer() {
			c.cfg.Neg.RemoteStop(p.ConnectionID)
		}

	case protocol.TypeRequestStream:
		if !c.isSource() {
			logger.Debug().Msg("viewer ignores request-stream")
			return
		}
		c.cfg.Neg.BeginAsOfferer()

	case protocol.TypeStartStream:
		var p protocol.StartStreamPayload
		if err := env.Unmarshal(&p); err != nil {
			logger.Warn().Err(err).Msg("bad start-stream")
			return
		}
		c.mu.Lock()
		c.streaming[env.FromConnectionID] = p.StreamID
		c.mu.Unlock()
		logger.Info().Str("stream_id", p.StreamID).Msg("peer streaming")

	case protocol.TypeStopStream:
		c.clearStreaming(env.FromConnectionID)
		c.cfg.Neg.RemoteStop(env.FromConnectionID)

	case protocol.TypeOffer:
		desc, err := negotiation.DecodeDescription(env)
		if err != nil {
			logger.Warn().Err(err).Msg("bad offer")
			return
		}
		c.cfg.Neg.ReceiveOffer(desc, env.FromConnectionID)

	case protocol.TypeAnswer:
		desc, err := negotiation.DecodeDescription(env)
		if err != nil {
			logger.Warn().Err(err).Msg("bad answer")
			return
		}
		c.cfg.Neg.ReceiveAnswer(desc, env.FromConnectionID)

	case protocol.TypeICECandidate:
		cand, err := negotiation.DecodeCandidate(env)
		if err != nil {
			logger.Warn().Err(err).Msg("bad candidate")
			return
		}
		c.cfg.Neg.ReceiveCandidate(cand, env.FromConnectionID)

	case protocol.TypePong, protocol.TypeError:
		// Logged by the client.

	default:
		logger.Debug().Msg("unhandled message")
	}
}

// RequestStream asks the room's source to start offering.
func (c *Controller) RequestStream() {
	if err := c.cfg.Signal.Send(protocol.TypeRequestStream, struct{}{}); err != nil {
		c.logger.Warn().Err(err).Msg("send request-stream")
	}
}

// RefreshDevices asks the relay for the current room listing.
func (c *Controller) RefreshDevices() {
	if err := c.cfg.Signal.Send(protocol.TypeGetOnlineDevices, struct{}{}); err != nil {
		c.logger.Warn().Err(err).Msg("send get-online-devices")
	}
}

// StopStream ends the local session; the machine announces stop-stream.
func (c *Controller) StopStream() { c.cfg.Neg.Stop() }

// OnlineDevices returns the last known room listing, excluding this device.
func (c *Controller) OnlineDevices() []protocol.OnlineDevice {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]protocol.OnlineDevice(nil), c.devices...)
}

// Streaming returns the stream id each streaming peer announced.
func (c *Controller) Streaming() map[domain.ConnectionID]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[domain.ConnectionID]string, len(c.streaming))
	for k, v := range c.streaming {
		out[k] = v
	}
	return out
}

// Announced is the stream id this device last announced, empty when idle.
func (c *Controller) Announced() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.announced
}

func (c *Controller) sessionPeer() domain.ConnectionID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peer
}

func (c *Controller) addDevice(d protocol.OnlineDevice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.devices {
		if c.devices[i].ConnectionID == d.ConnectionID {
			c.devices[i] = d
			return
		}
	}
	c.devices = append(c.devices, d)
}

func (c *Controller) removeDevice(id domain.ConnectionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.devices {
		if c.devices[i].ConnectionID == id {
			c.devices = append(c.devices[:i], c.devices[i+1:]...)
			return
		}
	}
}

func (c *Controller) clearStreaming(id domain.ConnectionID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.streaming[id]
	delete(c.streaming, id)
	return ok
}
