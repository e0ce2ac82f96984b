package signal

import (
	"context"
	"time"

	"github.com/dkeye/Beam/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

func (ctl *SignalWSController) writePump(ctx context.Context, dc *deviceConn) {
	c := dc.ws
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("conn", string(dc.ep.ConnectionID)).Msg("writePump ctx done")
			return
		case <-c.done:
			return
		case <-c.notify:
			for _, frame := range c.drain() {
				if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
					log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
					return
				}
				if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					log.Debug().Err(err).Str("module", "signal").Str("conn", string(dc.ep.ConnectionID)).Msg("writePump write error")
					return
				}
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debug().Err(err).Str("module", "signal").Str("conn", string(dc.ep.ConnectionID)).Msg("writePump ping error")
				return
			}
		}
	}
}

// readPump owns the device's registration: when it returns, the device has
// left its room exactly once.
func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, dc *deviceConn) {
	c := dc.ws
	id := dc.ep.ConnectionID
	defer func() {
		log.Info().Str("module", "signal").Str("conn", string(id)).Msg("readPump closing")
		ctl.Orch.Leave(dc.ep)
		ctl.limiter.Forget(id)
		cancel()
		c.Close()
	}()

	pongWait := ctl.opts.PingPeriod * 10 / 9
	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("module", "signal").Str("conn", string(id)).Msg("readPump read error")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		ctl.handleSignal(dc, data)
	}
}

func (ctl *SignalWSController) handleSignal(dc *deviceConn, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		ctl.Orch.Metrics.MessageRejected("", protocol.CodeBadMessage)
		ctl.sendError(dc, "", protocol.CodeBadMessage, "malformed message")
		return
	}
	ctl.Orch.Metrics.MessageReceived(env.Type, len(data))

	if !ctl.limiter.Allow(dc.ep.ConnectionID) {
		ctl.sendError(dc, env.Type, protocol.CodeRateLimited, "too many messages")
		return
	}

	switch {
	case protocol.IsRoomDirected(env.Type):
		ctl.Orch.Forward(dc.ep, env)
	case env.Type == protocol.TypeGetOnlineDevices:
		ctl.handleOnlineDevices(dc)
	case env.Type == protocol.TypePing:
		ctl.handlePing(dc)
	case protocol.IsServerOnly(env.Type):
		ctl.sendError(dc, env.Type, protocol.CodeForbiddenType, env.Type+" is sent by the server only")
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
		ctl.sendError(dc, env.Type, protocol.CodeUnknownType, "unknown message type "+env.Type)
	}
}

func (ctl *SignalWSController) sendError(dc *deviceConn, msgType, code, message string) {
	if msgType != "" {
		ctl.Orch.Metrics.MessageRejected(msgType, code)
	}
	ctl.Orch.SendTo(dc.self, protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message})
}
