// Package client is the device side of the signaling channel: it dials the
// relay, waits for the session hello and then pumps envelopes both ways.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Beam/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnauthorized = errors.New("authentication failed")
	ErrClosed       = errors.New("client closed")
	ErrQueueFull    = errors.New("send queue full")
	ErrNoSession    = errors.New("no session hello")
)

const (
	defaultDialTimeout = 10 * time.Second
	defaultReadTimeout = 90 * time.Second
	writeWait          = 5 * time.Second
)

type Config struct {
	// URL of the signaling endpoint, e.g. ws://host:8080/api/ws/signal.
	URL   string
	Token string

	DialTimeout time.Duration
	// ReadTimeout bounds the silence between server pings.
	ReadTimeout time.Duration
	QueueSize   int
}

func (c *Config) setDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
}

// Client is one authenticated signaling connection.
type Client struct {
	cfg     Config
	ws      *websocket.Conn
	session protocol.SessionPayload
	logger  zerolog.Logger

	out chan []byte
	in  chan protocol.Envelope

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}

	mu  sync.Mutex
	err error
}

// Dial connects, authenticates with cfg.Token and waits for the session
// hello. A rejected token yields an error wrapping ErrUnauthorized with the
// server's reason.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	cfg.setDefaults()

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: cfg.DialTimeout}
	header := http.Header{}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}
	ws, resp, err := dialer.DialContext(dialCtx, cfg.URL, header)
	if err != nil {
		return nil, dialError(resp, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	session, err := readHello(ws, cfg.DialTimeout)
	if err != nil {
		_ = ws.Close()
		return nil, err
	}

	c := &Client{
		cfg:     cfg,
		ws:      ws,
		session: session,
		out:     make(chan []byte, cfg.QueueSize),
		in:      make(chan protocol.Envelope, cfg.QueueSize),
		done:    make(chan struct{}),
		logger: log.With().
			Str("module", "client").
			Str("connection_id", string(session.ConnectionID)).
			Logger(),
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.logger.Info().Str("device_class", string(session.DeviceClass)).Msg("signaling connected")

	errCh := make(chan error, 2)
	go func() { errCh <- c.readLoop() }()
	go func() { errCh <- c.writeLoop() }()
	go func() {
		var err error
		select {
		case <-c.ctx.Done():
		case err = <-errCh:
		}
		c.shutdown(err)
	}()
	return c, nil
}

func dialError(resp *http.Response, err error) error {
	if resp == nil || resp.Body == nil {
		return fmt.Errorf("dial signaling: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		var body struct {
			Error  string `json:"error"`
			Reason string `json:"reason"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &body) == nil && body.Reason != "" {
			return fmt.Errorf("%w: %s", ErrUnauthorized, body.Reason)
		}
		return ErrUnauthorized
	}
	return fmt.Errorf("dial signaling: %s: %w", resp.Status, err)
}

func readHello(ws *websocket.Conn, timeout time.Duration) (protocol.SessionPayload, error) {
	_ = ws.SetReadDeadline(time.Now().Add(timeout))
	defer ws.SetReadDeadline(time.Time{})

	_, frame, err := ws.ReadMessage()
	if err != nil {
		return protocol.SessionPayload{}, fmt.Errorf("%w: %v", ErrNoSession, err)
	}
	env, err := protocol.Decode(frame)
	if err != nil {
		return protocol.SessionPayload{}, fmt.Errorf("%w: %v", ErrNoSession, err)
	}
	if env.Type != protocol.TypeSession {
		return protocol.SessionPayload{}, fmt.Errorf("%w: got %q first", ErrNoSession, env.Type)
	}
	var s protocol.SessionPayload
	if err := env.Unmarshal(&s); err != nil {
		return protocol.SessionPayload{}, fmt.Errorf("%w: %v", ErrNoSession, err)
	}
	return s, nil
}

// Session is the identity the relay assigned to this connection.
func (c *Client) Session() protocol.SessionPayload { return c.session }

// Messages delivers inbound envelopes. It is closed when the connection ends.
func (c *Client) Messages() <-chan protocol.Envelope { return c.in }

// Done is closed once both pumps have stopped.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended, nil after a local Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send queues one message for the room or the server. It never blocks.
func (c *Client) Send(msgType string, v any) error {
	frame, err := protocol.Encode(msgType, v)
	if err != nil {
		return err
	}
	select {
	case <-c.ctx.Done():
		return ErrClosed
	default:
	}
	select {
	case c.out <- frame:
		return nil
	default:
		return ErrQueueFull
	}
}

func (c *Client) Close() {
	c.cancel()
	<-c.done
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.cancel()
		if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			c.logger.Warn().Err(err).Msg("signaling lost")
		}
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		_ = c.ws.Close()
		close(c.done)
		c.logger.Info().Msg("signaling closed")
	})
}

func (c *Client) readLoop() error {
	defer close(c.in)

	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	c.ws.SetPingHandler(func(data string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		return c.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		env, err := protocol.Decode(frame)
		if err != nil {
			c.logger.Warn().Err(err).Msg("bad frame from relay")
			continue
		}
		if env.Type == protocol.TypeError {
			var p protocol.ErrorPayload
			_ = env.Unmarshal(&p)
			c.logger.Warn().Str("code", p.Code).Str("message", p.Message).Msg("relay error")
		}
		select {
		case c.in <- env:
		case <-c.ctx.Done():
			return nil
		}
	}
}

func (c *Client) writeLoop() error {
	for {
		select {
		case <-c.ctx.Done():
			return nil
		case frame := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return err
			}
		}
	}
}
