package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Beam/internal/app"
	"github.com/dkeye/Beam/internal/app/orch"
	"github.com/dkeye/Beam/internal/auth"
	"github.com/dkeye/Beam/internal/core"
	"github.com/dkeye/Beam/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// SessionTokenKey is where the dev login keeps the token in the cookie session.
const SessionTokenKey = "token"

type Options struct {
	ReadLimit     int64
	PingPeriod    time.Duration
	QueueSize     int
	RatePerSecond float64
	RateBurst     int
}

type SignalWSController struct {
	Orch     *orch.Orchestrator
	Verifier auth.Verifier

	opts    Options
	limiter *ConnRateLimiter
}

func NewSignalWSController(o *orch.Orchestrator, verifier auth.Verifier, opts Options) *SignalWSController {
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 54 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 65536
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	return &SignalWSController{
		Orch:     o,
		Verifier: verifier,
		opts:     opts,
		limiter:  NewConnRateLimiter(opts.RatePerSecond, opts.RateBurst),
	}
}

// WsSignalConn is the outbound side of one device connection. Frames wait
// in a bounded queue; when it is full the oldest frame is discarded.
type WsSignalConn struct {
	conn *websocket.Conn

	mu     sync.Mutex
	queue  []core.Frame
	limit  int
	closed bool

	notify chan struct{}
	done   chan struct{}
}

func newWsSignalConn(ws *websocket.Conn, limit int) *WsSignalConn {
	return &WsSignalConn{
		conn:   ws,
		queue:  make([]core.Frame, 0, limit),
		limit:  limit,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return core.ErrClosed
	}
	var err error
	if len(c.queue) >= c.limit {
		copy(c.queue, c.queue[1:])
		c.queue = c.queue[:len(c.queue)-1]
		err = core.ErrBackpressure
	}
	c.queue = append(c.queue, f)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return err
}

// drain takes every queued frame.
func (c *WsSignalConn) drain() []core.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	out := c.queue
	c.queue = make([]core.Frame, 0, c.limit)
	return out
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
	_ = c.conn.Close()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// RequestToken looks at the Authorization header, the token query parameter
// and finally the cookie session written by the dev login.
func RequestToken(c *gin.Context) (string, error) {
	t, err := auth.ExtractToken(c.Request)
	if err == nil {
		return t, nil
	}
	if _, ok := c.Get(sessions.DefaultKey); ok {
		if v, ok := sessions.Default(c).Get(SessionTokenKey).(string); ok && v != "" {
			return v, nil
		}
	}
	return "", err
}

// HandleSignal authenticates the request and only then upgrades it. A
// rejected device never reaches the registry.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	claims, err := ctl.authenticate(c)
	if err != nil {
		reason := auth.Reason(err)
		ctl.Orch.Metrics.AuthFailed(reason)
		log.Warn().Err(err).Str("module", "signal").Str("remote", c.ClientIP()).Msg("authentication failed")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":  "AuthenticationFailed",
			"reason": reason,
		})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	id := domain.ConnectionID(uuid.NewString())
	conn := newWsSignalConn(ws, ctl.opts.QueueSize)

	ep, err := ctl.Orch.Join(id, claims, conn)
	if err != nil {
		code := websocket.CloseInternalServerErr
		if errors.Is(err, app.ErrRegistryClosed) {
			code = websocket.CloseGoingAway
		}
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, err.Error()), time.Now().Add(time.Second))
		conn.Close()
		return
	}
	log.Info().
		Str("module", "signal").
		Str("conn", string(id)).
		Str("user", string(ep.UserID)).
		Str("class", string(ep.DeviceClass)).
		Msg("new WS connection")

	dc := &deviceConn{
		ep:   ep,
		ws:   conn,
		self: core.NewDeviceSession(ep, conn),
	}
	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, dc)
	go ctl.readPump(ctx, cancel, dc)
}

func (ctl *SignalWSController) authenticate(c *gin.Context) (domain.Claims, error) {
	t, err := RequestToken(c)
	if err != nil {
		return domain.Claims{}, err
	}
	return ctl.Verifier.Verify(t)
}

// deviceConn is the controller's view of one live device.
type deviceConn struct {
	ep   domain.DeviceEndpoint
	ws   *WsSignalConn
	self core.DeviceSession
}
