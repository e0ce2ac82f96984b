package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/Beam/internal/app/orch"
	"github.com/dkeye/Beam/internal/auth"
	"github.com/dkeye/Beam/internal/domain"
	"github.com/dkeye/Beam/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type relayHarness struct {
	srv   *httptest.Server
	orch  *orch.Orchestrator
	token *auth.JWTService
}

func newHarness(t *testing.T, opts Options) *relayHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	o := orch.New(nil, nil)
	jwtSvc := auth.NewJWTService("test-secret", time.Hour)
	ctl := NewSignalWSController(o, jwtSvc, opts)

	ctx, cancel := context.WithCancel(context.Background())
	r := gin.New()
	r.GET("/api/ws/signal", func(c *gin.Context) { ctl.HandleSignal(ctx, c) })
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		o.Shutdown()
		cancel()
		srv.Close()
	})
	return &relayHarness{srv: srv, orch: o, token: jwtSvc}
}

func (h *relayHarness) wsURL(token string) string {
	u := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/api/ws/signal"
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	return u
}

type device struct {
	t     *testing.T
	ws    *websocket.Conn
	hello protocol.SessionPayload
}

func (h *relayHarness) connect(t *testing.T, user string, class domain.DeviceClass) *device {
	t.Helper()
	tok, err := h.token.Issue(domain.Claims{UserID: domain.UserID(user), DeviceClass: class})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	ws, _, err := websocket.DefaultDialer.Dial(h.wsURL(tok), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	d := &device{t: t, ws: ws}
	env := d.expect(protocol.TypeSession)
	if err := env.Unmarshal(&d.hello); err != nil {
		t.Fatalf("session payload: %v", err)
	}
	return d
}

func (d *device) id() domain.ConnectionID { return d.hello.ConnectionID }

func (d *device) send(msgType string, v any) {
	d.t.Helper()
	frame, err := protocol.Encode(msgType, v)
	if err != nil {
		d.t.Fatalf("encode: %v", err)
	}
	if err := d.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		d.t.Fatalf("write: %v", err)
	}
}

func (d *device) read() protocol.Envelope {
	d.t.Helper()
	_ = d.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := d.ws.ReadMessage()
	if err != nil {
		d.t.Fatalf("read: %v", err)
	}
	env, err := protocol.Decode(data)
	if err != nil {
		d.t.Fatalf("decode %s: %v", data, err)
	}
	return env
}

func (d *device) expect(msgType string) protocol.Envelope {
	d.t.Helper()
	env := d.read()
	if env.Type != msgType {
		d.t.Fatalf("expected %s, got %s (%s)", msgType, env.Type, env.Data)
	}
	return env
}

// roundTrip proves nothing else is queued for d: the next message must be
// the pong answering our ping.
func (d *device) roundTrip() {
	d.t.Helper()
	d.send(protocol.TypePing, struct{}{})
	d.expect(protocol.TypePong)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestPresenceAndOfferRelay(t *testing.T) {
	h := newHarness(t, Options{})
	src := h.connect(t, "alice", domain.DeviceSource)
	viewer := h.connect(t, "alice", domain.DeviceViewer)

	var joined protocol.DeviceConnectedPayload
	if err := src.expect(protocol.TypeDeviceConnected).Unmarshal(&joined); err != nil {
		t.Fatalf("device-connected: %v", err)
	}
	if joined.DeviceClass != domain.DeviceViewer || joined.UserID != "alice" || joined.ConnectionID != viewer.id() {
		t.Fatalf("unexpected device-connected %+v", joined)
	}

	viewer.send(protocol.TypeGetOnlineDevices, struct{}{})
	var online []protocol.OnlineDevice
	if err := viewer.expect(protocol.TypeOnlineDevices).Unmarshal(&online); err != nil {
		t.Fatalf("online-devices: %v", err)
	}
	if len(online) != 1 || online[0].ConnectionID != src.id() || online[0].DeviceClass != domain.DeviceSource || !online[0].Connected {
		t.Fatalf("unexpected online list %+v", online)
	}

	offer := protocol.DescriptionPayload{Description: json.RawMessage(`{"type":"offer","sdp":"v=0"}`)}
	src.send(protocol.TypeOffer, offer)

	env := viewer.expect(protocol.TypeOffer)
	if env.FromUserID != "alice" || env.FromDeviceClass != domain.DeviceSource || env.FromConnectionID != src.id() {
		t.Fatalf("offer not stamped: %+v", env)
	}
	var got protocol.DescriptionPayload
	if err := env.Unmarshal(&got); err != nil {
		t.Fatalf("offer payload: %v", err)
	}
	if string(got.Description) != string(offer.Description) {
		t.Fatalf("description altered: %s", got.Description)
	}

	// No echo to the sender.
	src.roundTrip()
}

func TestClientCannotSpoofSender(t *testing.T) {
	h := newHarness(t, Options{})
	src := h.connect(t, "alice", domain.DeviceSource)
	viewer := h.connect(t, "alice", domain.DeviceViewer)
	src.expect(protocol.TypeDeviceConnected)

	raw := `{"type":"start-stream","data":{"streamId":"s1"},"fromUserId":"bob","fromDeviceClass":"viewer","fromConnectionId":"x"}`
	if err := src.ws.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("write: %v", err)
	}
	env := viewer.expect(protocol.TypeStartStream)
	if env.FromUserID != "alice" || env.FromConnectionID != src.id() || env.FromDeviceClass != domain.DeviceSource {
		t.Fatalf("spoofed identity survived: %+v", env)
	}
}

func TestRoomsDoNotLeak(t *testing.T) {
	h := newHarness(t, Options{})
	alice := h.connect(t, "alice", domain.DeviceSource)
	bob := h.connect(t, "bob", domain.DeviceViewer)

	alice.send(protocol.TypeRequestStream, struct{}{})
	alice.send(protocol.TypeICECandidate, protocol.CandidatePayload{Candidate: json.RawMessage(`{"candidate":"c"}`)})

	// bob's first message after the hello must be his own pong.
	bob.roundTrip()
	alice.roundTrip()
}

func TestAuthenticationFailureLeavesNoTrace(t *testing.T) {
	h := newHarness(t, Options{})

	for _, tc := range []struct {
		name, token, reason string
	}{
		{"missing", "", "MissingToken"},
		{"invalid", "garbage", "InvalidToken"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ws, resp, err := websocket.DefaultDialer.Dial(h.wsURL(tc.token), nil)
			if err == nil {
				ws.Close()
				t.Fatalf("dial should fail")
			}
			if resp == nil || resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %+v", resp)
			}
			var body struct {
				Error  string `json:"error"`
				Reason string `json:"reason"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("body: %v", err)
			}
			if body.Error != "AuthenticationFailed" || body.Reason != tc.reason {
				t.Fatalf("unexpected body %+v", body)
			}
		})
	}
	if n := h.orch.Registry.Count(); n != 0 {
		t.Fatalf("rejected devices must not be registered, count = %d", n)
	}
}

func TestDisconnectBroadcastsOnce(t *testing.T) {
	h := newHarness(t, Options{})
	src := h.connect(t, "alice", domain.DeviceSource)
	viewer := h.connect(t, "alice", domain.DeviceViewer)
	src.expect(protocol.TypeDeviceConnected)

	viewer.ws.Close()

	var left protocol.DeviceDisconnectedPayload
	if err := src.expect(protocol.TypeDeviceDisconnected).Unmarshal(&left); err != nil {
		t.Fatalf("device-disconnected: %v", err)
	}
	if left.ConnectionID != viewer.id() || left.DeviceClass != domain.DeviceViewer || left.UserID != "alice" {
		t.Fatalf("unexpected payload %+v", left)
	}
	src.roundTrip()

	waitFor(t, func() bool { return h.orch.Registry.Count() == 1 })
	src.send(protocol.TypeGetOnlineDevices, struct{}{})
	var online []protocol.OnlineDevice
	if err := src.expect(protocol.TypeOnlineDevices).Unmarshal(&online); err != nil {
		t.Fatalf("online-devices: %v", err)
	}
	if len(online) != 0 {
		t.Fatalf("departed device still listed: %+v", online)
	}
}

func TestRejectsServerOnlyAndUnknownTypes(t *testing.T) {
	h := newHarness(t, Options{})
	d := h.connect(t, "alice", domain.DeviceSource)

	check := func(code string) {
		t.Helper()
		var p protocol.ErrorPayload
		if err := d.expect(protocol.TypeError).Unmarshal(&p); err != nil {
			t.Fatalf("error payload: %v", err)
		}
		if p.Code != code {
			t.Fatalf("code = %q, want %q", p.Code, code)
		}
	}

	d.send(protocol.TypeDeviceConnected, protocol.DeviceConnectedPayload{UserID: "alice"})
	check(protocol.CodeForbiddenType)

	d.send("teleport", struct{}{})
	check(protocol.CodeUnknownType)

	if err := d.ws.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	check(protocol.CodeBadMessage)

	// The connection survives bad input.
	d.roundTrip()
}

func TestInboundRateLimit(t *testing.T) {
	h := newHarness(t, Options{RatePerSecond: 0.001, RateBurst: 1})
	d := h.connect(t, "alice", domain.DeviceSource)

	d.send(protocol.TypePing, struct{}{})
	d.expect(protocol.TypePong)

	d.send(protocol.TypePing, struct{}{})
	var p protocol.ErrorPayload
	if err := d.expect(protocol.TypeError).Unmarshal(&p); err != nil {
		t.Fatalf("error payload: %v", err)
	}
	if p.Code != protocol.CodeRateLimited {
		t.Fatalf("code = %q", p.Code)
	}
}

func TestOutboxDropsOldest(t *testing.T) {
	c := newWsSignalConn(nil, 2)
	if err := c.TrySend([]byte("1")); err != nil {
		t.Fatalf("send 1: %v", err)
	}
	if err := c.TrySend([]byte("2")); err != nil {
		t.Fatalf("send 2: %v", err)
	}
	if err := c.TrySend([]byte("3")); err == nil {
		t.Fatalf("overflow should report backpressure")
	}
	got := c.drain()
	if len(got) != 2 || string(got[0]) != "2" || string(got[1]) != "3" {
		t.Fatalf("expected [2 3], got %q", got)
	}
}
