package control

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Beam/internal/domain"
	"github.com/dkeye/Beam/internal/negotiation"
	"github.com/dkeye/Beam/internal/protocol"
	"github.com/pion/webrtc/v4"
)

type fakeNegotiator struct {
	mu     sync.Mutex
	calls  []string
	events chan negotiation.Event
}

func newFakeNegotiator() *fakeNegotiator {
	return &fakeNegotiator{events: make(chan negotiation.Event, 8)}
}

func (n *fakeNegotiator) record(call string) {
	n.mu.Lock()
	n.calls = append(n.calls, call)
	n.mu.Unlock()
}

func (n *fakeNegotiator) SetLocalID(id domain.ConnectionID) { n.record("self:" + string(id)) }
func (n *fakeNegotiator) BeginAsOfferer()                  { n.record("begin") }
func (n *fakeNegotiator) Stop()                            { n.record("stop") }

func (n *fakeNegotiator) ReceiveOffer(d webrtc.SessionDescription, from domain.ConnectionID) {
	n.record("offer:" + string(from) + ":" + d.SDP)
}

func (n *fakeNegotiator) ReceiveAnswer(d webrtc.SessionDescription, from domain.ConnectionID) {
	n.record("answer:" + string(from) + ":" + d.SDP)
}

func (n *fakeNegotiator) ReceiveCandidate(c webrtc.ICECandidateInit, from domain.ConnectionID) {
	n.record("candidate:" + string(from) + ":" + c.Candidate)
}

func (n *fakeNegotiator) RemoteStop(from domain.ConnectionID) { n.record("remote-stop:" + string(from)) }

func (n *fakeNegotiator) Events() <-chan negotiation.Event { return n.events }

func (n *fakeNegotiator) log() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

type recordingSignal struct {
	mu   sync.Mutex
	sent []string
	data []any
}

func (s *recordingSignal) Send(msgType string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msgType)
	s.data = append(s.data, v)
	return nil
}

func (s *recordingSignal) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func envelope(t *testing.T, msgType string, from domain.ConnectionID, v any) protocol.Envelope {
	t.Helper()
	env := protocol.Envelope{Type: msgType, FromConnectionID: from}
	if v != nil {
		raw, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		env.Data = raw
	}
	return env
}

func newController(class domain.DeviceClass) (*Controller, *fakeNegotiator, *recordingSignal) {
	neg := newFakeNegotiator()
	sig := &recordingSignal{}
	c := New(Config{
		Self:   protocol.SessionPayload{ConnectionID: "me", UserID: "alice", DeviceClass: class},
		Neg:    neg,
		Signal: sig,
	})
	return c, neg, sig
}

func TestSourceOffersOnRequest(t *testing.T) {
	c, neg, _ := newController(domain.DeviceSource)
	c.Handle(envelope(t, protocol.TypeRequestStream, "viewer", struct{}{}))

	if got := neg.log(); !reflect.DeepEqual(got, []string{"begin"}) {
		t.Fatalf("calls = %v", got)
	}
}

func TestViewerIgnoresRequest(t *testing.T) {
	c, neg, _ := newController(domain.DeviceViewer)
	c.Handle(envelope(t, protocol.TypeRequestStream, "other", struct{}{}))

	if got := neg.log(); len(got) != 0 {
		t.Fatalf("viewer must not negotiate on request-stream: %v", got)
	}
}

func TestNegotiationMessagesRouted(t *testing.T) {
	c, neg, _ := newController(domain.DeviceViewer)

	offer, _ := negotiation.EncodeDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "o"})
	answer, _ := negotiation.EncodeDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "a"})
	cand, _ := negotiation.EncodeCandidate(webrtc.ICECandidateInit{Candidate: "c"})

	c.Handle(envelope(t, protocol.TypeOffer, "src", offer))
	c.Handle(envelope(t, protocol.TypeICECandidate, "src", cand))
	c.Handle(envelope(t, protocol.TypeAnswer, "src", answer))
	c.Handle(envelope(t, protocol.TypeOffer, "src", map[string]string{"description": "junk"}))

	want := []string{"offer:src:o", "candidate:src:c", "answer:src:a"}
	if got := neg.log(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
}

func TestStartAndStopStreamTracking(t *testing.T) {
	c, neg, _ := newController(domain.DeviceViewer)

	c.Handle(envelope(t, protocol.TypeStartStream, "src", protocol.StartStreamPayload{StreamID: "s-1"}))
	if got := c.Streaming(); got["src"] != "s-1" {
		t.Fatalf("streaming = %v", got)
	}

	c.Handle(envelope(t, protocol.TypeStopStream, "src", struct{}{}))
	if got := c.Streaming(); len(got) != 0 {
		t.Fatalf("streaming after stop = %v", got)
	}
	if got := neg.log(); !reflect.DeepEqual(got, []string{"remote-stop:src"}) {
		t.Fatalf("calls = %v", got)
	}
}

func TestPresenceTracking(t *testing.T) {
	c, _, _ := newController(domain.DeviceViewer)

	c.Handle(envelope(t, protocol.TypeOnlineDevices, "", []protocol.OnlineDevice{
		{ConnectionID: "a", DeviceClass: domain.DeviceSource, Connected: true},
	}))
	c.Handle(envelope(t, protocol.TypeDeviceConnected, "", protocol.DeviceConnectedPayload{
		ConnectionID: "b", DeviceClass: domain.DeviceViewer, UserID: "alice",
	}))
	c.Handle(envelope(t, protocol.TypeDeviceConnected, "", protocol.DeviceConnectedPayload{
		ConnectionID: "b", DeviceClass: domain.DeviceViewer, UserID: "alice",
	}))
	if got := c.OnlineDevices(); len(got) != 2 || got[0].ConnectionID != "a" || got[1].ConnectionID != "b" {
		t.Fatalf("devices = %+v", got)
	}

	c.Handle(envelope(t, protocol.TypeDeviceDisconnected, "", protocol.DeviceDisconnectedPayload{
		ConnectionID: "a", DeviceClass: domain.DeviceSource, UserID: "alice",
	}))
	if got := c.OnlineDevices(); len(got) != 1 || got[0].ConnectionID != "b" {
		t.Fatalf("devices after disconnect = %+v", got)
	}
}

func TestSessionPeerDisconnectStopsSession(t *testing.T) {
	c, neg, _ := newController(domain.DeviceViewer)
	c.onEvent(negotiation.StateChanged{Peer: "src", State: negotiation.StateConnected})

	c.Handle(envelope(t, protocol.TypeDeviceDisconnected, "", protocol.DeviceDisconnectedPayload{ConnectionID: "bystander"}))
	c.Handle(envelope(t, protocol.TypeDeviceDisconnected, "", protocol.DeviceDisconnectedPayload{ConnectionID: "src"}))

	if got := neg.log(); !reflect.DeepEqual(got, []string{"remote-stop:src"}) {
		t.Fatalf("calls = %v", got)
	}
}

func TestSourceAnnouncesWhenConnected(t *testing.T) {
	c, _, sig := newController(domain.DeviceSource)
	var states []negotiation.State
	c.cfg.OnState = func(ev negotiation.StateChanged) { states = append(states, ev.State) }

	c.onEvent(negotiation.StateChanged{State: negotiation.StateAwaitingAnswer})
	if len(sig.types()) != 0 {
		t.Fatalf("announced before connected")
	}
	c.onEvent(negotiation.StateChanged{Peer: "viewer", State: negotiation.StateConnected})

	if got := sig.types(); !reflect.DeepEqual(got, []string{protocol.TypeStartStream}) {
		t.Fatalf("sent %v", got)
	}
	if c.Announced() == "" {
		t.Fatalf("announced stream id not kept")
	}
	c.onEvent(negotiation.StateChanged{State: negotiation.StateClosed})
	if c.Announced() != "" {
		t.Fatalf("announcement not cleared on close")
	}
	if len(states) != 3 {
		t.Fatalf("OnState saw %v", states)
	}
}

func TestViewerDoesNotAnnounce(t *testing.T) {
	c, _, sig := newController(domain.DeviceViewer)
	c.onEvent(negotiation.StateChanged{Peer: "src", State: negotiation.StateConnected})
	if len(sig.types()) != 0 {
		t.Fatalf("viewer sent %v", sig.types())
	}
}

func TestRunAutoRequestAndEvents(t *testing.T) {
	neg := newFakeNegotiator()
	sig := &recordingSignal{}
	media := make(chan negotiation.RemoteMedia, 1)
	c := New(Config{
		Self:        protocol.SessionPayload{ConnectionID: "me", DeviceClass: domain.DeviceViewer},
		Neg:         neg,
		Signal:      sig,
		AutoRequest: true,
		OnMedia:     func(m negotiation.RemoteMedia) { media <- m },
	})

	inbound := make(chan protocol.Envelope)
	done := make(chan struct{})
	go func() {
		c.Run(context.Background(), inbound)
		close(done)
	}()

	inbound <- envelope(t, protocol.TypeDeviceConnected, "", protocol.DeviceConnectedPayload{
		ConnectionID: "src", DeviceClass: domain.DeviceSource,
	})
	neg.events <- negotiation.RemoteMedia{Session: 1, Peer: "src"}

	select {
	case m := <-media:
		if m.Peer != "src" {
			t.Fatalf("media = %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("media event not delivered")
	}

	close(inbound)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after inbound closed")
	}

	want := []string{protocol.TypeGetOnlineDevices, protocol.TypeRequestStream, protocol.TypeRequestStream}
	if got := sig.types(); !reflect.DeepEqual(got, want) {
		t.Fatalf("sent %v, want %v", got, want)
	}
	calls := neg.log()
	if calls[0] != "self:me" || calls[len(calls)-1] != "stop" {
		t.Fatalf("calls = %v", calls)
	}
}
