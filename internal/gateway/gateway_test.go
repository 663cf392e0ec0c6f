package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/voiceops/admin-gateway/internal/analysis"
	"github.com/voiceops/admin-gateway/internal/dispatch"
	"github.com/voiceops/admin-gateway/internal/event"
	"github.com/voiceops/admin-gateway/internal/orchestrator"
	"github.com/voiceops/admin-gateway/internal/protocol"
	"github.com/voiceops/admin-gateway/internal/publisher"
	"github.com/voiceops/admin-gateway/internal/registry"
	"github.com/voiceops/admin-gateway/internal/ws"
)

// fakeSender records frames per connection id.
type fakeSender struct {
	mu     sync.Mutex
	frames map[string][][]byte
	fail   map[string]error
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		frames: make(map[string][][]byte),
		fail:   make(map[string]error),
	}
}

func (f *fakeSender) SendMessage(connID string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fail[connID]; ok {
		return err
	}
	f.frames[connID] = append(f.frames[connID], data)
	return nil
}

// lastFrame decodes the most recent frame sent to connID into a map.
func (f *fakeSender) lastFrame(t *testing.T, connID string) map[string]interface{} {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	frames := f.frames[connID]
	if len(frames) == 0 {
		t.Fatalf("no frames sent to conn %s", connID)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(frames[len(frames)-1], &m); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return m
}

// fakePublisher captures published events and signals on each publish.
type fakePublisher struct {
	mu        sync.Mutex
	events    []*event.Event
	published chan *event.Event
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{published: make(chan *event.Event, 16)}
}

func (f *fakePublisher) Publish(ctx context.Context, e *event.Event, opts publisher.Options) error {
	f.mu.Lock()
	f.events = append(f.events, e)
	f.mu.Unlock()
	f.published <- e
	return nil
}

func (f *fakePublisher) byKind(kind event.Kind) []*event.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*event.Event
	for _, e := range f.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// waitForKind blocks until an event of the given kind is published.
func (f *fakePublisher) waitForKind(t *testing.T, kind event.Kind) *event.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-f.published:
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

// fakeCommander replies with a canned response or error.
type fakeCommander struct {
	mu    sync.Mutex
	resp  *orchestrator.CommandResponse
	err   error
	calls []orchestrator.CommandRequest
}

func (f *fakeCommander) Command(ctx context.Context, req orchestrator.CommandRequest) (*orchestrator.CommandResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return f.resp, f.err
}

func (f *fakeCommander) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeQueue captures enqueued analysis requests.
type fakeQueue struct {
	mu       sync.Mutex
	requests [][]byte
	err      error
}

func (f *fakeQueue) PublishAnalysisRequest(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.requests = append(f.requests, data)
	return nil
}

func newTestGateway(t *testing.T) (*Gateway, *registry.Registry, *fakeSender, *fakePublisher, *fakeCommander, *fakeQueue) {
	t.Helper()
	reg := registry.New(registry.DefaultConfig())
	sender := newFakeSender()
	pub := newFakePublisher()
	orch := &fakeCommander{resp: &orchestrator.CommandResponse{Response: "done", ExecutionTime: 42}}
	queue := &fakeQueue{}
	gw := New(reg, pub, orch, queue)
	gw.SetSender(sender)
	return gw, reg, sender, pub, orch, queue
}

// connect establishes a session the way the ws server would and returns
// the connection and its session.
func connect(t *testing.T, gw *Gateway, reg *registry.Registry, connID string) (*ws.Connection, *registry.Session) {
	t.Helper()
	conn := &ws.Connection{ID: connID}
	gw.HandleConnect(conn)
	sess := reg.SessionByConnection(connID)
	if sess == nil {
		t.Fatal("HandleConnect did not create a session")
	}
	return conn, sess
}

func TestHandleConnectSendsWelcome(t *testing.T) {
	gw, reg, sender, _, _, _ := newTestGateway(t)
	_, sess := connect(t, gw, reg, "c1")

	frame := sender.lastFrame(t, "c1")
	if frame["type"] != "connected" {
		t.Errorf("expected connected frame, got %v", frame["type"])
	}
	if frame["sessionId"] != sess.ID {
		t.Errorf("welcome should carry the session id, got %v", frame["sessionId"])
	}
}

func TestHandleDisconnectRemovesAndAnnounces(t *testing.T) {
	gw, reg, _, pub, _, _ := newTestGateway(t)
	_, sess := connect(t, gw, reg, "c1")

	gw.HandleDisconnect("c1")

	if reg.Session(sess.ID) != nil {
		t.Error("session should be removed on disconnect")
	}
	statuses := pub.byKind(event.KindConnectionStatus)
	if len(statuses) != 1 {
		t.Fatalf("expected 1 status event, got %d", len(statuses))
	}
	p := statuses[0].Payload.(event.ConnectionStatusPayload)
	if p.Status != event.StatusDisconnected {
		t.Errorf("status %q", p.Status)
	}
	if statuses[0].SessionID != sess.ID {
		t.Errorf("status names session %q", statuses[0].SessionID)
	}
}

func TestHandleDisconnectUnknownConnection(t *testing.T) {
	gw, _, _, pub, _, _ := newTestGateway(t)
	gw.HandleDisconnect("ghost")
	if len(pub.byKind(event.KindConnectionStatus)) != 0 {
		t.Error("unknown connection must not publish a status event")
	}
}

func TestPushDeliversEventFrame(t *testing.T) {
	gw, reg, sender, _, _, _ := newTestGateway(t)
	_, sess := connect(t, gw, reg, "c1")

	e := event.NewVoiceResponse(sess.ID, "hello", false)
	if err := gw.Push(sess.ID, e); err != nil {
		t.Fatalf("push: %v", err)
	}

	frame := sender.lastFrame(t, "c1")
	if frame["type"] != "event" {
		t.Fatalf("expected event frame, got %v", frame["type"])
	}
	inner, ok := frame["event"].(map[string]interface{})
	if !ok {
		t.Fatalf("embedded event missing: %v", frame)
	}
	if inner["id"] != e.ID {
		t.Errorf("embedded event id %v", inner["id"])
	}
	if inner["kind"] != string(event.KindVoiceResponse) {
		t.Errorf("embedded event kind %v", inner["kind"])
	}
}

func TestPushUnknownSessionUnreachable(t *testing.T) {
	gw, _, _, _, _, _ := newTestGateway(t)

	err := gw.Push("ghost", event.NewVoiceResponse("ghost", "x", false))
	if !errors.Is(err, dispatch.ErrRecipientUnreachable) {
		t.Fatalf("expected ErrRecipientUnreachable, got %v", err)
	}
}

func TestPushDeadConnectionUnreachable(t *testing.T) {
	gw, reg, sender, _, _, _ := newTestGateway(t)
	_, sess := connect(t, gw, reg, "c1")
	sender.fail["c1"] = errors.New("broken pipe")

	err := gw.Push(sess.ID, event.NewVoiceResponse(sess.ID, "x", false))
	if !errors.Is(err, dispatch.ErrRecipientUnreachable) {
		t.Fatalf("expected ErrRecipientUnreachable, got %v", err)
	}
}

func TestSubscribeConfirmsAndRegisters(t *testing.T) {
	gw, reg, sender, _, _, _ := newTestGateway(t)
	conn, sess := connect(t, gw, reg, "c1")

	gw.handleSubscribe(conn, mustParse(t, `{"type":"subscribe","eventKinds":["voice:response"]}`))

	frame := sender.lastFrame(t, "c1")
	if frame["type"] != "subscriptionConfirmed" {
		t.Fatalf("expected subscriptionConfirmed, got %v", frame["type"])
	}

	e := event.NewVoiceResponse("x", "a", false)
	if _, ok := reg.EventRecipients(e)[sess.ID]; !ok {
		t.Error("subscription was not registered")
	}
}

func TestSubscribeRejectsUnknownKind(t *testing.T) {
	gw, reg, sender, _, _, _ := newTestGateway(t)
	conn, sess := connect(t, gw, reg, "c1")

	gw.handleSubscribe(conn, mustParse(t, `{"type":"subscribe","eventKinds":["bogus:kind"]}`))

	frame := sender.lastFrame(t, "c1")
	if frame["type"] != "error" || frame["code"] != "invalid_kind" {
		t.Fatalf("expected invalid_kind error, got %v", frame)
	}
	if _, ok := reg.EventRecipients(event.NewVoiceResponse("x", "a", false))[sess.ID]; ok {
		t.Error("rejected subscribe must not register anything")
	}
}

func TestJoinRoomAtCap(t *testing.T) {
	config := registry.DefaultConfig()
	config.RoomCap = 1
	reg := registry.New(config)
	sender := newFakeSender()
	gw := New(reg, newFakePublisher(), &fakeCommander{}, nil)
	gw.SetSender(sender)

	connA, _ := connect(t, gw, reg, "c1")
	connB, _ := connect(t, gw, reg, "c2")

	gw.handleJoinRoom(connA, mustParse(t, `{"type":"joinRoom","room":"ops"}`))
	if frame := sender.lastFrame(t, "c1"); frame["type"] != "roomJoined" {
		t.Fatalf("first join should succeed, got %v", frame)
	}

	gw.handleJoinRoom(connB, mustParse(t, `{"type":"joinRoom","room":"ops"}`))
	frame := sender.lastFrame(t, "c2")
	if frame["type"] != "error" || frame["code"] != "room_full" {
		t.Fatalf("expected room_full error, got %v", frame)
	}
}

func TestVoiceCommandLowConfidenceNotForwarded(t *testing.T) {
	gw, reg, sender, pub, orch, _ := newTestGateway(t)
	conn, sess := connect(t, gw, reg, "c1")

	gw.handleVoiceCommand(conn, mustParse(t,
		`{"type":"voiceCommand","command":"delete","transcript":"uh delete","confidence":0.3}`))

	commands := pub.byKind(event.KindVoiceCommand)
	if len(commands) != 1 {
		t.Fatalf("expected the command event to publish, got %d", len(commands))
	}
	if commands[0].SessionID != sess.ID {
		t.Errorf("command published for session %q", commands[0].SessionID)
	}

	frame := sender.lastFrame(t, "c1")
	if frame["type"] != "voiceCommandReceived" {
		t.Fatalf("expected ack, got %v", frame["type"])
	}
	if frame["eventId"] != commands[0].ID {
		t.Errorf("ack should name the published event, got %v", frame["eventId"])
	}

	// Low confidence never reaches the orchestrator; the distribution
	// engine answers with a clarification instead.
	time.Sleep(50 * time.Millisecond)
	if orch.callCount() != 0 {
		t.Errorf("orchestrator called %d times for a low-confidence command", orch.callCount())
	}
}

func TestVoiceCommandForwardedAndAnswered(t *testing.T) {
	gw, reg, _, pub, orch, _ := newTestGateway(t)
	conn, sess := connect(t, gw, reg, "c1")

	gw.handleVoiceCommand(conn, mustParse(t,
		`{"type":"voiceCommand","command":"list users","transcript":"list users","confidence":0.95}`))

	reply := pub.waitForKind(t, event.KindVoiceResponse)
	p := reply.Payload.(event.VoiceResponsePayload)
	if p.Text != "done" || p.IsError {
		t.Errorf("unexpected reply payload: %+v", p)
	}
	if p.ExecutionTimeMS != 42 {
		t.Errorf("execution time not carried over: %d", p.ExecutionTimeMS)
	}
	if reply.SessionID != sess.ID {
		t.Errorf("reply addressed to %q", reply.SessionID)
	}
	if orch.callCount() != 1 {
		t.Errorf("orchestrator called %d times", orch.callCount())
	}
}

func TestVoiceCommandTimeoutProducesErrorReply(t *testing.T) {
	gw, reg, _, pub, orch, _ := newTestGateway(t)
	orch.resp = nil
	orch.err = fmt.Errorf("%w: deadline exceeded", orchestrator.ErrTimeout)
	conn, _ := connect(t, gw, reg, "c1")

	gw.handleVoiceCommand(conn, mustParse(t,
		`{"type":"voiceCommand","command":"list users","transcript":"list users","confidence":0.9}`))

	reply := pub.waitForKind(t, event.KindVoiceResponse)
	p := reply.Payload.(event.VoiceResponsePayload)
	if !p.IsError {
		t.Error("timeout reply should be an error response")
	}
	if p.Text != "The command timed out. Please try again." {
		t.Errorf("timeout reply text: %q", p.Text)
	}
}

func TestTextCommandAlwaysForwarded(t *testing.T) {
	gw, reg, _, pub, orch, _ := newTestGateway(t)
	conn, _ := connect(t, gw, reg, "c1")

	gw.handleTextCommand(conn, mustParse(t, `{"type":"textCommand","message":"list realms"}`))

	pub.waitForKind(t, event.KindVoiceResponse)
	if orch.callCount() != 1 {
		t.Fatalf("orchestrator called %d times", orch.callCount())
	}
	orch.mu.Lock()
	defer orch.mu.Unlock()
	if orch.calls[0].Source != "text" {
		t.Errorf("source %q", orch.calls[0].Source)
	}
}

func TestStartAnalysisEnqueues(t *testing.T) {
	gw, reg, sender, _, _, queue := newTestGateway(t)
	conn, sess := connect(t, gw, reg, "c1")

	gw.handleStartAnalysis(conn, mustParse(t,
		`{"type":"startAnalysis","analysisType":"event-volume","parameters":{"window":"15m"}}`))

	frame := sender.lastFrame(t, "c1")
	if frame["type"] != "analysisStarted" {
		t.Fatalf("expected analysisStarted, got %v", frame)
	}
	if frame["analysisId"] == "" || frame["analysisId"] == nil {
		t.Error("ack should carry the analysis id")
	}

	queue.mu.Lock()
	defer queue.mu.Unlock()
	if len(queue.requests) != 1 {
		t.Fatalf("expected 1 queued request, got %d", len(queue.requests))
	}
	var req analysis.Request
	if err := json.Unmarshal(queue.requests[0], &req); err != nil {
		t.Fatalf("decode queued request: %v", err)
	}
	if req.AnalysisType != "event-volume" || req.SessionID != sess.ID {
		t.Errorf("queued request mismatch: %+v", req)
	}
	if req.Parameters["window"] != "15m" {
		t.Errorf("parameters lost: %v", req.Parameters)
	}
}

func TestStartAnalysisWithoutQueue(t *testing.T) {
	reg := registry.New(registry.DefaultConfig())
	sender := newFakeSender()
	gw := New(reg, newFakePublisher(), &fakeCommander{}, nil)
	gw.SetSender(sender)
	conn, _ := connect(t, gw, reg, "c1")

	gw.handleStartAnalysis(conn, mustParse(t, `{"type":"startAnalysis","analysisType":"event-volume"}`))

	frame := sender.lastFrame(t, "c1")
	if frame["type"] != "error" || frame["code"] != "analysis_unavailable" {
		t.Fatalf("expected analysis_unavailable error, got %v", frame)
	}
}

func TestActionWithoutSession(t *testing.T) {
	gw, _, sender, _, _, _ := newTestGateway(t)
	conn := &ws.Connection{ID: "never-connected"}

	gw.handleJoinRoom(conn, mustParse(t, `{"type":"joinRoom","room":"ops"}`))

	frame := sender.lastFrame(t, "never-connected")
	if frame["type"] != "error" || frame["code"] != "no_session" {
		t.Fatalf("expected no_session error, got %v", frame)
	}
}

// mustParse decodes a raw client frame through the protocol parser so the
// handlers receive exactly what the dispatcher would hand them.
func mustParse(t *testing.T, raw string) interface{} {
	t.Helper()
	_, msg, err := protocol.ParseClientMessage([]byte(raw))
	if err != nil {
		t.Fatalf("parse client frame: %v", err)
	}
	return msg
}
