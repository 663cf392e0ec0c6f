// Package gateway is the application layer between WebSocket connections
// and the event pipeline. It creates and destroys registry sessions as
// connections come and go, translates inbound client actions into registry
// operations or published events, forwards operator commands to the
// external orchestrator, and implements the per-session push used by the
// distribution engine.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/voiceops/admin-gateway/internal/analysis"
	"github.com/voiceops/admin-gateway/internal/dispatch"
	"github.com/voiceops/admin-gateway/internal/event"
	"github.com/voiceops/admin-gateway/internal/orchestrator"
	"github.com/voiceops/admin-gateway/internal/protocol"
	"github.com/voiceops/admin-gateway/internal/publisher"
	"github.com/voiceops/admin-gateway/internal/registry"
	"github.com/voiceops/admin-gateway/internal/ws"
)

// sender delivers a raw frame to one connection; implemented by ws.Server.
type sender interface {
	SendMessage(connID string, data []byte) error
}

// eventPublisher is the slice of the publisher the gateway needs.
type eventPublisher interface {
	Publish(ctx context.Context, e *event.Event, opts publisher.Options) error
}

// commander forwards operator commands to the external orchestrator.
type commander interface {
	Command(ctx context.Context, req orchestrator.CommandRequest) (*orchestrator.CommandResponse, error)
}

// analysisQueue enqueues analysis jobs for the worker pool.
type analysisQueue interface {
	PublishAnalysisRequest(data []byte) error
}

// Gateway wires connection lifecycle and client actions into the registry
// and event pipeline.
type Gateway struct {
	registry  *registry.Registry
	publisher eventPublisher
	orch      commander
	analysis  analysisQueue // optional; nil disables startAnalysis
	sender    sender
}

// New creates a Gateway. The sender (the ws server) is attached later via
// SetSender because the server itself needs the gateway's callbacks first.
func New(reg *registry.Registry, pub eventPublisher, orch commander, queue analysisQueue) *Gateway {
	return &Gateway{
		registry:  reg,
		publisher: pub,
		orch:      orch,
		analysis:  queue,
	}
}

// SetSender attaches the frame sender (the ws server).
func (g *Gateway) SetSender(s sender) {
	g.sender = s
}

// RegisterHandlers binds every inbound action to the dispatcher.
func (g *Gateway) RegisterHandlers(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeSubscribe, g.handleSubscribe)
	d.Register(protocol.TypeUnsubscribe, g.handleUnsubscribe)
	d.Register(protocol.TypeJoinRoom, g.handleJoinRoom)
	d.Register(protocol.TypeLeaveRoom, g.handleLeaveRoom)
	d.Register(protocol.TypeVoiceCommand, g.handleVoiceCommand)
	d.Register(protocol.TypeTextCommand, g.handleTextCommand)
	d.Register(protocol.TypeStartAnalysis, g.handleStartAnalysis)
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

// HandleConnect creates a session for a new connection and sends the
// welcome acknowledgement carrying the session id.
func (g *Gateway) HandleConnect(conn *ws.Connection) {
	sess := g.registry.CreateSession(conn.ID, registry.Metadata{})
	g.send(conn.ID, protocol.TypeConnected, protocol.ConnectedMsg{SessionID: sess.ID})
	log.Printf("gateway: session created session=%s conn=%s", sess.ID, conn.ID)
}

// HandleDisconnect removes the session bound to a closed connection and
// announces the disconnect on the broker so other interested parties see
// it (the reaction rule for connection:status is idempotent with this
// removal).
func (g *Gateway) HandleDisconnect(connID string) {
	sess := g.registry.SessionByConnection(connID)
	if sess == nil {
		return
	}
	g.registry.RemoveSession(sess.ID)

	status := event.NewConnectionStatus(sess.ID, event.StatusDisconnected, g.registry.Count(), 0)
	if err := g.publisher.Publish(context.Background(), status, publisher.Options{}); err != nil {
		log.Printf("gateway: disconnect status for session=%s: %v", sess.ID, err)
	}
	log.Printf("gateway: session removed session=%s conn=%s", sess.ID, connID)
}

// HandleReap closes the connection of an idle-reaped session.
func (g *Gateway) HandleReap(sessionID, connectionID string) {
	if err := g.sender.SendMessage(connectionID, mustServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    "idle_timeout",
		Message: "session closed after inactivity",
	})); err != nil {
		log.Printf("gateway: idle notice conn=%s: %v", connectionID, err)
	}
}

// ---------------------------------------------------------------------------
// Pusher (used by the distribution engine)
// ---------------------------------------------------------------------------

// Push delivers one validated event to a recipient session's connection.
// A session or connection that is already gone returns
// dispatch.ErrRecipientUnreachable so the engine skips it silently.
func (g *Gateway) Push(sessionID string, e *event.Event) error {
	sess := g.registry.Session(sessionID)
	if sess == nil {
		return fmt.Errorf("%w: session %s", dispatch.ErrRecipientUnreachable, sessionID)
	}

	raw, err := event.Marshal(e)
	if err != nil {
		return err
	}
	data, err := protocol.NewServerMessage(protocol.TypeEvent, protocol.EventMsg{
		Event: json.RawMessage(raw),
	})
	if err != nil {
		return err
	}

	if err := g.sender.SendMessage(sess.ConnectionID, data); err != nil {
		return fmt.Errorf("%w: conn %s: %v", dispatch.ErrRecipientUnreachable, sess.ConnectionID, err)
	}
	return nil
}

var _ dispatch.Pusher = (*Gateway)(nil)

// ---------------------------------------------------------------------------
// Inbound action handlers
// ---------------------------------------------------------------------------

func (g *Gateway) handleSubscribe(conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.SubscribeMsg)
	sess := g.sessionFor(conn)
	if sess == nil {
		return
	}

	kinds, err := parseKinds(m.EventKinds)
	if err != nil {
		g.sendError(conn, "invalid_kind", err.Error())
		return
	}

	sub := registry.NewSubscription(kinds...)
	sub.Room = m.Room
	if m.Filters != nil {
		sub.UserID = m.Filters.UserID
		sub.Realm = m.Filters.Realm
	}
	g.registry.Subscribe(sess.ID, sub)

	g.send(conn.ID, protocol.TypeSubscriptionConfirmed, protocol.SubscriptionConfirmedMsg{
		EventKinds: m.EventKinds,
		Room:       m.Room,
	})
}

func (g *Gateway) handleUnsubscribe(conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.UnsubscribeMsg)
	sess := g.sessionFor(conn)
	if sess == nil {
		return
	}

	kinds, err := parseKinds(m.EventKinds)
	if err != nil {
		g.sendError(conn, "invalid_kind", err.Error())
		return
	}

	g.registry.Unsubscribe(sess.ID, kinds, m.Room)
	g.send(conn.ID, protocol.TypeUnsubscribed, protocol.UnsubscribedMsg{EventKinds: m.EventKinds})
}

func (g *Gateway) handleJoinRoom(conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.JoinRoomMsg)
	sess := g.sessionFor(conn)
	if sess == nil {
		return
	}
	if m.Room == "" {
		g.sendError(conn, "invalid_room", "room name is empty")
		return
	}

	if !g.registry.JoinRoom(sess.ID, m.Room) {
		g.sendError(conn, "room_full", "room is at its membership cap")
		return
	}
	g.send(conn.ID, protocol.TypeRoomJoined, protocol.RoomJoinedMsg{Room: m.Room})
}

func (g *Gateway) handleLeaveRoom(conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.LeaveRoomMsg)
	sess := g.sessionFor(conn)
	if sess == nil {
		return
	}
	g.registry.LeaveRoom(sess.ID, m.Room)
	g.send(conn.ID, protocol.TypeRoomLeft, protocol.RoomLeftMsg{Room: m.Room})
}

func (g *Gateway) handleVoiceCommand(conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.VoiceCommandMsg)
	sess := g.sessionFor(conn)
	if sess == nil {
		return
	}
	g.runCommand(sess, conn, m.Command, m.Transcript, m.Confidence, "voice")
}

func (g *Gateway) handleTextCommand(conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.TextCommandMsg)
	sess := g.sessionFor(conn)
	if sess == nil {
		return
	}
	// Typed commands carry full confidence; they never need clarification.
	g.runCommand(sess, conn, m.Message, m.Message, 1.0, "text")
}

// runCommand publishes the voice:command event, acks the client, and
// forwards the command to the orchestrator. Low-confidence commands are
// not forwarded; the distribution engine's reaction rule answers them
// with a clarification response instead.
func (g *Gateway) runCommand(sess *registry.Session, conn *ws.Connection, command, transcript string, confidence float64, source string) {
	ctx := context.Background()

	cmd := event.NewVoiceCommand(sess.ID, command, transcript, confidence)
	if err := g.publisher.Publish(ctx, cmd, publisher.Options{Persistent: true}); err != nil {
		log.Printf("gateway: voice command publish session=%s: %v", sess.ID, err)
		g.sendError(conn, "publish_failed", "command could not be accepted")
		return
	}

	g.send(conn.ID, protocol.TypeVoiceCommandReceived, protocol.VoiceCommandReceivedMsg{EventID: cmd.ID})

	if confidence < dispatch.ClarifyThreshold {
		return
	}

	go g.forwardCommand(sess.ID, command, source)
}

// forwardCommand calls the orchestrator and publishes the resulting
// voice:response. Every outcome, including timeout, produces a response
// event; the client is never left without a reply.
func (g *Gateway) forwardCommand(sessionID, command, source string) {
	ctx := context.Background()

	resp, err := g.orch.Command(ctx, orchestrator.CommandRequest{
		Message:   command,
		SessionID: sessionID,
		Source:    source,
	})

	var reply *event.Event
	switch {
	case errors.Is(err, orchestrator.ErrTimeout):
		log.Printf("gateway: orchestrator timeout session=%s", sessionID)
		reply = event.NewVoiceResponse(sessionID, "The command timed out. Please try again.", true)
	case err != nil:
		log.Printf("gateway: orchestrator error session=%s: %v", sessionID, err)
		reply = event.NewVoiceResponse(sessionID, "The command could not be executed.", true)
	default:
		reply = event.NewVoiceResponse(sessionID, resp.Response, false)
		if p, ok := reply.Payload.(event.VoiceResponsePayload); ok {
			p.ExecutionTimeMS = resp.ExecutionTime
			reply.Payload = p
		}
	}

	if err := g.publisher.Publish(ctx, reply, publisher.Options{Persistent: true}); err != nil {
		log.Printf("gateway: voice response publish session=%s: %v", sessionID, err)
	}
}

func (g *Gateway) handleStartAnalysis(conn *ws.Connection, msg interface{}) {
	m := msg.(protocol.StartAnalysisMsg)
	sess := g.sessionFor(conn)
	if sess == nil {
		return
	}
	if g.analysis == nil {
		g.sendError(conn, "analysis_unavailable", "analysis workers are not configured")
		return
	}
	if m.AnalysisType == "" {
		g.sendError(conn, "invalid_analysis", "analysisType is required")
		return
	}

	req := analysis.Request{
		AnalysisID:   uuid.New().String(),
		AnalysisType: m.AnalysisType,
		SessionID:    sess.ID,
		Parameters:   m.Parameters,
	}
	data, err := json.Marshal(req)
	if err != nil {
		g.sendError(conn, "invalid_analysis", "analysis request could not be encoded")
		return
	}
	if err := g.analysis.PublishAnalysisRequest(data); err != nil {
		log.Printf("gateway: analysis enqueue session=%s: %v", sess.ID, err)
		g.sendError(conn, "analysis_unavailable", "analysis request could not be queued")
		return
	}

	g.send(conn.ID, protocol.TypeAnalysisStarted, protocol.AnalysisStartedMsg{
		AnalysisID:   req.AnalysisID,
		AnalysisType: req.AnalysisType,
	})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// sessionFor resolves the session bound to a connection, replying with an
// error frame when the binding is gone (e.g. reaped mid-flight).
func (g *Gateway) sessionFor(conn *ws.Connection) *registry.Session {
	sess := g.registry.SessionByConnection(conn.ID)
	if sess == nil {
		g.sendError(conn, "no_session", "no session for this connection")
	}
	return sess
}

// parseKinds validates client-supplied kind names. The wildcard "*" is
// allowed; unknown names are rejected.
func parseKinds(names []string) ([]event.Kind, error) {
	kinds := make([]event.Kind, 0, len(names))
	for _, name := range names {
		k := event.Kind(name)
		if k != event.KindWildcard && !k.Valid() {
			return nil, fmt.Errorf("unknown event kind %q", name)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

func (g *Gateway) send(connID, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("gateway: build %s message: %v", msgType, err)
		return
	}
	if err := g.sender.SendMessage(connID, data); err != nil {
		log.Printf("gateway: send %s conn=%s: %v", msgType, connID, err)
	}
}

func (g *Gateway) sendError(conn *ws.Connection, code, message string) {
	g.send(conn.ID, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

func mustServerMessage(msgType string, payload interface{}) []byte {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		panic(err)
	}
	return data
}
