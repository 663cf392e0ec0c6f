// Package dispatch is the distribution engine: it resolves the recipient
// session set for each event, pushes the event to every recipient's live
// connection, and runs kind-specific reaction rules that may synthesize
// follow-up events. Synthesized events always re-enter through the
// publisher so they pass the same validation and fan-out path.
package dispatch

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/voiceops/admin-gateway/internal/event"
	"github.com/voiceops/admin-gateway/internal/metrics"
	"github.com/voiceops/admin-gateway/internal/publisher"
	"github.com/voiceops/admin-gateway/internal/registry"
)

// ClarifyThreshold is the voice-command confidence below which the engine
// synthesizes a clarification response.
const ClarifyThreshold = 0.7

// ErrRecipientUnreachable marks a push against a registry entry whose
// connection is already gone. The recipient is skipped; nothing fails.
var ErrRecipientUnreachable = errors.New("recipient unreachable")

// Pusher delivers one event to one session's live connection. A stale or
// closed connection returns an error wrapping ErrRecipientUnreachable.
type Pusher interface {
	Push(sessionID string, e *event.Event) error
}

// EventPublisher is the slice of the publisher the engine needs to emit
// derived events.
type EventPublisher interface {
	Publish(ctx context.Context, e *event.Event, opts publisher.Options) error
}

// AuditStore persists error/critical compliance alerts for later review
// and answers the volume query behind the escalation log.
type AuditStore interface {
	RecordAlert(ctx context.Context, e *event.Event, p event.ComplianceAlertPayload) error
	CountRecent(ctx context.Context, realm string, window time.Duration) (int, error)
}

// ReactionGuard elects the one instance that runs an event's reaction
// rules. Every gateway instance sharing a broker distributes each event to
// its own sessions, but derived events and shared-store writes must happen
// once across the fleet; FirstReaction returns true for exactly one caller
// per event id. A nil guard means single-instance deployment.
type ReactionGuard interface {
	FirstReaction(ctx context.Context, eventID string) bool
}

// GraphCounters tracks node/relationship mutation volume. Monitoring only.
type GraphCounters interface {
	RecordGraphUpdate(ctx context.Context, p event.GraphUpdatePayload) error
}

// Engine wires recipient resolution, per-session pushes, and reaction
// rules together. Construct it once at process start and register
// HandleEvent with the subscriber.
type Engine struct {
	registry  *registry.Registry
	pusher    Pusher
	publisher EventPublisher
	audit     AuditStore    // optional
	graph     GraphCounters // optional
	guard     ReactionGuard // optional; nil reacts unconditionally
	startedAt time.Time
	done      chan struct{}
	stopOnce  sync.Once
}

// New creates an Engine. audit and graph may be nil; the corresponding
// reaction rules then only log. guard may be nil for single-instance
// deployments.
func New(reg *registry.Registry, pusher Pusher, pub EventPublisher, audit AuditStore, graph GraphCounters, guard ReactionGuard) *Engine {
	return &Engine{
		registry:  reg,
		pusher:    pusher,
		publisher: pub,
		audit:     audit,
		graph:     graph,
		guard:     guard,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// HandleEvent distributes one event to its local recipients and runs the
// reaction rules for its kind. Per-recipient and per-rule failures are
// isolated and logged; HandleEvent itself never fails distribution.
func (en *Engine) HandleEvent(ctx context.Context, e *event.Event) error {
	recipients := en.registry.EventRecipients(e)
	if len(recipients) == 0 {
		metrics.EventsDropped.WithLabelValues("no_recipients").Inc()
	} else {
		en.pushAll(e, recipients)
	}

	en.react(ctx, e)
	return nil
}

// pushAll pushes the event to every recipient concurrently and waits for
// all pushes to settle; one recipient's failure never cancels the others.
// Recipients whose connection is already gone are skipped.
func (en *Engine) pushAll(e *event.Event, recipients map[string]struct{}) {
	var wg sync.WaitGroup
	var okCount int64
	var mu sync.Mutex

	for id := range recipients {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			err := en.pusher.Push(id, e)
			metrics.PushLatency.Observe(time.Since(start).Seconds())
			if err != nil {
				if !errors.Is(err, ErrRecipientUnreachable) {
					log.Printf("dispatch: push failed session=%s event=%s kind=%s: %v", id, e.ID, e.Kind, err)
				}
				return
			}
			en.registry.UpdateLastActivity(id)
			mu.Lock()
			okCount++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if okCount > 0 {
		metrics.EventsDispatched.WithLabelValues(string(e.Kind)).Add(float64(okCount))
	}
}

// react applies the kind-specific reaction rules. Session removal is
// per-process; every other rule publishes derived events or writes shared
// stores, so with multiple instances only the guard's elected winner runs
// them.
func (en *Engine) react(ctx context.Context, e *event.Event) {
	if p, ok := e.Payload.(event.ConnectionStatusPayload); ok {
		if p.Status == event.StatusDisconnected && e.SessionID != "" {
			en.registry.RemoveSession(e.SessionID)
		}
		return
	}

	if en.guard != nil && !en.guard.FirstReaction(ctx, e.ID) {
		return
	}

	switch p := e.Payload.(type) {
	case event.UserCreatedPayload:
		en.reactUserCreated(ctx, e, p)
	case event.AnalysisCompletedPayload:
		en.reactAnalysisCompleted(ctx, e, p)
	case event.ComplianceAlertPayload:
		en.reactComplianceAlert(ctx, e, p)
	case event.VoiceCommandPayload:
		en.reactVoiceCommand(ctx, e, p)
	case event.GraphUpdatePayload:
		en.reactGraphUpdate(ctx, p)
	}
}

// reactUserCreated notifies the realm's admin room with a derived
// compliance:check event naming the new user.
func (en *Engine) reactUserCreated(ctx context.Context, e *event.Event, p event.UserCreatedPayload) {
	if e.Realm == "" {
		return
	}
	check := event.NewComplianceCheck(e.Realm, p.UserID, p.Username)
	if err := en.publisher.Publish(ctx, check, publisher.Options{}); err != nil {
		log.Printf("dispatch: derived compliance:check for user=%s: %v", p.UserID, err)
		metrics.HandlerErrors.Inc()
	}
}

// reactAnalysisCompleted emits one pattern:detected event per discovered
// pattern.
func (en *Engine) reactAnalysisCompleted(ctx context.Context, e *event.Event, p event.AnalysisCompletedPayload) {
	for _, pattern := range p.Patterns {
		derived := event.NewPatternDetected(e.SessionID, p.AnalysisID, pattern)
		if err := en.publisher.Publish(ctx, derived, publisher.Options{}); err != nil {
			log.Printf("dispatch: pattern:detected for analysis=%s: %v", p.AnalysisID, err)
			metrics.HandlerErrors.Inc()
		}
	}
}

// Alert volume above this count inside the escalation window is called
// out separately in the log, on top of the per-alert warnings.
const (
	alertEscalationThreshold = 5
	alertEscalationWindow    = 1 * time.Hour
)

// reactComplianceAlert logs error/critical alerts at warning level,
// records them in the audit store, and flags realms whose recent alert
// volume crosses the escalation threshold. Delivery to the realm's admin
// room (bypassing subscription filters) already happened during recipient
// resolution, which includes that room for these severities.
func (en *Engine) reactComplianceAlert(ctx context.Context, e *event.Event, p event.ComplianceAlertPayload) {
	if p.Severity != event.SeverityError && p.Severity != event.SeverityCritical {
		return
	}
	log.Printf("dispatch: WARNING compliance alert realm=%s severity=%s rule=%s: %s",
		e.Realm, p.Severity, p.Rule, p.Message)

	if en.audit == nil {
		return
	}
	if err := en.audit.RecordAlert(ctx, e, p); err != nil {
		log.Printf("dispatch: audit record for event=%s: %v", e.ID, err)
		return
	}

	if e.Realm == "" {
		return
	}
	n, err := en.audit.CountRecent(ctx, e.Realm, alertEscalationWindow)
	if err != nil {
		log.Printf("dispatch: alert volume query realm=%s: %v", e.Realm, err)
		return
	}
	if n >= alertEscalationThreshold {
		log.Printf("dispatch: WARNING alert volume realm=%s count=%d window=%s",
			e.Realm, n, alertEscalationWindow)
	}
}

// reactVoiceCommand synthesizes exactly one clarification response when
// recognition confidence is below the threshold.
func (en *Engine) reactVoiceCommand(ctx context.Context, e *event.Event, p event.VoiceCommandPayload) {
	if p.Confidence >= ClarifyThreshold {
		return
	}
	clarify := event.NewClarificationResponse(e.SessionID)
	if err := en.publisher.Publish(ctx, clarify, publisher.Options{}); err != nil {
		log.Printf("dispatch: clarification for session=%s: %v", e.SessionID, err)
		metrics.HandlerErrors.Inc()
	}
}

// reactGraphUpdate bumps the node/relationship type counters.
func (en *Engine) reactGraphUpdate(ctx context.Context, p event.GraphUpdatePayload) {
	if en.graph == nil {
		return
	}
	if err := en.graph.RecordGraphUpdate(ctx, p); err != nil {
		log.Printf("dispatch: graph counters: %v", err)
	}
}

// PerformHealthCheck publishes a non-persistent connection:status
// heartbeat summarizing active session count and engine uptime. Liveness
// signal only; never used for correctness.
func (en *Engine) PerformHealthCheck(ctx context.Context) {
	hb := event.NewConnectionStatus("", event.StatusHeartbeat, en.registry.Count(), time.Since(en.startedAt))
	if err := en.publisher.Publish(ctx, hb, publisher.Options{}); err != nil {
		log.Printf("dispatch: health check publish: %v", err)
	}
}

// StartHealthLoop runs PerformHealthCheck on the given interval until
// Shutdown.
func (en *Engine) StartHealthLoop(interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-en.done:
				return
			case <-ticker.C:
				en.PerformHealthCheck(context.Background())
			}
		}
	}()
}

// Shutdown stops the health loop.
func (en *Engine) Shutdown() {
	en.stopOnce.Do(func() { close(en.done) })
}
