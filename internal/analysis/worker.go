package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/voiceops/admin-gateway/internal/event"
	"github.com/voiceops/admin-gateway/internal/messaging"
	"github.com/voiceops/admin-gateway/internal/publisher"
)

// eventPublisher is the slice of the publisher the worker needs.
type eventPublisher interface {
	Publish(ctx context.Context, e *event.Event, opts publisher.Options) error
}

// Service consumes analysis jobs from the NATS queue group and publishes
// progress and completion events through the event broker.
type Service struct {
	nats      *messaging.NATSClient
	publisher eventPublisher
	analyzers map[string]Analyzer
}

// NewService creates a worker service. Analyzers are registered per
// analysis type with Register before Run.
func NewService(nc *messaging.NATSClient, pub eventPublisher) *Service {
	return &Service{
		nats:      nc,
		publisher: pub,
		analyzers: make(map[string]Analyzer),
	}
}

// Register binds an analyzer to an analysis type name.
func (s *Service) Register(analysisType string, a Analyzer) {
	s.analyzers[analysisType] = a
}

// Run joins the analyzer queue group. Each delivered job runs on the NATS
// callback goroutine; jobs are independent, and a failed run publishes a
// zero-pattern completion so the requesting client still gets a result.
func (s *Service) Run() error {
	return s.nats.SubscribeAnalysisRequests(func(data []byte) {
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			log.Printf("[analyzer] failed to unmarshal request: %v", err)
			return
		}
		s.handle(context.Background(), req)
	})
}

func (s *Service) handle(ctx context.Context, req Request) {
	analyzer, ok := s.analyzers[req.AnalysisType]
	if !ok {
		log.Printf("[analyzer] unknown analysis type %q (id=%s)", req.AnalysisType, req.AnalysisID)
		s.publishCompleted(ctx, req, &Result{Summary: fmt.Sprintf("unknown analysis type %q", req.AnalysisType)})
		return
	}

	log.Printf("[analyzer] starting analysis id=%s type=%s session=%s",
		req.AnalysisID, req.AnalysisType, req.SessionID)

	progress := func(percent int, stage string) {
		e := event.NewAnalysisProgress(req.SessionID, req.AnalysisID, req.AnalysisType, percent, stage)
		if err := s.publisher.Publish(ctx, e, publisher.Options{}); err != nil {
			log.Printf("[analyzer] progress publish id=%s: %v", req.AnalysisID, err)
		}
	}

	result, err := analyzer.Analyze(ctx, req, progress)
	if err != nil {
		log.Printf("[analyzer] analysis failed id=%s: %v", req.AnalysisID, err)
		result = &Result{Summary: "analysis failed: " + err.Error()}
	}

	s.publishCompleted(ctx, req, result)
}

// publishCompleted emits the analysis:completed event; the distribution
// engine derives pattern:detected events from its patterns.
func (s *Service) publishCompleted(ctx context.Context, req Request, result *Result) {
	e := event.NewAnalysisCompleted(req.SessionID, req.AnalysisID, req.AnalysisType, result.Summary, result.Patterns)
	if err := s.publisher.Publish(ctx, e, publisher.Options{Persistent: true}); err != nil {
		log.Printf("[analyzer] completed publish id=%s: %v", req.AnalysisID, err)
		return
	}
	log.Printf("[analyzer] analysis completed id=%s patterns=%d", req.AnalysisID, len(result.Patterns))
}
