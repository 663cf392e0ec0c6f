// Package analysis runs backend analysis jobs dispatched by gateways over
// the NATS work queue. Progress and results are published as domain events
// through the event broker, so they reach subscribed clients through the
// normal distribution path.
package analysis

import (
	"context"
	"fmt"
	"time"

	"github.com/voiceops/admin-gateway/internal/event"
)

// Request is one analysis job, serialized onto the work queue.
type Request struct {
	AnalysisID   string            `json:"analysis_id"`
	AnalysisType string            `json:"analysis_type"`
	SessionID    string            `json:"session_id"`
	Parameters   map[string]string `json:"parameters,omitempty"`
}

// Result is the outcome of one analysis run.
type Result struct {
	Summary  string
	Patterns []event.Pattern
}

// ProgressFunc reports an in-flight run's completion percentage and stage.
type ProgressFunc func(percent int, stage string)

// Analyzer executes one analysis type. Implementations report progress
// through the callback; the service turns those into analysis:progress
// events.
type Analyzer interface {
	Analyze(ctx context.Context, req Request, progress ProgressFunc) (*Result, error)
}

// HistoryReader is the slice of the publisher's query surface the volume
// analyzer needs.
type HistoryReader interface {
	EventsByKind(ctx context.Context, kind event.Kind, from, to time.Time, limit int) ([]*event.Event, error)
}

// VolumeAnalyzer inspects the persisted per-kind event indices and flags
// kinds whose recent volume exceeds a threshold. It is the built-in
// analysis type "event-volume".
type VolumeAnalyzer struct {
	History   HistoryReader
	Window    time.Duration // lookback window, default 15m
	Threshold int           // events per kind considered a spike, default 50
}

// Analyze scans every event kind's recent history and emits one pattern
// per kind whose volume crosses the threshold.
func (a *VolumeAnalyzer) Analyze(ctx context.Context, req Request, progress ProgressFunc) (*Result, error) {
	window := a.Window
	if window <= 0 {
		window = 15 * time.Minute
	}
	threshold := a.Threshold
	if threshold <= 0 {
		threshold = 50
	}

	now := time.Now()
	from := now.Add(-window)

	var patterns []event.Pattern
	total := 0
	for i, kind := range event.Kinds {
		events, err := a.History.EventsByKind(ctx, kind, from, now, 0)
		if err != nil {
			return nil, fmt.Errorf("analysis: volume scan %s: %w", kind, err)
		}
		total += len(events)
		if len(events) >= threshold {
			patterns = append(patterns, event.Pattern{
				Name:        "volume-spike:" + string(kind),
				Description: fmt.Sprintf("%d %s events in the last %s", len(events), kind, window),
				Score:       float64(len(events)) / float64(threshold),
			})
		}
		progress((i+1)*100/len(event.Kinds), "scanning "+string(kind))
	}

	return &Result{
		Summary:  fmt.Sprintf("scanned %d persisted events across %d kinds", total, len(event.Kinds)),
		Patterns: patterns,
	}, nil
}
