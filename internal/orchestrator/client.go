// Package orchestrator is the HTTP client for the external command
// orchestrator: the service that plans and executes tool calls against the
// identity directory and graph database. The gateway forwards operator
// commands here with a bounded timeout; on timeout or error the caller
// synthesizes an error voice response so the client is never left without
// a reply.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/voiceops/admin-gateway/internal/metrics"
)

// ErrTimeout marks an orchestrator call that exceeded its deadline.
var ErrTimeout = errors.New("orchestrator timeout")

// DefaultTimeout bounds each command round-trip.
const DefaultTimeout = 30 * time.Second

// CommandRequest is the payload forwarded to the orchestrator.
type CommandRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
	Source    string `json:"source"` // "voice" or "text"
}

// CommandResponse is the orchestrator's reply.
type CommandResponse struct {
	Response      string `json:"response"`
	ExecutionTime int64  `json:"executionTime,omitempty"` // milliseconds
}

// Config holds orchestrator client settings.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8002",
		Timeout: DefaultTimeout,
	}
}

// Client posts operator commands to the orchestrator's command endpoint.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client with the given configuration.
func New(config Config) *Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: config.BaseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// Command forwards one operator command and returns the orchestrator's
// reply. A deadline overrun returns an error wrapping ErrTimeout.
func (c *Client) Command(ctx context.Context, req CommandRequest) (*CommandResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/command", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	metrics.OrchestratorDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isClientTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("orchestrator: command: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("orchestrator: command status %d: %s", resp.StatusCode, data)
	}

	var out CommandResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("orchestrator: decode response: %w", err)
	}
	return &out, nil
}

// isClientTimeout detects net-level timeouts surfaced by http.Client.
func isClientTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	var t timeouter
	return errors.As(err, &t) && t.Timeout()
}
