// Package event defines the closed set of domain events exchanged between
// backend workers and gateway clients. Every event carries a kind
// discriminant that selects exactly one payload schema; validation reads
// the discriminant first and never guesses between schemas.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies which payload schema and reaction rules apply to an event.
type Kind string

// The closed event kind enumeration. KindWildcard is valid only in
// subscriptions ("all kinds"); an event must never carry it.
const (
	KindConnectionStatus  Kind = "connection:status"
	KindCommandAck        Kind = "command:ack"
	KindVoiceCommand      Kind = "voice:command"
	KindVoiceResponse     Kind = "voice:response"
	KindUserCreated       Kind = "user:created"
	KindComplianceAlert   Kind = "compliance:alert"
	KindComplianceCheck   Kind = "compliance:check"
	KindAnalysisProgress  Kind = "analysis:progress"
	KindAnalysisCompleted Kind = "analysis:completed"
	KindPatternDetected   Kind = "pattern:detected"
	KindGraphUpdate       Kind = "graph:update"
	KindWildcard          Kind = "*"
)

// Kinds lists every concrete event kind (wildcard excluded) in a fixed
// order, used for channel enumeration and metrics labels.
var Kinds = []Kind{
	KindConnectionStatus,
	KindCommandAck,
	KindVoiceCommand,
	KindVoiceResponse,
	KindUserCreated,
	KindComplianceAlert,
	KindComplianceCheck,
	KindAnalysisProgress,
	KindAnalysisCompleted,
	KindPatternDetected,
	KindGraphUpdate,
}

// Valid reports whether k is a concrete event kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Severity levels for compliance alerts.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Connection status values carried by connection:status events.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusHeartbeat    = "heartbeat"
)

// Event is an immutable domain event. ID and Timestamp are assigned by the
// publisher when absent; SessionID names the originating or target session.
type Event struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id,omitempty"`
	Realm     string    `json:"realm,omitempty"`
	Payload   Payload   `json:"payload"`
}

// Payload is implemented by every per-kind payload struct.
type Payload interface {
	EventKind() Kind
}

// ---------------------------------------------------------------------------
// Payload schemas, one per kind
// ---------------------------------------------------------------------------

// ConnectionStatusPayload reports a session lifecycle change or a periodic
// liveness heartbeat from the distribution engine.
type ConnectionStatusPayload struct {
	Status         string `json:"status"` // connected | disconnected | heartbeat
	ActiveSessions int    `json:"active_sessions,omitempty"`
	UptimeSeconds  int64  `json:"uptime_seconds,omitempty"`
}

// CommandAckPayload acknowledges receipt or completion of an operator command.
type CommandAckPayload struct {
	Command string `json:"command"`
	Status  string `json:"status"` // received | completed | failed
	Detail  string `json:"detail,omitempty"`
}

// VoiceCommandPayload carries a recognized operator utterance.
type VoiceCommandPayload struct {
	Command    string  `json:"command"`
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

// VoiceResponsePayload is the reply pushed back to the commanding session.
type VoiceResponsePayload struct {
	Text            string `json:"text"`
	IsError         bool   `json:"is_error,omitempty"`
	Clarification   bool   `json:"clarification,omitempty"`
	ExecutionTimeMS int64  `json:"execution_time_ms,omitempty"`
}

// UserCreatedPayload announces a new account in the identity directory.
type UserCreatedPayload struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// ComplianceAlertPayload flags a policy violation detected by a worker.
type ComplianceAlertPayload struct {
	Severity string `json:"severity"` // info | warning | error | critical
	Rule     string `json:"rule"`
	Message  string `json:"message"`
}

// ComplianceCheckPayload is an informational event derived from directory
// changes, asking realm admins to review a subject.
type ComplianceCheckPayload struct {
	SubjectID string `json:"subject_id"`
	Username  string `json:"username"`
	Message   string `json:"message"`
}

// Pattern is one structure discovered by an analysis run.
type Pattern struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Score       float64 `json:"score,omitempty"`
}

// AnalysisProgressPayload reports an in-flight analysis run.
type AnalysisProgressPayload struct {
	AnalysisID   string `json:"analysis_id"`
	AnalysisType string `json:"analysis_type"`
	Percent      int    `json:"percent"`
	Stage        string `json:"stage,omitempty"`
}

// AnalysisCompletedPayload carries the final result of an analysis run.
type AnalysisCompletedPayload struct {
	AnalysisID   string    `json:"analysis_id"`
	AnalysisType string    `json:"analysis_type"`
	Summary      string    `json:"summary,omitempty"`
	Patterns     []Pattern `json:"patterns,omitempty"`
}

// PatternDetectedPayload is derived from analysis:completed, one per pattern.
type PatternDetectedPayload struct {
	AnalysisID string  `json:"analysis_id"`
	Pattern    Pattern `json:"pattern"`
}

// GraphUpdatePayload describes a mutation applied to the graph database.
type GraphUpdatePayload struct {
	Operation             string `json:"operation"` // create | update | delete
	NodeType              string `json:"node_type,omitempty"`
	RelationshipType      string `json:"relationship_type,omitempty"`
	NodesAffected         int    `json:"nodes_affected,omitempty"`
	RelationshipsAffected int    `json:"relationships_affected,omitempty"`
}

func (ConnectionStatusPayload) EventKind() Kind  { return KindConnectionStatus }
func (CommandAckPayload) EventKind() Kind        { return KindCommandAck }
func (VoiceCommandPayload) EventKind() Kind      { return KindVoiceCommand }
func (VoiceResponsePayload) EventKind() Kind     { return KindVoiceResponse }
func (UserCreatedPayload) EventKind() Kind       { return KindUserCreated }
func (ComplianceAlertPayload) EventKind() Kind   { return KindComplianceAlert }
func (ComplianceCheckPayload) EventKind() Kind   { return KindComplianceCheck }
func (AnalysisProgressPayload) EventKind() Kind  { return KindAnalysisProgress }
func (AnalysisCompletedPayload) EventKind() Kind { return KindAnalysisCompleted }
func (PatternDetectedPayload) EventKind() Kind   { return KindPatternDetected }
func (GraphUpdatePayload) EventKind() Kind       { return KindGraphUpdate }

// Marshal serializes the event to its JSON wire form.
func Marshal(e *Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("event: marshal %s: %w", e.Kind, err)
	}
	return data, nil
}
