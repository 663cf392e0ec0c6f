package event

import (
	"time"

	"github.com/google/uuid"
)

// New constructs an event of the given kind with a fresh id and timestamp.
// Builders below wrap it for the kinds components synthesize themselves;
// events arriving from workers come through Validate instead.
func New(kind Kind, sessionID string, payload Payload) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		Payload:   payload,
	}
}

// NewConnectionStatus builds a connection:status event for a session
// lifecycle change or heartbeat.
func NewConnectionStatus(sessionID, status string, activeSessions int, uptime time.Duration) *Event {
	return New(KindConnectionStatus, sessionID, ConnectionStatusPayload{
		Status:         status,
		ActiveSessions: activeSessions,
		UptimeSeconds:  int64(uptime.Seconds()),
	})
}

// NewVoiceCommand builds a voice:command event from a recognized utterance.
func NewVoiceCommand(sessionID, command, transcript string, confidence float64) *Event {
	return New(KindVoiceCommand, sessionID, VoiceCommandPayload{
		Command:    command,
		Transcript: transcript,
		Confidence: confidence,
	})
}

// NewVoiceResponse builds a voice:response event targeted at sessionID.
func NewVoiceResponse(sessionID, text string, isError bool) *Event {
	return New(KindVoiceResponse, sessionID, VoiceResponsePayload{
		Text:    text,
		IsError: isError,
	})
}

// NewClarificationResponse builds the voice:response asking the operator to
// repeat a low-confidence command.
func NewClarificationResponse(sessionID string) *Event {
	return New(KindVoiceResponse, sessionID, VoiceResponsePayload{
		Text:          "I didn't catch that clearly. Could you repeat the command?",
		Clarification: true,
	})
}

// NewComplianceCheck builds the informational compliance:check event derived
// from a user:created event, addressed to the realm's admin room.
func NewComplianceCheck(realm, subjectID, username string) *Event {
	e := New(KindComplianceCheck, "", ComplianceCheckPayload{
		SubjectID: subjectID,
		Username:  username,
		Message:   "new user requires compliance review: " + username,
	})
	e.Realm = realm
	e.UserID = subjectID
	return e
}

// NewPatternDetected builds one pattern:detected event for a pattern found
// by an analysis run.
func NewPatternDetected(sessionID, analysisID string, p Pattern) *Event {
	return New(KindPatternDetected, sessionID, PatternDetectedPayload{
		AnalysisID: analysisID,
		Pattern:    p,
	})
}

// NewAnalysisProgress builds an analysis:progress event.
func NewAnalysisProgress(sessionID, analysisID, analysisType string, percent int, stage string) *Event {
	return New(KindAnalysisProgress, sessionID, AnalysisProgressPayload{
		AnalysisID:   analysisID,
		AnalysisType: analysisType,
		Percent:      percent,
		Stage:        stage,
	})
}

// NewAnalysisCompleted builds an analysis:completed event.
func NewAnalysisCompleted(sessionID, analysisID, analysisType, summary string, patterns []Pattern) *Event {
	return New(KindAnalysisCompleted, sessionID, AnalysisCompletedPayload{
		AnalysisID:   analysisID,
		AnalysisType: analysisType,
		Summary:      summary,
		Patterns:     patterns,
	})
}

// NewCommandAck builds a command:ack event for an operator command.
func NewCommandAck(sessionID, command, status, detail string) *Event {
	return New(KindCommandAck, sessionID, CommandAckPayload{
		Command: command,
		Status:  status,
		Detail:  detail,
	})
}
