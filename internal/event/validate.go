package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidEventFormat is returned when raw data does not decode into any
// schema of the closed event union. Callers drop and log such data; it is
// never retried.
var ErrInvalidEventFormat = errors.New("invalid event format")

// envelope mirrors Event but defers payload decoding until the kind
// discriminant has been read.
type envelope struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id"`
	UserID    string          `json:"user_id"`
	Realm     string          `json:"realm"`
	Payload   json.RawMessage `json:"payload"`
}

// Validate decodes raw JSON into a well-formed Event. The kind field is
// read first and selects exactly one payload schema; an unknown kind, the
// wildcard kind, or a payload that fails its schema's requirements yields
// an error wrapping ErrInvalidEventFormat.
func Validate(raw []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEventFormat, err)
	}
	if !env.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidEventFormat, env.Kind)
	}

	payload, err := decodePayload(env.Kind, env.Payload)
	if err != nil {
		return nil, err
	}

	e := &Event{
		ID:        env.ID,
		Kind:      env.Kind,
		Timestamp: env.Timestamp,
		SessionID: env.SessionID,
		UserID:    env.UserID,
		Realm:     env.Realm,
		Payload:   payload,
	}
	if err := checkRequirements(e); err != nil {
		return nil, err
	}
	return e, nil
}

// decodePayload unmarshals raw into the single concrete payload type for
// kind. A missing payload decodes as the zero value; per-kind required
// fields are enforced by checkRequirements.
func decodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)

	switch kind {
	case KindConnectionStatus:
		var v ConnectionStatusPayload
		err = unmarshalPayload(raw, &v)
		p = v
	case KindCommandAck:
		var v CommandAckPayload
		err = unmarshalPayload(raw, &v)
		p = v
	case KindVoiceCommand:
		var v VoiceCommandPayload
		err = unmarshalPayload(raw, &v)
		p = v
	case KindVoiceResponse:
		var v VoiceResponsePayload
		err = unmarshalPayload(raw, &v)
		p = v
	case KindUserCreated:
		var v UserCreatedPayload
		err = unmarshalPayload(raw, &v)
		p = v
	case KindComplianceAlert:
		var v ComplianceAlertPayload
		err = unmarshalPayload(raw, &v)
		p = v
	case KindComplianceCheck:
		var v ComplianceCheckPayload
		err = unmarshalPayload(raw, &v)
		p = v
	case KindAnalysisProgress:
		var v AnalysisProgressPayload
		err = unmarshalPayload(raw, &v)
		p = v
	case KindAnalysisCompleted:
		var v AnalysisCompletedPayload
		err = unmarshalPayload(raw, &v)
		p = v
	case KindPatternDetected:
		var v PatternDetectedPayload
		err = unmarshalPayload(raw, &v)
		p = v
	case KindGraphUpdate:
		var v GraphUpdatePayload
		err = unmarshalPayload(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidEventFormat, kind)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrInvalidEventFormat, kind, err)
	}
	return p, nil
}

func unmarshalPayload(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// checkRequirements enforces per-kind field constraints beyond JSON shape.
func checkRequirements(e *Event) error {
	switch p := e.Payload.(type) {
	case ConnectionStatusPayload:
		switch p.Status {
		case StatusConnected, StatusDisconnected, StatusHeartbeat:
		default:
			return fmt.Errorf("%w: connection status %q", ErrInvalidEventFormat, p.Status)
		}
	case VoiceCommandPayload:
		if p.Confidence < 0 || p.Confidence > 1 {
			return fmt.Errorf("%w: confidence %v out of range", ErrInvalidEventFormat, p.Confidence)
		}
		if p.Command == "" && p.Transcript == "" {
			return fmt.Errorf("%w: voice command without command or transcript", ErrInvalidEventFormat)
		}
	case ComplianceAlertPayload:
		switch p.Severity {
		case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		default:
			return fmt.Errorf("%w: alert severity %q", ErrInvalidEventFormat, p.Severity)
		}
	case UserCreatedPayload:
		if p.UserID == "" {
			return fmt.Errorf("%w: user:created without user_id", ErrInvalidEventFormat)
		}
	case AnalysisProgressPayload:
		if p.Percent < 0 || p.Percent > 100 {
			return fmt.Errorf("%w: analysis percent %d out of range", ErrInvalidEventFormat, p.Percent)
		}
	}
	return nil
}
