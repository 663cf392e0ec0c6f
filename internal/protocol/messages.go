// Package protocol defines the WebSocket message types and structures used
// for communication between browser clients and the gateway. All messages
// are serialized as JSON and follow a consistent envelope format with a
// type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server action types.
const (
	TypeSubscribe     = "subscribe"
	TypeUnsubscribe   = "unsubscribe"
	TypeJoinRoom      = "joinRoom"
	TypeLeaveRoom     = "leaveRoom"
	TypeVoiceCommand  = "voiceCommand"
	TypeTextCommand   = "textCommand"
	TypeStartAnalysis = "startAnalysis"
	TypePing          = "ping"
)

// Server -> Client message types.
const (
	TypeConnected             = "connected"
	TypeEvent                 = "event"
	TypeSubscriptionConfirmed = "subscriptionConfirmed"
	TypeUnsubscribed          = "unsubscribed"
	TypeRoomJoined            = "roomJoined"
	TypeRoomLeft              = "roomLeft"
	TypeVoiceCommandReceived  = "voiceCommandReceived"
	TypeAnalysisStarted       = "analysisStarted"
	TypeError                 = "error"
	TypePong                  = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of
// the payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// SubscriptionFilters narrow event delivery to a user or realm.
type SubscriptionFilters struct {
	UserID string `json:"userId,omitempty"`
	Realm  string `json:"realm,omitempty"`
}

// SubscribeMsg registers interest in event kinds, optionally scoped to a
// room and identity filters. The wildcard kind "*" means all kinds.
type SubscribeMsg struct {
	Type       string               `json:"type"`
	EventKinds []string             `json:"eventKinds"`
	Room       string               `json:"room,omitempty"`
	Filters    *SubscriptionFilters `json:"filters,omitempty"`
}

// UnsubscribeMsg removes subscriptions; empty eventKinds removes all.
type UnsubscribeMsg struct {
	Type       string   `json:"type"`
	EventKinds []string `json:"eventKinds,omitempty"`
	Room       string   `json:"room,omitempty"`
}

// JoinRoomMsg adds the session to a named multicast room.
type JoinRoomMsg struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

// LeaveRoomMsg removes the session from a room.
type LeaveRoomMsg struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

// VoiceCommandMsg carries a recognized voice command from the client.
type VoiceCommandMsg struct {
	Type       string  `json:"type"`
	Command    string  `json:"command"`
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

// TextCommandMsg carries a typed operator command.
type TextCommandMsg struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
}

// StartAnalysisMsg requests a backend analysis run.
type StartAnalysisMsg struct {
	Type         string            `json:"type"`
	AnalysisType string            `json:"analysisType"`
	Parameters   map[string]string `json:"parameters,omitempty"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg is the welcome acknowledgement carrying the session id.
type ConnectedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// EventMsg wraps one validated domain event pushed to a recipient. The
// event is embedded as raw JSON to avoid a second marshal round.
type EventMsg struct {
	Type  string          `json:"type"`
	Event json.RawMessage `json:"event"`
}

// SubscriptionConfirmedMsg acknowledges a subscribe action.
type SubscriptionConfirmedMsg struct {
	Type       string   `json:"type"`
	EventKinds []string `json:"eventKinds"`
	Room       string   `json:"room,omitempty"`
}

// UnsubscribedMsg acknowledges an unsubscribe action.
type UnsubscribedMsg struct {
	Type       string   `json:"type"`
	EventKinds []string `json:"eventKinds,omitempty"`
}

// RoomJoinedMsg acknowledges a joinRoom action.
type RoomJoinedMsg struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

// RoomLeftMsg acknowledges a leaveRoom action.
type RoomLeftMsg struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

// VoiceCommandReceivedMsg acknowledges a voice or text command, naming the
// published event so the client can correlate the eventual response.
type VoiceCommandReceivedMsg struct {
	Type    string `json:"type"`
	EventID string `json:"eventId"`
}

// AnalysisStartedMsg acknowledges a startAnalysis action.
type AnalysisStartedMsg struct {
	Type         string `json:"type"`
	AnalysisID   string `json:"analysisId"`
	AnalysisType string `json:"analysisType"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client
// message. It returns the message type string, the decoded struct, and any
// error encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSubscribe:
		var m SubscribeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUnsubscribe:
		var m UnsubscribeMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinRoom:
		var m JoinRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveRoom:
		var m LeaveRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeVoiceCommand:
		var m VoiceCommandMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTextCommand:
		var m TextCommandMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeStartAnalysis:
		var m StartAnalysisMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
