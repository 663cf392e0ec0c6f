package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseSubscribe(t *testing.T) {
	data := []byte(`{"type":"subscribe","eventKinds":["voice:response","*"],"room":"analysts","filters":{"realm":"master"}}`)

	msgType, msg, err := ParseClientMessage(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msgType != TypeSubscribe {
		t.Errorf("expected type %q, got %q", TypeSubscribe, msgType)
	}

	m, ok := msg.(SubscribeMsg)
	if !ok {
		t.Fatalf("expected SubscribeMsg, got %T", msg)
	}
	if len(m.EventKinds) != 2 || m.EventKinds[0] != "voice:response" || m.EventKinds[1] != "*" {
		t.Errorf("eventKinds mismatch: %v", m.EventKinds)
	}
	if m.Room != "analysts" {
		t.Errorf("room mismatch: %q", m.Room)
	}
	if m.Filters == nil || m.Filters.Realm != "master" {
		t.Errorf("filters mismatch: %+v", m.Filters)
	}
}

func TestParseVoiceCommand(t *testing.T) {
	data := []byte(`{"type":"voiceCommand","command":"list users","transcript":"list all users","confidence":0.92}`)

	msgType, msg, err := ParseClientMessage(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msgType != TypeVoiceCommand {
		t.Errorf("expected type %q, got %q", TypeVoiceCommand, msgType)
	}

	m := msg.(VoiceCommandMsg)
	if m.Command != "list users" || m.Transcript != "list all users" || m.Confidence != 0.92 {
		t.Errorf("decoded message mismatch: %+v", m)
	}
}

func TestParseStartAnalysis(t *testing.T) {
	data := []byte(`{"type":"startAnalysis","analysisType":"event-volume","parameters":{"window":"15m"}}`)

	_, msg, err := ParseClientMessage(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	m := msg.(StartAnalysisMsg)
	if m.AnalysisType != "event-volume" {
		t.Errorf("analysisType mismatch: %q", m.AnalysisType)
	}
	if m.Parameters["window"] != "15m" {
		t.Errorf("parameters mismatch: %v", m.Parameters)
	}
}

func TestParseUnknownType(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":"launchMissiles"}`))
	if err == nil {
		t.Fatal("expected error for unknown message type")
	}
}

func TestParseMissingType(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"command":"hello"}`))
	if err == nil {
		t.Fatal("expected error for missing type field")
	}
}

func TestParseInvalidJSON(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{not json`))
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestNewServerMessageInjectsType(t *testing.T) {
	data, err := NewServerMessage(TypeRoomJoined, RoomJoinedMsg{Room: "analysts"})
	if err != nil {
		t.Fatalf("NewServerMessage: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != TypeRoomJoined {
		t.Errorf("expected type %q, got %v", TypeRoomJoined, decoded["type"])
	}
	if decoded["room"] != "analysts" {
		t.Errorf("expected room analysts, got %v", decoded["room"])
	}
}

func TestNewServerMessageOverridesEmptyType(t *testing.T) {
	// Callers usually leave the struct's Type field zero; the injected
	// discriminator must win either way.
	data, err := NewServerMessage(TypeError, ErrorMsg{Type: "stale", Code: "bad_request", Message: "nope"})
	if err != nil {
		t.Fatalf("NewServerMessage: %v", err)
	}
	var decoded ErrorMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Type != TypeError {
		t.Errorf("expected type %q, got %q", TypeError, decoded.Type)
	}
	if decoded.Code != "bad_request" || decoded.Message != "nope" {
		t.Errorf("payload fields lost: %+v", decoded)
	}
}

func TestEventMsgRoundTrip(t *testing.T) {
	raw := json.RawMessage(`{"id":"e1","kind":"voice:response"}`)
	data, err := NewServerMessage(TypeEvent, EventMsg{Event: raw})
	if err != nil {
		t.Fatalf("NewServerMessage: %v", err)
	}

	var decoded EventMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	var inner struct {
		ID   string `json:"id"`
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(decoded.Event, &inner); err != nil {
		t.Fatalf("inner unmarshal: %v", err)
	}
	if inner.ID != "e1" || inner.Kind != "voice:response" {
		t.Errorf("embedded event mangled: %+v", inner)
	}
}
