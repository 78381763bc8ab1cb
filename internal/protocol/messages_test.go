package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid send_message message
// ---------------------------------------------------------------------------

func TestParseClientMessage_SendMessage(t *testing.T) {
	input := []byte(`{"type":"send_message","receiver":"bob","content":"Hello!"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, msgType)
	}

	sm, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if sm.Receiver != "bob" {
		t.Errorf("expected receiver %q, got %q", "bob", sm.Receiver)
	}
	if sm.Content != "Hello!" {
		t.Errorf("expected content %q, got %q", "Hello!", sm.Content)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a valid history message
// ---------------------------------------------------------------------------

func TestParseClientMessage_History(t *testing.T) {
	input := []byte(`{"type":"history","peer":"alice","before_id":42,"limit":20}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeHistory {
		t.Fatalf("expected type %q, got %q", TypeHistory, msgType)
	}

	hm, ok := msg.(HistoryMsg)
	if !ok {
		t.Fatalf("expected HistoryMsg, got %T", msg)
	}
	if hm.Peer != "alice" {
		t.Errorf("expected peer %q, got %q", "alice", hm.Peer)
	}
	if hm.BeforeID != 42 {
		t.Errorf("expected before_id 42, got %d", hm.BeforeID)
	}
	if hm.Limit != 20 {
		t.Errorf("expected limit 20, got %d", hm.Limit)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a message delivery server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_Deliver(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	payload := DeliverMsg{
		Message: WireMessage{
			ID:        7,
			Sender:    "alice",
			Receiver:  "bob",
			Content:   "hi there",
			CreatedAt: ts,
		},
	}

	data, err := NewServerMessage(TypeMessage, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Decode back and verify structure.
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeMessage {
		t.Errorf("expected type %q, got %v", TypeMessage, result["type"])
	}

	inner, ok := result["message"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected message to be an object, got %T", result["message"])
	}
	if id, _ := inner["id"].(float64); int64(id) != 7 {
		t.Errorf("expected id 7, got %v", inner["id"])
	}
	if inner["sender"] != "alice" || inner["receiver"] != "bob" {
		t.Errorf("unexpected parties: sender=%v receiver=%v", inner["sender"], inner["receiver"])
	}
	if inner["content"] != "hi there" {
		t.Errorf("expected content %q, got %v", "hi there", inner["content"])
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a presence server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_Presence(t *testing.T) {
	data, err := NewServerMessage(TypePresence, PresenceMsg{
		UserID: "carol",
		State:  PresenceOnline,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypePresence {
		t.Errorf("expected type %q, got %v", TypePresence, result["type"])
	}
	if result["user_id"] != "carol" {
		t.Errorf("expected user_id %q, got %v", "carol", result["user_id"])
	}
	if result["state"] != PresenceOnline {
		t.Errorf("expected state %q, got %v", PresenceOnline, result["state"])
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"unknown_type","data":"something"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "unknown_type" {
		t.Errorf("expected returned type %q, got %q", "unknown_type", msgType)
	}
}

// Server-only types must never be accepted from clients.
func TestParseClientMessage_RejectsServerTypes(t *testing.T) {
	for _, typ := range []string{TypeSessionCreated, TypePresence, TypeMessage, TypeRoster} {
		input := []byte(`{"type":"` + typ + `"}`)
		if _, _, err := ParseClientMessage(input); err == nil {
			t.Errorf("server-only type %q should be rejected", typ)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Round-trip fidelity (marshal -> unmarshal)
// ---------------------------------------------------------------------------

func TestRoundTrip_SendMessage(t *testing.T) {
	original := SendMessageMsg{
		Type:     TypeSendMessage,
		Receiver: "bob",
		Content:  "round trip",
	}

	// Marshal to JSON.
	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	// Parse back through the protocol parser.
	msgType, msg, err := ParseClientMessage(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, msgType)
	}

	decoded, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if decoded.Receiver != original.Receiver {
		t.Errorf("receiver mismatch: expected %q, got %q", original.Receiver, decoded.Receiver)
	}
	if decoded.Content != original.Content {
		t.Errorf("content mismatch: expected %q, got %q", original.Content, decoded.Content)
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

func TestEnvelope_PreservesRawPayload(t *testing.T) {
	input := []byte(`{"type":"ping","extra":"field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Type != TypePing {
		t.Errorf("expected type %q, got %q", TypePing, env.Type)
	}
	if string(env.Raw) != string(input) {
		t.Errorf("raw payload not preserved: %s", env.Raw)
	}
}
