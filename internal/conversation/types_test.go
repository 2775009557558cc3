package conversation

import (
	"encoding/json"
	"testing"
)

// The backend speaks Mongo-style JSON: _id keys, conversation/sender as
// bare IDs, callType "none" on regular messages.
func TestMessageDecodesBackendPayload(t *testing.T) {
	payload := `{
		"_id": "663a1",
		"conversation": "c1",
		"sender": "u2",
		"text": "hi there",
		"callType": "none",
		"createdAt": "2026-02-10T09:00:00.000Z"
	}`
	var m Message
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		t.Fatal(err)
	}
	if m.ID != "663a1" || m.ConversationID != "c1" || m.SenderID != "u2" {
		t.Fatalf("ids mangled: %+v", m)
	}
	if m.IsCall() {
		t.Fatal(`callType "none" must not read as a call`)
	}
	if m.Summary() != "hi there" {
		t.Fatalf("summary = %q", m.Summary())
	}
}

func TestCallMessageSummary(t *testing.T) {
	payload := `{
		"_id": "663a2",
		"conversation": "c1",
		"sender": "u2",
		"text": "Video call",
		"callType": "video",
		"callStatus": "ended",
		"callDuration": 125,
		"createdAt": "2026-02-10T09:10:00.000Z"
	}`
	var m Message
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		t.Fatal(err)
	}
	if !m.IsCall() || m.CallStatus != CallEnded || m.CallDuration != 125 {
		t.Fatalf("call fields mangled: %+v", m)
	}
	if m.Summary() != "Video call" {
		t.Fatalf("summary = %q", m.Summary())
	}
}

func TestFileMessageSummary(t *testing.T) {
	m := Message{ID: "m1", File: &FileRef{Filename: "a.png", OriginalName: "photo.png", MimeType: "image/png"}}
	if m.Summary() != "Sent a file" {
		t.Fatalf("summary = %q", m.Summary())
	}

	var none *Message
	if none.Summary() != "No messages yet" {
		t.Fatalf("nil summary = %q", none.Summary())
	}
}

func TestOtherParticipant(t *testing.T) {
	c := Conversation{Participants: []User{{ID: "self"}, {ID: "u2", Username: "ana"}}}
	if got := c.OtherParticipant("self"); got.ID != "u2" {
		t.Fatalf("other = %+v", got)
	}
	empty := Conversation{Participants: []User{{ID: "self"}}}
	if got := empty.OtherParticipant("self"); got.ID != "" {
		t.Fatalf("expected zero user, got %+v", got)
	}
}
