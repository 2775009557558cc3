package proto

import (
	"encoding/json"
	"time"
)

// Event names carried over the live connection. The server pushes the
// remote-to-local set (users:online, message:new, call:incoming,
// call:accepted, call:rejected, call:ended); the client emits the rest.
const (
	EventUsersOnline = "users:online"
	EventMessageNew  = "message:new"

	EventConversationJoin  = "conversation:join"
	EventConversationLeave = "conversation:leave"

	// Outbound call signaling.
	EventCallSignal = "call:signal"
	EventCallAccept = "call:accept"
	EventCallReject = "call:reject"
	EventCallEnd    = "call:end"

	// Inbound call signaling.
	EventCallIncoming = "call:incoming"
	EventCallAccepted = "call:accepted"
	EventCallRejected = "call:rejected"
	EventCallEnded    = "call:ended"
)

// Synthetic local event names emitted by the connection manager itself,
// never sent on the wire. Components subscribe to these to learn about
// transport lifecycle (e.g. refetch snapshots after a reconnect).
const (
	EventConnected    = "connect"
	EventDisconnected = "disconnect"
)

// CallType distinguishes audio-only from video calls.
type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

// Valid reports whether t is one of the two known call types.
func (t CallType) Valid() bool { return t == CallAudio || t == CallVideo }

// Event is the wire envelope: a name plus an uninterpreted payload.
// Handlers decode the payload into the typed struct for their event.
type Event struct {
	Name    string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PresenceEntry is one user's state inside a users:online batch.
type PresenceEntry struct {
	Online   bool  `json:"online"`
	LastSeen int64 `json:"lastSeen,omitempty"` // unix millis
}

// PresenceUpdate is the payload of users:online: the complete presence
// snapshot, keyed by user ID. Batches replace prior state wholesale.
type PresenceUpdate map[string]PresenceEntry

// CallSignal is the payload for every call:* event. From is filled in by
// the server on delivery; To is set by the sender.
type CallSignal struct {
	From     string   `json:"from,omitempty"`
	To       string   `json:"to,omitempty"`
	Signal   string   `json:"signal,omitempty"` // "calling", "accepted"
	CallType CallType `json:"callType,omitempty"`
}

// ConversationRef is the payload for conversation:join / conversation:leave.
type ConversationRef struct {
	ConversationID string `json:"conversationId"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
