package conversation

import (
	"time"

	"github.com/okale/convo/internal/proto"
)

// User is a chat participant as the backend reports it.
type User struct {
	ID             string `json:"_id"`
	Username       string `json:"username"`
	Email          string `json:"email,omitempty"`
	ProfilePicture string `json:"profilePicture,omitempty"`
}

// CallStatus is the lifecycle outcome recorded on a call message.
type CallStatus string

const (
	CallInitiated CallStatus = "initiated" // never connected (missed)
	CallAccepted  CallStatus = "accepted"
	CallRejected  CallStatus = "rejected"
	CallEnded     CallStatus = "ended"
)

// Message is one entry in a conversation. Exactly one of Text, File, or the
// call fields is meaningfully populated: a message is either a text/file
// message or a call-event message, never both. Deleted messages stay in the
// sequence with IsDeleted set so ordering and pagination remain stable.
type Message struct {
	ID             string    `json:"_id"`
	ConversationID string    `json:"conversation"`
	SenderID       string    `json:"sender"`
	Text           string    `json:"text,omitempty"`
	File           *FileRef  `json:"file,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	IsDeleted      bool      `json:"isDeleted,omitempty"`

	// Call metadata; CallType is "none" (or empty) for regular messages.
	CallType     string     `json:"callType,omitempty"`
	CallStatus   CallStatus `json:"callStatus,omitempty"`
	CallDuration int        `json:"callDuration,omitempty"` // seconds
}

// FileRef points at an uploaded attachment.
type FileRef struct {
	Filename     string `json:"filename"`
	OriginalName string `json:"originalname"`
	MimeType     string `json:"mimetype"`
	Size         int64  `json:"size,omitempty"`
}

// IsCall reports whether m records a call rather than a text/file message.
func (m *Message) IsCall() bool {
	return m.CallType != "" && m.CallType != "none"
}

// Summary renders the one-line preview shown in the conversation list.
func (m *Message) Summary() string {
	switch {
	case m == nil:
		return "No messages yet"
	case m.IsCall():
		if m.CallType == string(proto.CallVideo) {
			return "Video call"
		}
		return "Audio call"
	case m.File != nil:
		return "Sent a file"
	default:
		return m.Text
	}
}

// Conversation is the client's cached copy of one conversation. The backend
// is the source of truth; participants are immutable after creation.
type Conversation struct {
	ID           string    `json:"_id"`
	Participants []User    `json:"participants"`
	LastMessage  *Message  `json:"lastMessage,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// OtherParticipant returns the participant that is not selfID. Falls back
// to a zero User when the conversation somehow has no other member.
func (c *Conversation) OtherParticipant(selfID string) User {
	for _, p := range c.Participants {
		if p.ID != selfID {
			return p
		}
	}
	return User{}
}

// Draft is the client-side content of a message about to be sent.
type Draft struct {
	Text     string
	FilePath string // local path of an attachment to upload, if any
}
