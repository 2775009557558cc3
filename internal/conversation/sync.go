// Package conversation reconciles the REST-fetched conversation and message
// history with push-delivered message events. REST snapshots establish the
// baseline; pushes are merged on top with id-based deduplication, so the
// two arrival paths (local echo of a self-sent message, push notification
// of the same message) never produce duplicates.
package conversation

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/okale/convo/internal/proto"
)

// Backend is the conversation/message REST collaborator. Calls do not
// retry internally; the caller decides what a failure means for the UI.
type Backend interface {
	ListConversations(ctx context.Context) ([]Conversation, error)
	StartConversation(ctx context.Context, recipientID string) (Conversation, error)
	GetMessages(ctx context.Context, conversationID string) ([]Message, error)
	CreateMessage(ctx context.Context, conversationID string, draft Draft) (Message, error)
	DeleteMessage(ctx context.Context, messageID string) error
	DeleteConversation(ctx context.Context, conversationID string) error
}

// Publisher sends events on the live connection. Satisfied by the
// connection manager; tests use a fake.
type Publisher interface {
	Send(event string, payload any) error
}

// Cache is an optional local history store written through on every load
// and merge. All cache failures are advisory: the in-memory state is
// authoritative for display.
type Cache interface {
	SaveConversations(convs []Conversation) error
	SaveMessages(conversationID string, msgs []Message) error
	UpsertMessage(msg Message) error
	MarkMessageDeleted(messageID string) error
	RemoveConversation(conversationID string) error
}

// Sync holds the merged client-side view: the conversation list plus the
// message sequence of the one currently materialized conversation.
type Sync struct {
	backend Backend
	pub     Publisher
	cache   Cache // may be nil

	mu       sync.RWMutex
	convs    []Conversation
	current  string // materialized conversation ID, "" if none
	messages []Message
	seen     map[string]struct{} // message IDs present in messages
}

func NewSync(backend Backend, pub Publisher, cache Cache) *Sync {
	return &Sync{
		backend: backend,
		pub:     pub,
		cache:   cache,
		seen:    make(map[string]struct{}),
	}
}

// LoadConversations fetches the conversation list snapshot and replaces the
// cached copy. Called at startup and again after every reconnect, since the
// connection does not replay missed events.
func (s *Sync) LoadConversations(ctx context.Context) ([]Conversation, error) {
	convs, err := s.backend.ListConversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}

	s.mu.Lock()
	s.convs = convs
	s.mu.Unlock()

	if s.cache != nil {
		if err := s.cache.SaveConversations(convs); err != nil {
			log.Printf("SYNC: cache conversations: %v", err)
		}
	}
	return s.snapshotConvs(), nil
}

// LoadMessages fetches the message history for one conversation and
// materializes it: subsequent pushes for this conversation are appended to
// the in-memory sequence. Joins the conversation's room on the live
// connection and leaves the previously materialized one.
func (s *Sync) LoadMessages(ctx context.Context, conversationID string) ([]Message, error) {
	msgs, err := s.backend.GetMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load messages %s: %w", conversationID, err)
	}

	// Baseline ordering: createdAt ascending. The server is trusted to
	// assign monotonic timestamps per conversation; a stable sort keeps
	// equal-timestamp messages in server order.
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})

	s.mu.Lock()
	prev := s.current
	s.current = conversationID
	s.messages = msgs
	s.seen = make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		s.seen[m.ID] = struct{}{}
	}
	s.mu.Unlock()

	if prev != "" && prev != conversationID {
		s.emit(proto.EventConversationLeave, proto.ConversationRef{ConversationID: prev})
	}
	s.emit(proto.EventConversationJoin, proto.ConversationRef{ConversationID: conversationID})

	if s.cache != nil {
		if err := s.cache.SaveMessages(conversationID, msgs); err != nil {
			log.Printf("SYNC: cache messages %s: %v", conversationID, err)
		}
	}
	return s.Messages(), nil
}

// OnPushMessage merges one push-delivered message. Append-only and
// idempotent: a message ID already present leaves the sequence untouched.
// The owning conversation's lastMessage/updatedAt summary is refreshed
// regardless of whether that conversation is materialized, so the list
// stays live while the user is looking elsewhere.
func (s *Sync) OnPushMessage(msg Message) {
	s.mu.Lock()
	if msg.ConversationID == s.current {
		if _, dup := s.seen[msg.ID]; !dup {
			s.messages = append(s.messages, msg)
			s.seen[msg.ID] = struct{}{}
		}
	}
	s.updateSummaryLocked(msg)
	s.mu.Unlock()

	if s.cache != nil {
		if err := s.cache.UpsertMessage(msg); err != nil {
			log.Printf("SYNC: cache message %s: %v", msg.ID, err)
		}
	}
}

// SendMessage creates the message via REST, applies it locally, and
// publishes it on the live connection so peers see it without waiting for
// their own push round-trip. The local apply goes through the same merge
// path as pushes; the id dedup there absorbs the echo when the server also
// pushes the message back to this client.
func (s *Sync) SendMessage(ctx context.Context, conversationID string, draft Draft) (Message, error) {
	msg, err := s.backend.CreateMessage(ctx, conversationID, draft)
	if err != nil {
		return Message{}, fmt.Errorf("send message: %w", err)
	}

	s.OnPushMessage(msg)

	// Best-effort: if the connection is down the peer still gets the
	// message from its own REST fetch after reconnecting.
	if err := s.pub.Send(proto.EventMessageNew, msg); err != nil {
		log.Printf("SYNC: publish message %s: %v", msg.ID, err)
	}
	return msg, nil
}

// DeleteMessage soft-deletes after server confirmation. No optimistic
// mutation: the server may refuse (e.g. not the message owner), and local
// state must not diverge from the source of truth.
func (s *Sync) DeleteMessage(ctx context.Context, messageID string) error {
	if err := s.backend.DeleteMessage(ctx, messageID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}

	s.mu.Lock()
	for i := range s.messages {
		if s.messages[i].ID == messageID {
			s.messages[i].IsDeleted = true
			break
		}
	}
	s.mu.Unlock()

	if s.cache != nil {
		if err := s.cache.MarkMessageDeleted(messageID); err != nil {
			log.Printf("SYNC: cache delete %s: %v", messageID, err)
		}
	}
	return nil
}

// DeleteConversation removes a conversation after server confirmation.
func (s *Sync) DeleteConversation(ctx context.Context, conversationID string) error {
	if err := s.backend.DeleteConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}

	s.mu.Lock()
	for i := range s.convs {
		if s.convs[i].ID == conversationID {
			s.convs = append(s.convs[:i], s.convs[i+1:]...)
			break
		}
	}
	wasCurrent := s.current == conversationID
	if wasCurrent {
		s.current = ""
		s.messages = nil
		s.seen = make(map[string]struct{})
	}
	s.mu.Unlock()

	if wasCurrent {
		s.emit(proto.EventConversationLeave, proto.ConversationRef{ConversationID: conversationID})
	}
	if s.cache != nil {
		if err := s.cache.RemoveConversation(conversationID); err != nil {
			log.Printf("SYNC: cache remove %s: %v", conversationID, err)
		}
	}
	return nil
}

// StartConversation creates (or fetches the existing) conversation with a
// recipient and inserts it at the head of the list if it is new.
func (s *Sync) StartConversation(ctx context.Context, recipientID string) (Conversation, error) {
	conv, err := s.backend.StartConversation(ctx, recipientID)
	if err != nil {
		return Conversation{}, fmt.Errorf("start conversation: %w", err)
	}

	s.mu.Lock()
	exists := false
	for i := range s.convs {
		if s.convs[i].ID == conv.ID {
			exists = true
			break
		}
	}
	if !exists {
		s.convs = append([]Conversation{conv}, s.convs...)
	}
	s.mu.Unlock()
	return conv, nil
}

// Conversations returns a copy of the current conversation list.
func (s *Sync) Conversations() []Conversation {
	return s.snapshotConvs()
}

// Messages returns a copy of the materialized conversation's sequence.
func (s *Sync) Messages() []Message {
	s.mu.RLock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	s.mu.RUnlock()
	return out
}

// CurrentID returns the materialized conversation ID, or "".
func (s *Sync) CurrentID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Conversation looks up a conversation by ID in the cached list.
func (s *Sync) Conversation(id string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.convs {
		if s.convs[i].ID == id {
			return s.convs[i], true
		}
	}
	return Conversation{}, false
}

func (s *Sync) snapshotConvs() []Conversation {
	s.mu.RLock()
	out := make([]Conversation, len(s.convs))
	copy(out, s.convs)
	s.mu.RUnlock()
	return out
}

// updateSummaryLocked refreshes the owning conversation's lastMessage and
// updatedAt. Caller holds s.mu.
func (s *Sync) updateSummaryLocked(msg Message) {
	for i := range s.convs {
		if s.convs[i].ID == msg.ConversationID {
			m := msg
			s.convs[i].LastMessage = &m
			ts := msg.CreatedAt
			if ts.IsZero() {
				ts = time.Now()
			}
			s.convs[i].UpdatedAt = ts
			return
		}
	}
}

func (s *Sync) emit(event string, payload any) {
	if err := s.pub.Send(event, payload); err != nil {
		log.Printf("SYNC: emit %s: %v", event, err)
	}
}
