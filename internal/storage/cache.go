// Package storage keeps a local SQLite copy of conversations and
// message history so the client has something to show before the first
// sync completes (and when offline). The server stays the source of
// truth; every write here mirrors a server-confirmed state.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/okale/convo/internal/conversation"
)

// DB wraps the SQLite cache file.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the cache database at path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode for better concurrency
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			updated_at DATETIME NOT NULL,
			data       TEXT NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create conversations table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			created_at      DATETIME NOT NULL,
			data            TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages (conversation_id, created_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}

	return &DB{db: db, path: path}, nil
}

// Close closes the underlying database.
func (d *DB) Close() error {
	return d.db.Close()
}

// SaveConversations replaces the cached conversation list.
func (d *DB) SaveConversations(convs []conversation.Conversation) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM conversations`); err != nil {
		return fmt.Errorf("clear conversations: %w", err)
	}
	for _, c := range convs {
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("encode conversation %s: %w", c.ID, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO conversations (id, updated_at, data) VALUES (?, ?, ?)`,
			c.ID, c.UpdatedAt, string(data),
		); err != nil {
			return fmt.Errorf("insert conversation %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// SaveMessages replaces the cached history of one conversation.
func (d *DB) SaveMessages(conversationID string, msgs []conversation.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	for _, m := range msgs {
		if err := upsertMessageTx(tx, m); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UpsertMessage inserts or replaces a single message.
func (d *DB) UpsertMessage(msg conversation.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := upsertMessageTx(tx, msg); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertMessageTx(tx *sql.Tx, m conversation.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", m.ID, err)
	}
	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO messages (id, conversation_id, created_at, data) VALUES (?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.CreatedAt, string(data),
	); err != nil {
		return fmt.Errorf("insert message %s: %w", m.ID, err)
	}
	return nil
}

// MarkMessageDeleted flags a cached message as deleted, keeping the row
// so history ordering is preserved.
func (d *DB) MarkMessageDeleted(messageID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var data string
	err := d.db.QueryRow(`SELECT data FROM messages WHERE id = ?`, messageID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load message %s: %w", messageID, err)
	}

	var m conversation.Message
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return fmt.Errorf("decode message %s: %w", messageID, err)
	}
	m.IsDeleted = true

	updated, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", messageID, err)
	}
	if _, err := d.db.Exec(`UPDATE messages SET data = ? WHERE id = ?`, string(updated), messageID); err != nil {
		return fmt.Errorf("update message %s: %w", messageID, err)
	}
	return nil
}

// RemoveConversation drops a conversation and its messages from the cache.
func (d *DB) RemoveConversation(conversationID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM conversations WHERE id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete conversation %s: %w", conversationID, err)
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete messages of %s: %w", conversationID, err)
	}
	return tx.Commit()
}

// LoadConversations returns the cached conversation list, most recently
// updated first.
func (d *DB) LoadConversations() ([]conversation.Conversation, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(`SELECT data FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var convs []conversation.Conversation
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		var c conversation.Conversation
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, fmt.Errorf("decode conversation: %w", err)
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// LoadMessages returns the cached history of one conversation in
// creation order.
func (d *DB) LoadMessages(conversationID string) ([]conversation.Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.Query(
		`SELECT data FROM messages WHERE conversation_id = ? ORDER BY created_at ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []conversation.Message
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		var m conversation.Message
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
