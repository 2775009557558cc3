// Package rest is the HTTP client for the conversation/message backend.
// It covers the collaborator surface the core depends on: identity, user
// search, conversations, messages, and call-record bookkeeping. The live
// push path is not here; that is the connection package.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/okale/convo/internal/conversation"
	"github.com/okale/convo/internal/proto"
	"github.com/okale/convo/internal/util"
)

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		Token:   token,
		HTTP: &http.Client{
			Timeout: util.DefaultFetchTimeout,
		},
	}
}

// do runs one request, maps 401 to *AuthError and other failures to
// *FetchError, and decodes a 2xx JSON body into out (out may be nil).
func (c *Client) do(req *http.Request, op string, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &FetchError{Op: op, Err: err}
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusUnauthorized {
		var body struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return &AuthError{Status: resp.StatusCode, Message: body.Message}
	}
	if resp.StatusCode/100 != 2 {
		return &FetchError{Op: op, Status: resp.StatusCode}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &FetchError{Op: op, Err: fmt.Errorf("decode: %w", err)}
		}
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path, op string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return &FetchError{Op: op, Err: err}
	}
	return c.do(req, op, out)
}

func (c *Client) postJSON(ctx context.Context, path, op string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return &FetchError{Op: op, Err: err}
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, body)
	if err != nil {
		return &FetchError{Op: op, Err: err}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, op, out)
}

// ── Identity ────────────────────────────────────────────────────────────

// Me returns the authenticated user, or *AuthError when the token is
// invalid or expired.
func (c *Client) Me(ctx context.Context) (conversation.User, error) {
	var u conversation.User
	err := c.getJSON(ctx, "/api/users/me", "get current user", &u)
	return u, err
}

// GetUser fetches one user's public profile (caller info for incoming
// call prompts, peer info for chat headers).
func (c *Client) GetUser(ctx context.Context, id string) (conversation.User, error) {
	var u conversation.User
	err := c.getJSON(ctx, "/api/users/"+url.PathEscape(id), "get user", &u)
	return u, err
}

// SearchUsers finds users by name/email fragment.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]conversation.User, error) {
	var out []conversation.User
	err := c.getJSON(ctx, "/api/users/search?query="+url.QueryEscape(query), "search users", &out)
	return out, err
}

// Logout invalidates the session server-side. Best-effort from the
// caller's perspective; local teardown proceeds regardless.
func (c *Client) Logout(ctx context.Context) error {
	return c.postJSON(ctx, "/api/auth/logout", "logout", struct{}{}, nil)
}

// ── Conversations & messages ────────────────────────────────────────────

func (c *Client) ListConversations(ctx context.Context) ([]conversation.Conversation, error) {
	var out []conversation.Conversation
	err := c.getJSON(ctx, "/api/conversations", "list conversations", &out)
	return out, err
}

// StartConversation creates the conversation with recipientID, or returns
// the existing one if the pair already has a conversation.
func (c *Client) StartConversation(ctx context.Context, recipientID string) (conversation.Conversation, error) {
	var out conversation.Conversation
	in := map[string]string{"recipientId": recipientID}
	err := c.postJSON(ctx, "/api/conversations", "start conversation", in, &out)
	return out, err
}

func (c *Client) GetMessages(ctx context.Context, conversationID string) ([]conversation.Message, error) {
	var out []conversation.Message
	path := "/api/messages/" + url.PathEscape(conversationID) + "/messages"
	err := c.getJSON(ctx, path, "get messages", &out)
	return out, err
}

// CreateMessage posts a text and/or file message as multipart form data,
// matching the upload endpoint's content type.
func (c *Client) CreateMessage(ctx context.Context, conversationID string, draft conversation.Draft) (conversation.Message, error) {
	const op = "create message"
	var msg conversation.Message

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if draft.Text != "" {
		if err := mw.WriteField("text", draft.Text); err != nil {
			return msg, &FetchError{Op: op, Err: err}
		}
	}
	if draft.FilePath != "" {
		f, err := os.Open(draft.FilePath)
		if err != nil {
			return msg, &FetchError{Op: op, Err: err}
		}
		part, err := mw.CreateFormFile("file", filepath.Base(draft.FilePath))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		f.Close()
		if err != nil {
			return msg, &FetchError{Op: op, Err: err}
		}
	}
	if err := mw.Close(); err != nil {
		return msg, &FetchError{Op: op, Err: err}
	}

	path := c.BaseURL + "/api/messages/" + url.PathEscape(conversationID) + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, path, &buf)
	if err != nil {
		return msg, &FetchError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	err = c.do(req, op, &msg)
	return msg, err
}

// CreateCallMessage ensures a conversation with the peer exists, then
// creates the call-record message in it. Returns the created message; its
// status starts as "initiated" until UpdateCallStatus finalizes it.
func (c *Client) CreateCallMessage(ctx context.Context, peerID string, kind proto.CallType) (conversation.Message, error) {
	conv, err := c.StartConversation(ctx, peerID)
	if err != nil {
		return conversation.Message{}, err
	}

	label := "Audio call"
	if kind == proto.CallVideo {
		label = "Video call"
	}
	in := map[string]string{"text": label, "callType": string(kind)}

	var msg conversation.Message
	path := "/api/messages/" + url.PathEscape(conv.ID) + "/messages"
	err = c.postJSON(ctx, path, "create call message", in, &msg)
	return msg, err
}

func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	const op = "delete message"
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.BaseURL+"/api/messages/"+url.PathEscape(messageID), nil)
	if err != nil {
		return &FetchError{Op: op, Err: err}
	}
	return c.do(req, op, nil)
}

// DeleteConversation removes a conversation and its messages.
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	const op = "delete conversation"
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.BaseURL+"/api/conversations/"+url.PathEscape(conversationID), nil)
	if err != nil {
		return &FetchError{Op: op, Err: err}
	}
	return c.do(req, op, nil)
}

// UpdateCallStatus records the final outcome and duration on a call
// message. Callers treat failures as advisory (logged, never blocking the
// local call state machine).
func (c *Client) UpdateCallStatus(ctx context.Context, messageID string, status conversation.CallStatus, durationSec int) error {
	const op = "update call status"
	in := map[string]any{"status": status, "duration": durationSec}
	b, err := json.Marshal(in)
	if err != nil {
		return &FetchError{Op: op, Err: err}
	}
	path := c.BaseURL + "/api/messages/" + url.PathEscape(messageID) + "/call-status"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, path, bytes.NewReader(b))
	if err != nil {
		return &FetchError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, op, nil)
}
