package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/okale/convo/internal/conversation"
	"github.com/okale/convo/internal/proto"
)

func TestMe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/users/me" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("auth header = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]string{"_id": "u1", "username": "ana", "email": "ana@example.com"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	u, err := c.Me(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if u.ID != "u1" || u.Username != "ana" {
		t.Fatalf("unexpected user: %+v", u)
	}
}

func TestExpiredTokenIsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"message":"token expired"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "stale")
	_, err := c.Me(context.Background())
	if !IsAuthError(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestServerFailureIsFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	_, err := c.ListConversations(context.Background())
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected *FetchError, got %v", err)
	}
	if fetchErr.Status != http.StatusInternalServerError {
		t.Fatalf("status = %d", fetchErr.Status)
	}
	if IsAuthError(err) {
		t.Fatal("5xx must not read as an auth error")
	}
}

func TestSearchUsersEscapesQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/users/search" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("query"); got != "ana b" {
			t.Errorf("query = %q", got)
		}
		json.NewEncoder(w).Encode([]map[string]string{{"_id": "u2", "username": "ana b"}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	users, err := c.SearchUsers(context.Background(), "ana b")
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 || users[0].ID != "u2" {
		t.Fatalf("unexpected result: %+v", users)
	}
}

func TestStartConversationPostsRecipient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/conversations" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		var in map[string]string
		json.NewDecoder(r.Body).Decode(&in)
		if in["recipientId"] != "u7" {
			t.Errorf("body = %v", in)
		}
		json.NewEncoder(w).Encode(map[string]any{"_id": "c7"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	conv, err := c.StartConversation(context.Background(), "u7")
	if err != nil {
		t.Fatal(err)
	}
	if conv.ID != "c7" {
		t.Fatalf("conversation = %+v", conv)
	}
}

func TestCreateMessageMultipart(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "photo.png")
	if err := os.WriteFile(file, []byte("png-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/messages/c1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("not multipart: %v", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if got := r.FormValue("text"); got != "look" {
			t.Errorf("text field = %q", got)
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("file part missing: %v", err)
		} else {
			f.Close()
			if hdr.Filename != "photo.png" {
				t.Errorf("filename = %q", hdr.Filename)
			}
		}
		json.NewEncoder(w).Encode(map[string]any{"_id": "m1", "conversation": "c1", "text": "look"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	msg, err := c.CreateMessage(context.Background(), "c1", conversation.Draft{Text: "look", FilePath: file})
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID != "m1" || msg.ConversationID != "c1" {
		t.Fatalf("message = %+v", msg)
	}
}

func TestCreateCallMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/conversations":
			json.NewEncoder(w).Encode(map[string]any{"_id": "c9"})
		case r.Method == http.MethodPost && r.URL.Path == "/api/messages/c9/messages":
			var in map[string]string
			json.NewDecoder(r.Body).Decode(&in)
			if in["text"] != "Video call" || in["callType"] != "video" {
				t.Errorf("body = %v", in)
			}
			json.NewEncoder(w).Encode(map[string]any{
				"_id": "m9", "conversation": "c9", "callType": "video", "callStatus": "initiated",
			})
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	msg, err := c.CreateCallMessage(context.Background(), "u2", proto.CallVideo)
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID != "m9" || !msg.IsCall() {
		t.Fatalf("message = %+v", msg)
	}
}

func TestUpdateCallStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/api/messages/m9/call-status" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		var in struct {
			Status   string `json:"status"`
			Duration int    `json:"duration"`
		}
		json.NewDecoder(r.Body).Decode(&in)
		if in.Status != "ended" || in.Duration != 125 {
			t.Errorf("body = %+v", in)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	if err := c.UpdateCallStatus(context.Background(), "m9", conversation.CallEnded, 125); err != nil {
		t.Fatal(err)
	}
}

func TestDeleteMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/api/messages/m1" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	if err := c.DeleteMessage(context.Background(), "m1"); err != nil {
		t.Fatal(err)
	}
}
