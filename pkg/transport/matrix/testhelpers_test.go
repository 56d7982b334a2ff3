// Copyright 2024-2026 Aiku AI

package matrix

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// sentEvent records a message sent through the fake homeserver.
type sentEvent struct {
	Path    string
	Content map[string]any
}

// fakeHS simulates the parts of a Matrix homeserver the relay uses.
type fakeHS struct {
	Server *httptest.Server

	mu   sync.Mutex
	sent []sentEvent

	// Media maps "server/mediaID" to content.
	Media map[string][]byte
	// Uploads records uploaded content types.
	Uploads []string
}

func newFakeHS(t *testing.T) *fakeHS {
	t.Helper()
	f := &fakeHS{Media: make(map[string][]byte)}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(f.Server.Close)
	return f
}

func (f *fakeHS) Sent() []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentEvent(nil), f.sent...)
}

func writeMatrixError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"errcode": code, "error": msg})
}

func (f *fakeHS) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	path := r.URL.Path

	switch {
	case r.Method == http.MethodGet && strings.HasSuffix(path, "/account/whoami"):
		if r.Header.Get("Authorization") != "Bearer test-token" {
			writeMatrixError(w, http.StatusUnauthorized, "M_UNKNOWN_TOKEN", "bad token")
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"user_id": "@bot:example.org"})

	case r.Method == http.MethodGet && strings.Contains(path, "/download/"):
		key := path[strings.Index(path, "/download/")+len("/download/"):]
		f.mu.Lock()
		data, ok := f.Media[key]
		f.mu.Unlock()
		if !ok {
			writeMatrixError(w, http.StatusNotFound, "M_NOT_FOUND", "no such media")
			return
		}
		_, _ = w.Write(data)

	case r.Method == http.MethodPost && strings.HasSuffix(path, "/upload"):
		f.mu.Lock()
		f.Uploads = append(f.Uploads, r.Header.Get("Content-Type"))
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"content_uri": "mxc://example.org/uploaded"})

	case r.Method == http.MethodPut && strings.Contains(path, "/send/m.room.message/"):
		var content map[string]any
		_ = json.Unmarshal(body, &content)
		f.mu.Lock()
		f.sent = append(f.sent, sentEvent{Path: path, Content: content})
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"event_id": "$sent"})

	default:
		writeMatrixError(w, http.StatusNotFound, "M_UNRECOGNIZED", "not found: "+path)
	}
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := New(Config{HomeserverURL: serverURL, UserID: "@bot:example.org", AccessToken: "test-token"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

// newMessage builds a parsed m.room.message event sent now.
func newMessage(sender string, content *event.MessageEventContent) *event.Event {
	return &event.Event{
		Type:      event.EventMessage,
		RoomID:    id.RoomID("!room:example.org"),
		ID:        id.EventID("$event1"),
		Sender:    id.UserID(sender),
		Timestamp: time.Now().Add(time.Second).UnixMilli(),
		Content:   event.Content{Parsed: content},
	}
}
