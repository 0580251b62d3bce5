package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWebhookNotifier(t *testing.T) {
	var received IncomingCall
	var gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &received); err != nil {
			t.Errorf("payload is not JSON: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	n := NewWebhookNotifier(server.URL, 0, nil)
	err := n.IncomingCall(context.Background(), "bob", "ctx-1", "alice", "Alice")
	if err != nil {
		t.Fatalf("IncomingCall failed: %v", err)
	}

	if gotContentType != "application/json" {
		t.Fatalf("Content-Type = %q", gotContentType)
	}
	if received.Type != "incoming_call" || received.Priority != "urgent" {
		t.Fatalf("unexpected payload: %+v", received)
	}
	if received.TargetID != "bob" || received.CallerID != "alice" || received.ContextID != "ctx-1" {
		t.Fatalf("unexpected addressing: %+v", received)
	}
	if received.ID == "" {
		t.Fatal("payload must carry a notification id")
	}
	if !strings.Contains(received.ActionURL, "ctx-1") || !strings.Contains(received.ActionURL, "alice") {
		t.Fatalf("ActionURL = %q, should point at the conversation", received.ActionURL)
	}
	if !strings.Contains(received.Message, "Alice") {
		t.Fatalf("Message = %q, should name the caller", received.Message)
	}
}

func TestWebhookNotifierAnonymousCaller(t *testing.T) {
	var received IncomingCall
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
	}))
	defer server.Close()

	n := NewWebhookNotifier(server.URL, 0, nil)
	if err := n.IncomingCall(context.Background(), "bob", "ctx-1", "alice", ""); err != nil {
		t.Fatalf("IncomingCall failed: %v", err)
	}
	if received.CallerName != "Someone" {
		t.Fatalf("CallerName = %q, want the placeholder", received.CallerName)
	}
}

func TestWebhookNotifierErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	n := NewWebhookNotifier(server.URL, 0, nil)
	if err := n.IncomingCall(context.Background(), "bob", "ctx-1", "alice", "Alice"); err == nil {
		t.Fatal("a 5xx response must surface as an error")
	}
}

func TestWebhookNotifierUnreachable(t *testing.T) {
	n := NewWebhookNotifier("http://127.0.0.1:1/unreachable", 0, nil)
	if err := n.IncomingCall(context.Background(), "bob", "ctx-1", "alice", "Alice"); err == nil {
		t.Fatal("an unreachable endpoint must surface as an error")
	}
}
