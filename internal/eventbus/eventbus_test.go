package eventbus

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func fixedNow() int64 { return 1_700_000_000_000 }

func TestHub_BroadcastsToSubscriber(t *testing.T) {
	hub := New(nil, fixedNow)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give the server goroutine a moment to register the subscriber before
	// publishing, since Dial returns as soon as the handshake completes.
	deadline := time.Now().Add(time.Second)
	for hub.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if hub.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", hub.SubscriberCount())
	}

	hub.Publish("server.status-changed", map[string]any{"id": "server-1"})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var got Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if got.Type != "server.status-changed" {
		t.Fatalf("expected server.status-changed, got %q", got.Type)
	}
	if got.Timestamp != fixedNow() {
		t.Fatalf("expected fixed timestamp, got %d", got.Timestamp)
	}
}

func TestHub_PublishWithNoSubscribersDoesNotBlock(t *testing.T) {
	hub := New(nil, fixedNow)
	hub.Publish("approval.new", map[string]any{"id": "req-1"})
}
