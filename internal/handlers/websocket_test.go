package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/skrapp/internal/interfaces"
	"github.com/ternarybob/skrapp/internal/services/events"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// dialWS connects a client and consumes the initial hello frame.
func dialWS(t *testing.T, serverURL string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(serverURL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var hello WSMessage
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("Failed to read hello frame: %v", err)
	}
	if hello.Type != "connected" {
		t.Fatalf("Expected connected frame first, got %q", hello.Type)
	}
	payload := hello.Payload.(map[string]interface{})
	if payload["server_instance_id"] == "" {
		t.Error("Expected server_instance_id in hello frame")
	}
	return conn
}

func TestWebSocketBroadcast(t *testing.T) {
	handler := NewWebSocketHandler(arbor.NewLogger())
	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	defer server.Close()

	first := dialWS(t, server.URL)
	second := dialWS(t, server.URL)
	waitFor(t, "both clients registered", func() bool { return handler.ClientCount() == 2 })

	handler.BroadcastJobUpdate(JobStatusUpdate{
		JobID:     "job_broadcast",
		State:     "running",
		Timestamp: time.Now(),
	})

	for i, conn := range []*websocket.Conn{first, second} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("client %d: read failed: %v", i, err)
		}
		if msg.Type != "job_updated" {
			t.Errorf("client %d: type = %q, want job_updated", i, msg.Type)
		}
		payload := msg.Payload.(map[string]interface{})
		if payload["job_id"] != "job_broadcast" {
			t.Errorf("client %d: job_id = %v", i, payload["job_id"])
		}
		if payload["state"] != "running" {
			t.Errorf("client %d: state = %v", i, payload["state"])
		}
	}

	first.Close()
	second.Close()
	waitFor(t, "clients unregistered", func() bool { return handler.ClientCount() == 0 })

	handler.mu.RLock()
	mutexes := len(handler.clientMutex)
	handler.mu.RUnlock()
	if mutexes != 0 {
		t.Errorf("Handler still tracks %d client mutexes after cleanup", mutexes)
	}
}

func TestEventSubscriber_BridgesBusToClients(t *testing.T) {
	handler := NewWebSocketHandler(arbor.NewLogger())
	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	defer server.Close()

	bus := events.NewService(arbor.NewLogger())
	sub := NewEventSubscriber(handler, bus, arbor.NewLogger())
	defer sub.Unsubscribe()

	conn := dialWS(t, server.URL)
	waitFor(t, "client registered", func() bool { return handler.ClientCount() == 1 })

	err := bus.PublishSync(context.Background(), interfaces.Event{
		Type: interfaces.EventJobUpdated,
		Payload: map[string]interface{}{
			"job_id": "job_bus",
			"state":  "failed",
		},
	})
	if err != nil {
		t.Fatalf("PublishSync failed: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if msg.Type != "job_updated" {
		t.Errorf("type = %q, want job_updated", msg.Type)
	}
	payload := msg.Payload.(map[string]interface{})
	if payload["job_id"] != "job_bus" || payload["state"] != "failed" {
		t.Errorf("payload = %v", payload)
	}
}

func TestEventSubscriber_ThrottlesProgress(t *testing.T) {
	handler := NewWebSocketHandler(arbor.NewLogger())
	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	defer server.Close()

	bus := events.NewService(arbor.NewLogger())
	sub := NewEventSubscriber(handler, bus, arbor.NewLogger())
	defer sub.Unsubscribe()

	conn := dialWS(t, server.URL)
	waitFor(t, "client registered", func() bool { return handler.ClientCount() == 1 })

	for i := 0; i < 3; i++ {
		err := bus.PublishSync(context.Background(), interfaces.Event{
			Type: interfaces.EventJobProgress,
			Payload: map[string]interface{}{
				"job_id":        "job_chatty",
				"state":         "running",
				"pages_fetched": i,
			},
		})
		if err != nil {
			t.Fatalf("PublishSync failed: %v", err)
		}
	}

	// Burst of three snapshots inside the throttle window: exactly one frame.
	got := 0
	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		if msg.Type == "job_progress" {
			got++
		}
	}
	if got != 1 {
		t.Errorf("Received %d progress frames, want 1", got)
	}
}
