package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestPublish_ReachesConnectedClients(t *testing.T) {
	h := New()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	waitClients(t, h, 1)
	h.Publish("task.event", "t1", map[string]any{"type": "success", "message": "ok"})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var got envelope
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if got.Topic != "task.event" {
		t.Fatalf("topic = %q", got.Topic)
	}
	if got.Payload["taskId"] != "t1" || got.Payload["message"] != "ok" {
		t.Fatalf("payload = %v", got.Payload)
	}
	if got.ID == "" {
		t.Fatal("envelope id missing")
	}
}

func TestPublish_NoClientsIsNoOp(t *testing.T) {
	h := New()
	h.Publish("task.event", "t1", map[string]any{"type": "info"})
	if h.ClientCount() != 0 {
		t.Fatalf("client count = %d", h.ClientCount())
	}
}

func TestHandleWS_RemovesClientOnDisconnect(t *testing.T) {
	h := New()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	waitClients(t, h, 1)

	_ = conn.Close(websocket.StatusNormalClosure, "")
	waitClients(t, h, 0)
}

func waitClients(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h.ClientCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("client count = %d, want %d", h.ClientCount(), want)
}
