package httpapi

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"modelwarden/internal/events"
)

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients=%d, want %d", h.Clients(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_BroadcastsEvents(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	defer hub.Close()
	srv := httptest.NewServer(NewMux(&mockService{}, nil, Options{Events: hub}))
	defer srv.Close()

	a := dialHub(t, srv)
	defer a.Close()
	b := dialHub(t, srv)
	defer b.Close()
	waitClients(t, hub, 2)

	hub.Publish(events.Event{Name: "model_loaded", Subject: "tiny", Fields: map[string]any{"memory_mb": 512}})

	for _, c := range []*websocket.Conn{a, b} {
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var got events.Event
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("json: %v", err)
		}
		if got.Name != "model_loaded" || got.Subject != "tiny" {
			t.Fatalf("unexpected event: %+v", got)
		}
	}
}

func TestHub_ForgetsDisconnectedClients(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	defer hub.Close()
	srv := httptest.NewServer(NewMux(&mockService{}, nil, Options{Events: hub}))
	defer srv.Close()

	c := dialHub(t, srv)
	waitClients(t, hub, 1)
	c.Close()
	waitClients(t, hub, 0)

	// Publishing with nobody listening is a no-op.
	hub.Publish(events.Event{Name: "model_unloaded"})
}

func TestHub_CloseDisconnects(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(NewMux(&mockService{}, nil, Options{Events: hub}))
	defer srv.Close()

	c := dialHub(t, srv)
	defer c.Close()
	waitClients(t, hub, 1)
	hub.Close()
	waitClients(t, hub, 0)

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := c.ReadMessage(); err == nil {
		t.Fatalf("expected read error after hub close")
	}
}

func TestHub_NotMountedWithoutEvents(t *testing.T) {
	r := NewMux(&mockService{}, nil, Options{})
	w := do(r, "GET", "/events", "")
	if w.Code != 404 {
		t.Fatalf("status=%d", w.Code)
	}
}
