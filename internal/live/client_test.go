package live

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"circadgo/internal/events"
)

func TestDeriveURL(t *testing.T) {
	cases := []struct{ in, want string }{
		{"http://127.0.0.1:8000/api/", "ws://127.0.0.1:8000/ws/updates/"},
		{"https://circad.example/api/?x=1", "wss://circad.example/ws/updates/"},
	}
	for _, tc := range cases {
		got, err := DeriveURL(tc.in)
		if err != nil {
			t.Fatalf("derive %s: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("derive %s = %s, want %s", tc.in, got, tc.want)
		}
	}
	if _, err := DeriveURL("ftp://x/"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + updatesPath
}

func next(t *testing.T, sub *events.Subscription) events.Event {
	t.Helper()
	select {
	case e := <-sub.C:
		return e
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return events.Event{}
}

func TestClientPublishesUpdates(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"connection_status","message":"hello"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(
			`{"type":"analysis_update","message":"New analysis","data":{"id":9,"file_id":3,"status":"Faulty","mean_resistance":410.2,"timestamp":"2025-03-01T10:00:00Z"}}`))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	bus := events.NewBus()
	sub := bus.Subscribe(8, events.LiveUpdate, events.LiveConnection)
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := New(wsURL(srv), bus, nil, WithBackoff(10*time.Millisecond, 20*time.Millisecond))
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	if e := next(t, sub); e.Type != events.LiveConnection || !e.Connected {
		t.Fatalf("expected connected event, got %+v", e)
	}
	e := next(t, sub)
	if e.Type != events.LiveUpdate || e.Live == nil || e.Live.Data.ID != 9 || e.Live.Data.Status != "Faulty" {
		t.Fatalf("unexpected update: %+v", e)
	}
	if !c.Connected() {
		t.Fatalf("client should report connected")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop")
	}
	if c.Connected() {
		t.Fatalf("client should report disconnected after stop")
	}
}

func TestClientReconnects(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var hits atomic.Int32
	accepted := make(chan struct{}, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := hits.Add(1)
		accepted <- struct{}{}
		// Drop the first connection straight away.
		if n == 1 {
			conn.Close()
			return
		}
		defer conn.Close()
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	bus := events.NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := New(wsURL(srv), bus, nil, WithBackoff(5*time.Millisecond, 10*time.Millisecond))
	go func() { _ = c.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-accepted:
		case <-time.After(2 * time.Second):
			t.Fatalf("connection %d never arrived", i+1)
		}
	}
}

func TestClientKeepsQuietConnectionOpen(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hits.Add(1)
		defer conn.Close()
		// Never write. Pings are answered by the default handler while reading.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	bus := events.NewBus()
	sub := bus.Subscribe(8, events.LiveConnection)
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := New(wsURL(srv), bus, nil,
		WithKeepalive(200*time.Millisecond),
		WithBackoff(5*time.Millisecond, 10*time.Millisecond))
	go func() { _ = c.Run(ctx) }()

	if e := next(t, sub); !e.Connected {
		t.Fatalf("expected connected event, got %+v", e)
	}
	select {
	case e := <-sub.C:
		t.Fatalf("quiet connection dropped: %+v", e)
	case <-time.After(time.Second):
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("dials = %d, want 1", n)
	}
	if !c.Connected() {
		t.Fatalf("client should still be connected")
	}
}
