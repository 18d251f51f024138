package wsfeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tradebot/internal/logger"
	"tradebot/internal/model"
)

var upgrader = websocket.Upgrader{}

// barServer sends frames to each connection, then closes it.
func barServer(t *testing.T, frames ...string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conns.Add(1)
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &conns
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func recv(t *testing.T, ch <-chan model.Bar) model.Bar {
	t.Helper()
	select {
	case b := <-ch:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("no bar received")
	}
	return model.Bar{}
}

func TestFeed_DecodesFramesAndFilters(t *testing.T) {
	srv, _ := barServer(t,
		`{"symbol":"INFY","tf":60,"ts":"2026-03-02T03:45:00Z","open":1,"high":2,"low":1,"close":2,"volume":10}`,
		"not json",
		`{"symbol":"TCS","tf":60,"ts":"2026-03-02T03:45:00Z","open":1,"high":2,"low":1,"close":2,"volume":10}`+"\n"+
			`{"symbol":"INFY","tf":60,"ts":"2026-03-02T03:46:00Z","open":2,"high":1,"low":3,"close":2,"volume":10}`+"\n"+
			`{"symbol":"INFY","tf":60,"ts":"2026-03-02T03:47:00Z","open":2,"high":3,"low":2,"close":3,"volume":10}`,
	)

	f, err := New(Config{URL: wsURL(srv), Symbols: []string{"INFY"}, ReconnectDelay: time.Hour}, logger.Discard())
	if err != nil {
		t.Fatal(err)
	}
	out := make(chan model.Bar, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx, out)

	first := recv(t, out)
	if first.Symbol != "INFY" || first.Close != 2 {
		t.Fatalf("first = %+v", first)
	}
	second := recv(t, out)
	if second.TS.Minute() != 47 {
		t.Fatalf("second bar at %v, want the 03:47 bar (filtered and invalid bars dropped)", second.TS)
	}
}

func TestFeed_ReconnectsAfterDisconnect(t *testing.T) {
	srv, conns := barServer(t,
		`{"symbol":"INFY","tf":60,"ts":"2026-03-02T03:45:00Z","open":1,"high":2,"low":1,"close":2,"volume":10}`)

	f, err := New(Config{URL: wsURL(srv), ReconnectDelay: 10 * time.Millisecond, MaxReconnectDelay: 20 * time.Millisecond}, logger.Discard())
	if err != nil {
		t.Fatal(err)
	}
	var reconnects, ups atomic.Int32
	f.OnReconnect = func() { reconnects.Add(1) }
	f.OnConnState = func(up bool) {
		if up {
			ups.Add(1)
		}
	}

	out := make(chan model.Bar, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, out) }()

	recv(t, out)
	recv(t, out)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	if conns.Load() < 2 || reconnects.Load() < 1 || ups.Load() < 2 {
		t.Fatalf("conns=%d reconnects=%d ups=%d", conns.Load(), reconnects.Load(), ups.Load())
	}
}

func TestNew_RejectsNonWebSocketURL(t *testing.T) {
	if _, err := New(Config{URL: "http://localhost:9001"}, nil); err == nil {
		t.Fatal("http URL accepted")
	}
}
