package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebot/internal/engine"
	"tradebot/internal/logger"
	"tradebot/internal/model"
)

func dialHub(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(msg, &env))
	return env
}

func waitClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.Clients() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_InitialStateThenLive(t *testing.T) {
	hub := NewHub(logger.Discard())
	srv := httptest.NewServer(setupTestRouter(&fakeEngine{}, nil, hub))
	defer srv.Close()

	now := time.Now()
	hub.Publish(engine.Event{Type: engine.EventTrade, Data: engine.TradeResult{PnL: 1}, TS: now})
	hub.Publish(engine.Event{Type: engine.EventPortfolio, Data: model.PortfolioState{Capital: 1}, TS: now})
	hub.Publish(engine.Event{Type: engine.EventPortfolio, Data: model.PortfolioState{Capital: 2}, TS: now})

	conn := dialHub(t, srv, "")
	waitClients(t, hub, 1)

	first := readEnvelope(t, conn)
	assert.Equal(t, engine.EventTrade, first.Type)
	assert.True(t, first.Initial)
	assert.Equal(t, int64(1), first.Seq)

	second := readEnvelope(t, conn)
	assert.Equal(t, engine.EventPortfolio, second.Type)
	assert.Equal(t, int64(3), second.Seq, "only the latest portfolio is replayed")

	hub.Publish(engine.Event{Type: engine.EventSignal, Data: model.Signal{Symbol: "INFY"}, TS: now})
	live := readEnvelope(t, conn)
	assert.Equal(t, engine.EventSignal, live.Type)
	assert.False(t, live.Initial)
	assert.Equal(t, int64(4), live.Seq)
}

func TestHub_ResumeSkipsSeenTrades(t *testing.T) {
	hub := NewHub(logger.Discard())
	srv := httptest.NewServer(setupTestRouter(&fakeEngine{}, nil, hub))
	defer srv.Close()

	for i := 0; i < 3; i++ {
		hub.Publish(engine.Event{Type: engine.EventTrade, Data: i, TS: time.Now()})
	}

	conn := dialHub(t, srv, "?since=2")
	env := readEnvelope(t, conn)
	assert.Equal(t, int64(3), env.Seq)
}

func TestHub_ClientPing(t *testing.T) {
	hub := NewHub(logger.Discard())
	srv := httptest.NewServer(setupTestRouter(&fakeEngine{}, nil, hub))
	defer srv.Close()

	conn := dialHub(t, srv, "")
	waitClients(t, hub, 1)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"ping":123}`)))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var pong struct {
		Type string `json:"type"`
		Ping int64  `json:"ping"`
	}
	require.NoError(t, json.Unmarshal(msg, &pong))
	assert.Equal(t, "pong", pong.Type)
	assert.Equal(t, int64(123), pong.Ping)
}

func TestHub_RunClosesClients(t *testing.T) {
	hub := NewHub(logger.Discard())
	srv := httptest.NewServer(setupTestRouter(&fakeEngine{}, nil, hub))
	defer srv.Close()

	conn := dialHub(t, srv, "")
	waitClients(t, hub, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	assert.Equal(t, 0, hub.Clients())
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	hub.Publish(engine.Event{Type: engine.EventStatus, TS: time.Now()})
}

func TestReplayBuffer_Wraparound(t *testing.T) {
	rb := newReplayBuffer(5)
	for i := int64(1); i <= 8; i++ {
		rb.Push(i, []byte{byte(i)})
	}
	require.Equal(t, 5, rb.Len())

	all := rb.All()
	require.Len(t, all, 5)
	assert.Equal(t, byte(4), all[0][0])
	assert.Equal(t, byte(8), all[4][0])

	assert.Len(t, rb.Since(6), 2)
	assert.Empty(t, newReplayBuffer(3).All())
}
