package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"tradebot/internal/engine"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 64
	recentTrades = 50
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Hub fans engine events out to WebSocket clients. New clients receive the
// latest event of every type plus the recent trade history.
type Hub struct {
	log *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	latest  map[engine.EventType][]byte
	trades  *replayBuffer
	seq     int64
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// envelope is the wire form of one event.
type envelope struct {
	Type    engine.EventType `json:"type"`
	Seq     int64            `json:"seq"`
	Data    any              `json:"data"`
	TS      time.Time        `json:"ts"`
	Initial bool             `json:"initial,omitempty"`
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		log:     logger,
		clients: make(map[*client]struct{}),
		latest:  make(map[engine.EventType][]byte),
		trades:  newReplayBuffer(recentTrades),
	}
}

// Publish broadcasts ev. It never blocks: a client whose buffer is full
// misses the event.
func (h *Hub) Publish(ev engine.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.seq++
	msg, err := json.Marshal(envelope{Type: ev.Type, Seq: h.seq, Data: ev.Data, TS: ev.TS})
	if err != nil {
		h.log.Warn("[api] event encode failed", "type", ev.Type, "error", err)
		return
	}
	if ev.Type == engine.EventTrade {
		h.trades.Push(h.seq, msg)
	} else {
		h.latest[ev.Type] = msg
	}
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run closes every client once ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	<-ctx.Done()
	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
	return nil
}

// ServeWS upgrades the request and registers the client. A client that
// reconnects passes ?since=<seq> to receive only the trades it missed.
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("[api] ws upgrade failed", "error", err)
		return
	}
	cl := &client{conn: conn, send: make(chan []byte, sendBuffer), hub: h}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[cl] = struct{}{}
	since, _ := strconv.ParseInt(c.Query("since"), 10, 64)
	h.sendInitialState(cl, since)
	h.mu.Unlock()

	h.log.Info("[api] ws client connected", "remote", conn.RemoteAddr().String())
	go cl.writePump()
	go cl.readPump()
}

// sendInitialState queues the snapshot for a new client: trades after
// since, then the latest state events. Caller holds mu.
func (h *Hub) sendInitialState(c *client, since int64) {
	for _, msg := range h.trades.Since(since) {
		queue(c, markInitial(msg))
	}
	for _, t := range []engine.EventType{engine.EventStatus, engine.EventPortfolio, engine.EventSignal} {
		if msg, ok := h.latest[t]; ok {
			queue(c, markInitial(msg))
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// sendTo queues msg for c if it is still registered.
func (h *Hub) sendTo(c *client, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; ok {
		queue(c, msg)
	}
}

func queue(c *client, msg []byte) {
	select {
	case c.send <- msg:
	default:
	}
}

func markInitial(msg []byte) []byte {
	var env map[string]json.RawMessage
	if json.Unmarshal(msg, &env) != nil {
		return msg
	}
	env["initial"] = json.RawMessage("true")
	out, err := json.Marshal(env)
	if err != nil {
		return msg
	}
	return out
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only services control frames and client pings.
func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
		c.hub.log.Info("[api] ws client disconnected")
	}()

	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var base struct {
			Ping int64 `json:"ping"`
		}
		if json.Unmarshal(msg, &base) != nil || base.Ping == 0 {
			continue
		}
		pong, _ := json.Marshal(map[string]any{
			"type":      "pong",
			"ping":      base.Ping,
			"server_ts": time.Now().UnixMilli(),
		})
		c.hub.sendTo(c, pong)
	}
}
