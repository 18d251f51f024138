// cmd/barserver is a demo WebSocket bar server. It broadcasts simulated
// one-minute bars for the configured symbols so the live engine can run
// in FEED_MODE=ws without a real market data source.
//
// Bar JSON shape is identical to model.Bar:
//
//	{"symbol":"INFY","tf":60,"ts":"...","open":1450,"high":1452.1,"low":1449,"close":1451.3,"volume":412000}
//
// Config (env vars):
//
//	BAR_SERVER_ADDR  listen address (default ":8765")
//	SYMBOLS          comma-separated symbols (default: the five NSE names)
//	SIM_SEED         walk seed (default 42)
//	SIM_INTERVAL_MS  interval between bar batches in ms (default 1000)
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"tradebot/config"
	"tradebot/internal/logger"
	"tradebot/internal/marketdata/sim"
	"tradebot/internal/model"
)

// ─── Hub ──────────────────────────────────────────────────────────────────────

type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]chan []byte)}
}

func (h *hub) register(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 256)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.clients {
		select {
		case ch <- msg:
		default: // slow client, drop
		}
	}
}

func (h *hub) size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ─── WebSocket handler ────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func wsHandler(h *hub, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("[barserver] upgrade error", "error", err)
			return
		}
		log.Info("[barserver] client connected", "remote", r.RemoteAddr)

		ch := h.register(conn)
		defer func() {
			h.unregister(conn)
			conn.Close()
			log.Info("[barserver] client disconnected", "remote", r.RemoteAddr)
		}()

		// Drain reads so close frames and dead peers are noticed.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					h.unregister(conn)
					return
				}
			}
		}()

		for msg := range ch {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// ─── Bar generator ────────────────────────────────────────────────────────────

// runGenerator broadcasts each simulator step as one newline-separated frame.
func runGenerator(ctx context.Context, h *hub, s *sim.Simulator) error {
	out := make(chan model.Bar, 64)
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx, out) }()

	perStep := len(s.Symbols())
	frame := make([]byte, 0, 256*perStep)
	n := 0
	for {
		select {
		case <-ctx.Done():
			return <-errCh
		case b := <-out:
			if n > 0 {
				frame = append(frame, '\n')
			}
			frame = append(frame, b.JSON()...)
			n++
			if n == perStep {
				h.broadcast(append([]byte(nil), frame...))
				frame, n = frame[:0], 0
			}
		}
	}
}

// ─── main ─────────────────────────────────────────────────────────────────────

func main() {
	cfg := config.Load()
	log := logger.Init("barserver", cfg.LogLevel)

	addr := os.Getenv("BAR_SERVER_ADDR")
	if addr == "" {
		addr = ":8765"
	}
	symbols := cfg.ParseSymbols()

	s, err := sim.New(sim.Config{
		Prices:   sim.ForSymbols(symbols),
		Seed:     uint64(cfg.SimSeed),
		Interval: cfg.SimInterval,
	}, log)
	if err != nil {
		log.Error("[barserver] simulator", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h := newHub()
	go func() {
		if err := runGenerator(ctx, h, s); err != nil {
			log.Error("[barserver] generator stopped", "error", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler(h, log))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"barserver","clients":%d}`+"\n", h.size())
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("[barserver] listening", "addr", addr, "symbols", s.Symbols(), "interval", cfg.SimInterval)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		log.Error("[barserver] server error", "error", err)
		os.Exit(1)
	}
}
