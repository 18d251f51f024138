// Package api exposes the trading engine over HTTP and WebSocket.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"tradebot/config"
	"tradebot/internal/engine"
	"tradebot/internal/model"
)

const (
	DefaultTimeout      = 15 * time.Second
	DefaultTradesLimit  = 50
	DefaultLogsLimit    = 100
	MaxListLimit        = 1000
	ServiceName         = "tradebot"
	RequestIDContextKey = "request_id"
	RequestIDHeaderKey  = "X-Request-ID"
)

// Engine is the part of the live engine the API drives.
type Engine interface {
	Start() error
	Stop()
	Status() engine.Status
	Portfolio() model.PortfolioState
	Performance() model.Performance
	Signals() map[string]model.Signal
	Analyze(ctx context.Context, symbol string) (model.Signal, error)
	ManualTrade(ctx context.Context, symbol string, side model.Side) (engine.TradeResult, error)
	Features() map[string]map[int]model.FeatureSnapshot
	Reconfigure(s engine.Settings) error
}

// History reads the persisted journal. Optional.
type History interface {
	Trades(limit int) ([]model.TradeRecord, error)
	Logs(limit int) ([]model.LogEvent, error)
	Performance() (model.Performance, error)
}

// Handler serves the operator API.
type Handler struct {
	eng     Engine
	history History
	hub     *Hub
	logger  *slog.Logger

	cfgMu sync.Mutex
	cfg   config.Trading
}

// NewHandler creates a handler. history and hub may be nil.
func NewHandler(eng Engine, history History, hub *Hub, trading config.Trading, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		eng:     eng,
		history: history,
		hub:     hub,
		logger:  logger,
		cfg:     trading,
	}
}

// SetupRoutes configures all API routes.
func (h *Handler) SetupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(requestIDMiddleware())
	router.Use(loggerMiddleware(h.logger))
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	router.GET("/health", h.HealthCheck)

	v1 := router.Group("/api")
	v1.GET("/status", h.GetStatus)
	v1.POST("/trading/start", h.StartTrading)
	v1.POST("/trading/stop", h.StopTrading)
	v1.GET("/portfolio", h.GetPortfolio)
	v1.GET("/signals", h.GetSignals)
	v1.GET("/signals/:symbol", h.AnalyzeSymbol)
	v1.POST("/trade", h.ManualTrade)
	v1.GET("/config", h.GetConfig)
	v1.PUT("/config", h.UpdateConfig)
	v1.GET("/trades", h.GetTrades)
	v1.GET("/logs", h.GetLogs)
	v1.GET("/performance", h.GetPerformance)
	v1.GET("/features", h.GetFeatures)
	if h.hub != nil {
		router.GET("/ws", h.hub.ServeWS)
	}
	return router
}

// Server runs the API over HTTP.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer wraps the handler's routes in an http.Server.
func NewServer(addr string, h *Handler) *Server {
	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           h.SetupRoutes(),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("[api] server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}
