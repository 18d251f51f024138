package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"tradebot/internal/engine"
	"tradebot/internal/model"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error     string `json:"error"`
	Reason    string `json:"reason,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// TradeRequest is the body of POST /api/trade.
type TradeRequest struct {
	Symbol string `json:"symbol" binding:"required"`
	Action string `json:"action" binding:"required"`
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(c *gin.Context) {
	st := h.eng.Status()
	status := "OK"
	if st.Halted {
		status = "HALTED"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"service":   ServiceName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// GetStatus handles GET /api/status.
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.eng.Status())
}

// StartTrading handles POST /api/trading/start.
func (h *Handler) StartTrading(c *gin.Context) {
	if err := h.eng.Start(); err != nil {
		h.handleError(c, err)
		return
	}
	h.logger.Info("[api] trading started", "request_id", c.GetString(RequestIDContextKey))
	c.JSON(http.StatusOK, h.eng.Status())
}

// StopTrading handles POST /api/trading/stop.
func (h *Handler) StopTrading(c *gin.Context) {
	h.eng.Stop()
	h.logger.Info("[api] trading stopped", "request_id", c.GetString(RequestIDContextKey))
	c.JSON(http.StatusOK, h.eng.Status())
}

// GetPortfolio handles GET /api/portfolio.
func (h *Handler) GetPortfolio(c *gin.Context) {
	c.JSON(http.StatusOK, h.eng.Portfolio())
}

// GetSignals handles GET /api/signals.
func (h *Handler) GetSignals(c *gin.Context) {
	c.JSON(http.StatusOK, h.eng.Signals())
}

// AnalyzeSymbol handles GET /api/signals/:symbol.
func (h *Handler) AnalyzeSymbol(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), DefaultTimeout)
	defer cancel()

	sig, err := h.eng.Analyze(ctx, c.Param("symbol"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, sig)
}

// ManualTrade handles POST /api/trade.
func (h *Handler) ManualTrade(c *gin.Context) {
	var req TradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "symbol and action are required")
		return
	}
	side := model.Side(strings.ToUpper(strings.TrimSpace(req.Action)))
	if side != model.SideBuy && side != model.SideSell {
		h.badRequest(c, "action must be BUY or SELL")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), DefaultTimeout)
	defer cancel()

	res, err := h.eng.ManualTrade(ctx, req.Symbol, side)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetConfig handles GET /api/config.
func (h *Handler) GetConfig(c *gin.Context) {
	h.cfgMu.Lock()
	cfg := h.cfg
	h.cfgMu.Unlock()
	c.JSON(http.StatusOK, cfg)
}

// UpdateConfig handles PUT /api/config. The body is a partial config
// overlaid on the current one; fields that need a restart are refused.
func (h *Handler) UpdateConfig(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<16))
	if err != nil {
		h.badRequest(c, "unreadable body")
		return
	}

	h.cfgMu.Lock()
	defer h.cfgMu.Unlock()

	next := h.cfg
	next.Weights = maps.Clone(h.cfg.Weights)
	if err := json.Unmarshal(body, &next); err != nil {
		h.badRequest(c, "invalid JSON: "+err.Error())
		return
	}
	if fields := next.RestartRequired(h.cfg); len(fields) > 0 {
		h.badRequest(c, "restart required to change "+strings.Join(fields, ", "))
		return
	}
	if err := next.Validate(); err != nil {
		h.badRequest(c, err.Error())
		return
	}
	if err := h.eng.Reconfigure(next.EngineSettings()); err != nil {
		h.badRequest(c, err.Error())
		return
	}
	h.cfg = next
	h.logger.Info("[api] config updated", "request_id", c.GetString(RequestIDContextKey))
	c.JSON(http.StatusOK, next)
}

// GetTrades handles GET /api/trades?limit=N.
func (h *Handler) GetTrades(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusOK, []model.TradeRecord{})
		return
	}
	limit, ok := h.limit(c, DefaultTradesLimit)
	if !ok {
		return
	}
	trades, err := h.history.Trades(limit)
	if err != nil {
		h.internalError(c, err)
		return
	}
	if trades == nil {
		trades = []model.TradeRecord{}
	}
	c.JSON(http.StatusOK, trades)
}

// GetLogs handles GET /api/logs?limit=N.
func (h *Handler) GetLogs(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusOK, []model.LogEvent{})
		return
	}
	limit, ok := h.limit(c, DefaultLogsLimit)
	if !ok {
		return
	}
	logs, err := h.history.Logs(limit)
	if err != nil {
		h.internalError(c, err)
		return
	}
	if logs == nil {
		logs = []model.LogEvent{}
	}
	c.JSON(http.StatusOK, logs)
}

// GetPerformance handles GET /api/performance. The journal covers every
// session; without one the current ledger is reported.
func (h *Handler) GetPerformance(c *gin.Context) {
	if h.history != nil {
		perf, err := h.history.Performance()
		if err == nil {
			c.JSON(http.StatusOK, perf)
			return
		}
		h.logger.Warn("[api] journal performance unavailable", "error", err)
	}
	c.JSON(http.StatusOK, h.eng.Performance())
}

// GetFeatures handles GET /api/features.
func (h *Handler) GetFeatures(c *gin.Context) {
	c.JSON(http.StatusOK, h.eng.Features())
}

func (h *Handler) limit(c *gin.Context, def int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		h.badRequest(c, "limit must be a positive integer")
		return 0, false
	}
	return min(n, MaxListLimit), true
}

// handleError maps engine errors to status codes.
func (h *Handler) handleError(c *gin.Context, err error) {
	var rej *model.RejectError
	switch {
	case errors.As(err, &rej):
		h.logger.Info("[api] request rejected",
			slog.String("request_id", c.GetString(RequestIDContextKey)),
			slog.String("path", c.Request.URL.Path),
			slog.String("reason", string(rej.Reason)))
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error:     rej.Error(),
			Reason:    string(rej.Reason),
			RequestID: c.GetString(RequestIDContextKey),
		})
	case errors.Is(err, engine.ErrUnknownSymbol):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), RequestID: c.GetString(RequestIDContextKey)})
	case errors.Is(err, engine.ErrHalted), errors.Is(err, engine.ErrEntriesBlocked):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), RequestID: c.GetString(RequestIDContextKey)})
	default:
		h.internalError(c, err)
	}
}

func (h *Handler) internalError(c *gin.Context, err error) {
	requestID := c.GetString(RequestIDContextKey)
	h.logger.Error("[api] request failed",
		slog.String("request_id", requestID),
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("error", err.Error()))
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error", RequestID: requestID})
}

func (h *Handler) badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg, RequestID: c.GetString(RequestIDContextKey)})
}
