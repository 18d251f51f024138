// Package metrics exposes Prometheus collectors for the trading engine
// and a /healthz endpoint reporting feed and storage liveness.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradebot/internal/model"
	"tradebot/internal/resilience"
)

// Metrics holds all Prometheus metrics for the trading engine.
type Metrics struct {
	BarsIngested   prometheus.Counter
	StaleBars      prometheus.Counter
	FeedReconnects prometheus.Counter

	Signals    *prometheus.CounterVec // labels: side
	Orders     *prometheus.CounterVec // labels: side, status
	Rejections *prometheus.CounterVec // labels: reason
	Exits      *prometheus.CounterVec // labels: reason

	Retries         *prometheus.CounterVec // labels: op
	JournalFailures *prometheus.CounterVec // labels: op
	BreakerState    *prometheus.GaugeVec   // labels: name; 0=closed, 1=open, 2=half-open
	BreakerTrips    *prometheus.CounterVec // labels: name
	BufferedWrites  prometheus.Counter

	AvailableCapital prometheus.Gauge
	Equity           prometheus.Gauge
	Exposure         prometheus.Gauge
	OpenPositions    prometheus.Gauge
	Drawdown         prometheus.Gauge

	DecisionCycleDur prometheus.Histogram
	PriceCycleDur    prometheus.Histogram
	PredictDur       prometheus.Histogram

	Trading     prometheus.Gauge // 0=stopped, 1=running
	MarketState prometheus.Gauge // 0=closed, 1=entries allowed, 2=exits only
	Halted      prometheus.Gauge
}

// NewMetrics creates all collectors and registers them with reg. A nil
// reg uses the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		BarsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradebot_bars_ingested_total",
			Help: "Base bars accepted by the feature store",
		}),
		StaleBars: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradebot_stale_bars_total",
			Help: "Bars rejected as older than their series tail",
		}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradebot_feed_reconnects_total",
			Help: "Price feed reconnection attempts",
		}),

		Signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradebot_signals_total",
			Help: "Fused signals by side",
		}, []string{"side"}),
		Orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradebot_orders_total",
			Help: "Broker confirmations by side and status",
		}, []string{"side", "status"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradebot_rejections_total",
			Help: "Orders vetoed by risk or the ledger, by reason",
		}, []string{"reason"}),
		Exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradebot_exits_total",
			Help: "Closed positions by exit reason",
		}, []string{"reason"}),

		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradebot_retries_total",
			Help: "Transient failures retried, by operation",
		}, []string{"op"}),
		JournalFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradebot_journal_failures_total",
			Help: "Journal writes dropped or failed, by operation",
		}, []string{"op"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tradebot_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		BreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradebot_circuit_breaker_trips_total",
			Help: "Times a circuit breaker tripped open",
		}, []string{"name"}),
		BufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradebot_redis_buffered_writes_total",
			Help: "Snapshot writes buffered while the Redis breaker was open",
		}),

		AvailableCapital: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradebot_available_capital",
			Help: "Capital not committed to open positions",
		}),
		Equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradebot_equity",
			Help: "Available capital plus marked value of open positions",
		}),
		Exposure: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradebot_exposure",
			Help: "Marked value of open positions",
		}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradebot_open_positions",
			Help: "Number of open positions",
		}),
		Drawdown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradebot_max_drawdown",
			Help: "Largest fall of equity from its peak at trade close",
		}),

		DecisionCycleDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tradebot_decision_cycle_duration_seconds",
			Help:    "Decision loop cycle latency across all symbols",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		PriceCycleDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tradebot_price_cycle_duration_seconds",
			Help:    "Price loop mark-and-exit latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
		PredictDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tradebot_predict_duration_seconds",
			Help:    "Predictor call latency per symbol",
			Buckets: prometheus.DefBuckets,
		}),

		Trading: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradebot_trading_enabled",
			Help: "Operator trading switch (0=stopped, 1=running)",
		}),
		MarketState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradebot_market_state",
			Help: "Session state (0=closed, 1=entries allowed, 2=exits only)",
		}),
		Halted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradebot_halted",
			Help: "1 after an accounting invariant violation halted trading",
		}),
	}

	reg.MustRegister(
		m.BarsIngested,
		m.StaleBars,
		m.FeedReconnects,
		m.Signals,
		m.Orders,
		m.Rejections,
		m.Exits,
		m.Retries,
		m.JournalFailures,
		m.BreakerState,
		m.BreakerTrips,
		m.BufferedWrites,
		m.AvailableCapital,
		m.Equity,
		m.Exposure,
		m.OpenPositions,
		m.Drawdown,
		m.DecisionCycleDur,
		m.PriceCycleDur,
		m.PredictDur,
		m.Trading,
		m.MarketState,
		m.Halted,
	)

	return m
}

// ObservePortfolio sets the capital gauges from a ledger snapshot.
func (m *Metrics) ObservePortfolio(s model.PortfolioState) {
	m.AvailableCapital.Set(s.AvailableCapital)
	m.Equity.Set(s.TotalValue)
	m.Exposure.Set(s.MarketValue)
	m.OpenPositions.Set(float64(s.OpenPositions))
}

// BreakerObserver returns an OnStateChange callback recording transitions
// of the breaker called name.
func (m *Metrics) BreakerObserver(name string) func(from, to resilience.State) {
	m.BreakerState.WithLabelValues(name).Set(0)
	return func(_, to resilience.State) {
		m.BreakerState.WithLabelValues(name).Set(float64(to))
		if to == resilience.StateOpen {
			m.BreakerTrips.WithLabelValues(name).Inc()
		}
	}
}

// RetryObserver returns an OnRetry callback counting retries of op.
func (m *Metrics) RetryObserver(op string) func(err error, wait time.Duration) {
	c := m.Retries.WithLabelValues(op)
	return func(error, time.Duration) { c.Inc() }
}

// Pinger is implemented by storage clients with a liveness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	FeedConnected  bool      `json:"feed_connected"`
	LastBarTime    time.Time `json:"last_bar_time"`
	RedisEnabled   bool      `json:"redis_enabled"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`
	Trading        bool      `json:"trading"`
	Halted         bool      `json:"halted"`
	Symbols        []string  `json:"symbols"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetFeedConnected(v bool) {
	h.mu.Lock()
	h.FeedConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastBarTime(t time.Time) {
	h.mu.Lock()
	h.LastBarTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisEnabled(v bool) {
	h.mu.Lock()
	h.RedisEnabled = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetTrading(running, halted bool) {
	h.mu.Lock()
	h.Trading = running
	h.Halted = halted
	h.mu.Unlock()
}

func (h *HealthStatus) SetSymbols(symbols []string) {
	h.mu.Lock()
	h.Symbols = symbols
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb Pinger) {
	start := time.Now()
	err := rdb.Ping(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// RunLivenessChecker runs periodic dependency checks until ctx ends.
// Either dependency may be nil.
func (h *HealthStatus) RunLivenessChecker(ctx context.Context, rdb Pinger, sqlDB *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			if rdb != nil {
				h.CheckRedis(probeCtx, rdb)
			}
			if sqlDB != nil {
				h.CheckSQLite(probeCtx, sqlDB)
			}
			cancel()
		}
	}
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	if !h.FeedConnected || !h.SQLiteOK || (h.RedisEnabled && !h.RedisConnected) {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if h.Halted || (!h.FeedConnected && !h.SQLiteOK) {
		overallStatus = "unhealthy"
		httpCode = http.StatusServiceUnavailable
	}

	barAge := ""
	if !h.LastBarTime.IsZero() {
		barAge = time.Since(h.LastBarTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string   `json:"status"`
		Uptime          string   `json:"uptime"`
		FeedConnected   bool     `json:"feed_connected"`
		LastBarTime     string   `json:"last_bar_time"`
		BarAge          string   `json:"bar_age"`
		RedisEnabled    bool     `json:"redis_enabled"`
		RedisConnected  bool     `json:"redis_connected"`
		RedisLatencyMs  float64  `json:"redis_latency_ms"`
		SQLiteOK        bool     `json:"sqlite_ok"`
		SQLiteLatencyMs float64  `json:"sqlite_latency_ms"`
		Trading         bool     `json:"trading"`
		Halted          bool     `json:"halted"`
		Symbols         []string `json:"symbols"`
		LastCheckAt     string   `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		FeedConnected:   h.FeedConnected,
		LastBarTime:     h.LastBarTime.Format(time.RFC3339),
		BarAge:          barAge,
		RedisEnabled:    h.RedisEnabled,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		Trading:         h.Trading,
		Halted:          h.Halted,
		Symbols:         h.Symbols,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server. gatherer defaults to the
// default registry.
func NewServer(addr string, health *HealthStatus, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the server's mux, for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("[metrics] server listening", "addr", s.addr)
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
