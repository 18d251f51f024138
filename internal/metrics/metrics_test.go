package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"tradebot/internal/model"
	"tradebot/internal/resilience"
)

func TestNewMetrics_PrivateRegistry(t *testing.T) {
	// Two instances must not collide when each has its own registry.
	NewMetrics(prometheus.NewRegistry())
	m := NewMetrics(prometheus.NewRegistry())

	m.ObservePortfolio(model.PortfolioState{AvailableCapital: 85000, TotalValue: 100100, MarketValue: 15100, OpenPositions: 1})
	if got := testutil.ToFloat64(m.Equity); got != 100100 {
		t.Errorf("equity gauge = %v", got)
	}
	if got := testutil.ToFloat64(m.OpenPositions); got != 1 {
		t.Errorf("open positions gauge = %v", got)
	}
}

func TestBreakerAndRetryObservers(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	obs := m.BreakerObserver("broker")
	obs(resilience.StateClosed, resilience.StateOpen)
	obs(resilience.StateOpen, resilience.StateHalfOpen)

	if got := testutil.ToFloat64(m.BreakerState.WithLabelValues("broker")); got != 2 {
		t.Errorf("state = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.BreakerTrips.WithLabelValues("broker")); got != 1 {
		t.Errorf("trips = %v", got)
	}

	retry := m.RetryObserver("predict")
	retry(errors.New("x"), time.Second)
	retry(errors.New("x"), time.Second)
	if got := testutil.ToFloat64(m.Retries.WithLabelValues("predict")); got != 2 {
		t.Errorf("retries = %v", got)
	}
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestHealth_Status(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(h *HealthStatus)
		status string
		code   int
	}{
		{"healthy", func(h *HealthStatus) {
			h.SetFeedConnected(true)
			h.SetSQLiteOK(true)
		}, "healthy", http.StatusOK},
		{"redis down", func(h *HealthStatus) {
			h.SetFeedConnected(true)
			h.SetSQLiteOK(true)
			h.SetRedisEnabled(true)
			h.CheckRedis(context.Background(), pinger{err: errors.New("refused")})
		}, "degraded", http.StatusServiceUnavailable},
		{"halted", func(h *HealthStatus) {
			h.SetFeedConnected(true)
			h.SetSQLiteOK(true)
			h.SetTrading(false, true)
		}, "unhealthy", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthStatus()
			tt.setup(h)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			var body struct{ Status string }
			json.NewDecoder(rec.Body).Decode(&body)
			if rec.Code != tt.code || body.Status != tt.status {
				t.Errorf("code=%d status=%q", rec.Code, body.Status)
			}
		})
	}
}

func TestServer_ExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.BarsIngested.Add(3)

	srv := NewServer(":0", NewHealthStatus(), reg)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "tradebot_bars_ingested_total 3") {
		t.Errorf("metrics output missing counter:\n%s", rec.Body.String())
	}
}
