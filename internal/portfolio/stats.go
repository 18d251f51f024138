package portfolio

import (
	"sync"

	"tradebot/internal/model"
)

// Stats tracks closed-trade results and the equity high-water mark.
type Stats struct {
	mu       sync.RWMutex
	total    int
	wins     int
	losses   int
	totalPnL float64

	peakEquity  float64
	maxDrawdown float64
}

// NewStats creates a tracker starting at initialEquity.
func NewStats(initialEquity float64) *Stats {
	return &Stats{peakEquity: initialEquity}
}

// Record adds one closed trade and the equity right after it.
// Break-even trades count as neither win nor loss.
func (s *Stats) Record(pnl, equity float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total++
	s.totalPnL += pnl
	switch {
	case pnl > 0:
		s.wins++
	case pnl < 0:
		s.losses++
	}

	if equity > s.peakEquity {
		s.peakEquity = equity
	}
	if dd := s.peakEquity - equity; dd > s.maxDrawdown {
		s.maxDrawdown = dd
	}
}

// Performance returns the summary; win rate is in percent.
func (s *Stats) Performance() model.Performance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p := model.Performance{
		TotalTrades:   s.total,
		WinningTrades: s.wins,
		LosingTrades:  s.losses,
		TotalPnL:      s.totalPnL,
	}
	if s.total > 0 {
		p.WinRate = float64(s.wins) / float64(s.total) * 100
	}
	return p
}

// Drawdown returns the peak equity and the largest fall from it.
func (s *Stats) Drawdown() (peak, maxDrawdown float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peakEquity, s.maxDrawdown
}
