// Package engine runs live trading: a fast price loop that marks open
// positions and executes stop/target exits, and a slower decision loop
// that turns feature snapshots into entries and signal exits.
//
// One Engine owns its collaborators; there is no package state. Per-symbol
// locks keep the two loops from interleaving on one symbol, an entry gate
// serializes capital checks with their broker confirmation, and the ledger
// mutex covers only the mutation itself.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tradebot/internal/featurestore"
	"tradebot/internal/markethours"
	"tradebot/internal/metrics"
	"tradebot/internal/model"
	"tradebot/internal/notification"
	"tradebot/internal/portfolio"
	"tradebot/internal/predictor"
	"tradebot/internal/risk"
	"tradebot/internal/strategy"
)

// ErrHalted is returned by operations attempted after an invariant
// violation stopped the engine.
var ErrHalted = errors.New("engine: trading halted")

var (
	ErrUnknownSymbol  = errors.New("engine: unknown symbol")
	ErrEntriesBlocked = errors.New("engine: entries are blocked")
)

// Config configures an Engine.
type Config struct {
	Symbols    []string
	DecisionTF int // series the vote runs on (default: store base TF)
	Window     int // bars handed to the predictor (default 200)

	PriceInterval    time.Duration // default 2s
	DecisionInterval time.Duration // default 5s

	Settings     Settings
	StartRunning bool
}

// Settings are the operator-tunable parameters. They are read at
// construction and change only through Reconfigure.
type Settings struct {
	Params       strategy.Params `json:"params"`
	Limits       risk.Limits     `json:"limits"`
	MaxPositions int             `json:"max_positions"`
}

// Validate checks every part before anything is applied.
func (s Settings) Validate() error {
	if s.MaxPositions <= 0 {
		return fmt.Errorf("engine: max positions must be positive, got %d", s.MaxPositions)
	}
	if err := s.Limits.Validate(); err != nil {
		return err
	}
	return s.Params.Validate()
}

// Deps are the injected collaborators. Store, Predictor and Broker are
// required; the rest fall back to no-op or log-only implementations.
type Deps struct {
	Store     *featurestore.Store
	Predictor predictor.Predictor
	Broker    model.Broker
	Journal   model.Journal
	Publisher model.Publisher
	Notifier  notification.Notifier
	Metrics   *metrics.Metrics
	Session   markethours.Session
	Now       func() time.Time
	Logger    *slog.Logger
}

// Status is the operator view of the engine.
type Status struct {
	Running       bool      `json:"running"`
	Halted        bool      `json:"halted"`
	HaltReason    string    `json:"halt_reason,omitempty"`
	Market        string    `json:"market"`
	EntryAllowed  bool      `json:"entry_allowed"`
	Symbols       []string  `json:"symbols"`
	OpenPositions int       `json:"open_positions"`
	LastDecision  time.Time `json:"last_decision"`
}

// Engine is the live trading coordinator.
type Engine struct {
	cfg Config

	store    *featurestore.Store
	strategy *strategy.Engine
	risk     *risk.Manager
	ledger   *portfolio.Ledger

	broker  model.Broker
	journal model.Journal
	pub     model.Publisher
	notify  notification.Notifier
	m       *metrics.Metrics
	session markethours.Session
	now     func() time.Time
	log     *slog.Logger

	symMu   sync.Mutex
	symLock map[string]*sync.Mutex
	entryMu sync.Mutex

	sigMu   sync.RWMutex
	signals map[string]model.Signal

	subMu sync.RWMutex
	subs  []func(Event)

	settings     atomic.Pointer[Settings]
	running      atomic.Bool
	halted       atomic.Bool
	haltReason   atomic.Pointer[string]
	lastDecision atomic.Int64

	alerts sync.WaitGroup
}

// New builds an engine with its own risk manager, signal engine and ledger.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil || deps.Predictor == nil || deps.Broker == nil {
		return nil, errors.New("engine: store, predictor and broker are required")
	}
	if len(cfg.Symbols) == 0 {
		return nil, errors.New("engine: no symbols configured")
	}
	if err := cfg.Settings.Validate(); err != nil {
		return nil, err
	}
	if cfg.DecisionTF <= 0 {
		cfg.DecisionTF = deps.Store.Config().BaseTF
	}
	if !slices.Contains(deps.Store.TFs(), cfg.DecisionTF) {
		return nil, fmt.Errorf("engine: decision TF %d is not maintained by the feature store", cfg.DecisionTF)
	}
	if cfg.Window <= 0 {
		cfg.Window = 200
	}
	if cfg.PriceInterval <= 0 {
		cfg.PriceInterval = 2 * time.Second
	}
	if cfg.DecisionInterval <= 0 {
		cfg.DecisionInterval = 5 * time.Second
	}

	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	if deps.Journal == nil {
		deps.Journal = nopJournal{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notification.NewLogNotifier(log)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewMetrics(prometheus.NewRegistry())
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	strat, err := strategy.NewEngine(deps.Predictor, cfg.Settings.Params, log)
	if err != nil {
		return nil, err
	}
	rm, err := risk.New(cfg.Settings.Limits)
	if err != nil {
		return nil, err
	}
	ledger, err := portfolio.New(portfolio.Config{
		Capital:      cfg.Settings.Limits.Capital,
		MaxPositions: cfg.Settings.MaxPositions,
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		store:    deps.Store,
		strategy: strat,
		risk:     rm,
		ledger:   ledger,
		broker:   deps.Broker,
		journal:  deps.Journal,
		pub:      deps.Publisher,
		notify:   deps.Notifier,
		m:        deps.Metrics,
		session:  deps.Session,
		now:      deps.Now,
		log:      log,
		symLock:  make(map[string]*sync.Mutex, len(cfg.Symbols)),
		signals:  make(map[string]model.Signal, len(cfg.Symbols)),
	}
	for _, s := range cfg.Symbols {
		e.symLock[s] = &sync.Mutex{}
	}
	st := cfg.Settings
	e.settings.Store(&st)
	e.running.Store(cfg.StartRunning)
	e.m.Trading.Set(boolGauge(cfg.StartRunning))
	return e, nil
}

// lockFor returns the mutex serializing work on symbol.
func (e *Engine) lockFor(symbol string) *sync.Mutex {
	e.symMu.Lock()
	defer e.symMu.Unlock()
	mu, ok := e.symLock[symbol]
	if !ok {
		mu = &sync.Mutex{}
		e.symLock[symbol] = mu
	}
	return mu
}

// OnBar ingests one base-TF bar. Stale bars are counted and dropped.
func (e *Engine) OnBar(bar model.Bar) ([]int, error) {
	touched, err := e.store.Ingest(bar)
	if err != nil {
		if errors.Is(err, featurestore.ErrStaleBar) {
			e.m.StaleBars.Inc()
		}
		return nil, err
	}
	e.m.BarsIngested.Inc()
	return touched, nil
}

// Warm loads history into the feature store before trading starts.
func (e *Engine) Warm(bars []model.Bar) (int, error) {
	n, err := e.store.IngestBatch(bars)
	e.m.BarsIngested.Add(float64(n))
	return n, err
}

// Start enables new entries.
func (e *Engine) Start() error {
	if e.halted.Load() {
		return ErrHalted
	}
	if e.running.CompareAndSwap(false, true) {
		e.m.Trading.Set(1)
		e.record(model.LogInfo, "trading started", nil)
		e.emit(EventStatus, e.Status())
	}
	return nil
}

// Stop blocks new entries. Stop/target and signal exits continue.
func (e *Engine) Stop() {
	if e.running.CompareAndSwap(true, false) {
		e.m.Trading.Set(0)
		e.record(model.LogInfo, "trading stopped", nil)
		e.emit(EventStatus, e.Status())
	}
}

// Running reports whether new entries are enabled.
func (e *Engine) Running() bool { return e.running.Load() }

// Halted reports whether an invariant violation stopped the engine.
func (e *Engine) Halted() bool { return e.halted.Load() }

// Status returns the operator view.
func (e *Engine) Status() Status {
	now := e.now()
	st := Status{
		Running:       e.running.Load(),
		Halted:        e.halted.Load(),
		Market:        e.session.Status(now),
		EntryAllowed:  e.entriesAllowed(now),
		Symbols:       append([]string(nil), e.cfg.Symbols...),
		OpenPositions: e.ledger.Snapshot().OpenPositions,
	}
	if r := e.haltReason.Load(); r != nil {
		st.HaltReason = *r
	}
	if ts := e.lastDecision.Load(); ts > 0 {
		st.LastDecision = time.Unix(0, ts)
	}
	return st
}

// entriesAllowed is the gate for every BUY, manual ones included.
func (e *Engine) entriesAllowed(now time.Time) bool {
	return e.running.Load() && !e.halted.Load() && e.session.AllowsEntry(now)
}

// Portfolio returns the latest lock-free ledger snapshot.
func (e *Engine) Portfolio() model.PortfolioState {
	st := e.ledger.Snapshot()
	st.Running = e.running.Load()
	return st
}

// Performance returns closed-trade statistics since start.
func (e *Engine) Performance() model.Performance {
	return e.ledger.Stats()
}

// Ledger exposes the position ledger for read-only callers.
func (e *Engine) Ledger() *portfolio.Ledger { return e.ledger }

// Symbols returns the traded symbols.
func (e *Engine) Symbols() []string { return append([]string(nil), e.cfg.Symbols...) }

// Features returns the snapshot of every maintained TF per symbol.
func (e *Engine) Features() map[string]map[int]model.FeatureSnapshot {
	out := make(map[string]map[int]model.FeatureSnapshot, len(e.cfg.Symbols))
	for _, sym := range e.cfg.Symbols {
		per := make(map[int]model.FeatureSnapshot)
		for _, tf := range e.store.TFs() {
			per[tf] = e.store.Snapshot(sym, tf)
		}
		out[sym] = per
	}
	return out
}

// Signals returns the latest signal computed per symbol.
func (e *Engine) Signals() map[string]model.Signal {
	e.sigMu.RLock()
	defer e.sigMu.RUnlock()
	out := make(map[string]model.Signal, len(e.signals))
	for k, v := range e.signals {
		out[k] = v
	}
	return out
}

// Settings returns the parameters in effect.
func (e *Engine) Settings() Settings { return *e.settings.Load() }

// Reconfigure validates s in full, then swaps it in. Capital is fixed for
// the life of the ledger.
func (e *Engine) Reconfigure(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	cur := e.Settings()
	if s.Limits.Capital != cur.Limits.Capital {
		return fmt.Errorf("engine: capital is fixed at %v while the ledger is live", cur.Limits.Capital)
	}
	if err := e.strategy.SetParams(s.Params); err != nil {
		return err
	}
	if err := e.risk.SetLimits(s.Limits); err != nil {
		return err
	}
	if err := e.ledger.SetMaxPositions(s.MaxPositions); err != nil {
		return err
	}
	s.Params = e.strategy.Params()
	e.settings.Store(&s)
	e.record(model.LogInfo, "configuration reloaded", map[string]any{
		"max_positions":  s.MaxPositions,
		"rsi_oversold":   s.Params.RSIOversold,
		"rsi_overbought": s.Params.RSIOverbought,
	})
	e.log.Info("[engine] settings reloaded", "max_positions", s.MaxPositions)
	return nil
}

// halt stops trading for good after an invariant violation.
func (e *Engine) halt(err error) error {
	if !e.halted.CompareAndSwap(false, true) {
		return err
	}
	e.running.Store(false)
	reason := err.Error()
	e.haltReason.Store(&reason)
	e.m.Halted.Set(1)
	e.m.Trading.Set(0)
	e.log.Error("[engine] trading halted", "error", err)
	e.record(model.LogCritical, "trading halted", map[string]any{"error": reason})
	e.alert(notification.Alert{
		Level:   notification.AlertCritical,
		Title:   "Trading halted",
		Message: reason,
	})
	e.emit(EventStatus, e.Status())
	return err
}

// checkFatal halts on a ledger invariant violation and returns it.
func (e *Engine) checkFatal(err error) error {
	var inv *portfolio.InvariantError
	if errors.As(err, &inv) {
		return e.halt(err)
	}
	return nil
}

// record writes an operator-facing log event to the journal.
func (e *Engine) record(level model.LogLevel, msg string, data map[string]any) {
	e.journal.Log(model.LogEvent{Level: level, Message: msg, Data: data, TS: e.now()})
}

// alert delivers a notification without blocking the caller.
func (e *Engine) alert(a notification.Alert) {
	if a.TS.IsZero() {
		a.TS = e.now()
	}
	e.alerts.Add(1)
	go func() {
		defer e.alerts.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := e.notify.Send(ctx, a); err != nil {
			e.log.Warn("[engine] alert delivery failed", "title", a.Title, "error", err)
		}
	}()
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

type nopJournal struct{}

func (nopJournal) RecordTrade(model.TradeRecord) {}
func (nopJournal) UpsertPosition(model.Position) {}
func (nopJournal) DeletePosition(string)         {}
func (nopJournal) Log(model.LogEvent)            {}
