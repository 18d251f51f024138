// cmd/tradebot runs the live paper-trading engine: a bar feed (simulated
// or WebSocket), the feature store, both trading loops, the SQLite journal,
// optional Redis snapshots, alerts, the operator API and metrics.
//
// Config (env vars): see config.Load. Trading parameters come from the
// YAML file named by TRADING_CONFIG.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"tradebot/config"
	"tradebot/internal/api"
	"tradebot/internal/engine"
	"tradebot/internal/execution"
	"tradebot/internal/featurestore"
	"tradebot/internal/logger"
	"tradebot/internal/marketdata/bus"
	"tradebot/internal/marketdata/sim"
	"tradebot/internal/marketdata/wsfeed"
	"tradebot/internal/metrics"
	"tradebot/internal/model"
	"tradebot/internal/notification"
	"tradebot/internal/predictor"
	"tradebot/internal/resilience"
	redisstore "tradebot/internal/store/redis"
	sqlitestore "tradebot/internal/store/sqlite"
)

const (
	baseTF         = 60
	barsPerSession = 375
	// warmSessions of history are loaded before the loops start.
	warmSessions = 2
)

func main() {
	cfg := config.Load()
	log := logger.Init("tradebot", cfg.LogLevel)

	if err := run(cfg, log); err != nil {
		log.Error("[tradebot] fatal", "error", err)
		os.Exit(1)
	}
	log.Info("[tradebot] shutdown complete")
}

func run(cfg *config.Config, log *slog.Logger) error {
	trading, err := config.LoadTrading(cfg.TradingConfig)
	if err != nil {
		return err
	}
	symbols := cfg.ParseSymbols()
	if len(symbols) == 0 {
		return errors.New("no symbols configured")
	}
	session, err := trading.SessionWindow()
	if err != nil {
		return err
	}
	tfs := cfg.ParseTFs()
	log.Info("[tradebot] starting",
		"symbols", symbols, "tfs", tfs, "decision_tf", trading.DecisionTF,
		"feed", cfg.FeedMode, "predictor", cfg.Predictor, "capital", trading.Capital)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- Metrics & health ----
	m := metrics.NewMetrics(nil)
	health := metrics.NewHealthStatus()
	health.SetSymbols(symbols)

	// ---- SQLite journal ----
	writer, err := sqlitestore.New(sqlitestore.WriterConfig{
		DBPath: cfg.SQLitePath,
		Logger: log,
		OnError: func(op string, err error) {
			m.JournalFailures.WithLabelValues(op).Inc()
		},
	})
	if err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}
	defer writer.Close()
	reader, err := sqlitestore.NewReader(cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("sqlite reader: %w", err)
	}
	defer reader.Close()
	health.SetSQLiteOK(true)

	if stale, err := reader.Positions(); err == nil && len(stale) > 0 {
		log.Warn("[tradebot] journal holds positions from a previous run; the ledger starts flat",
			"count", len(stale))
	}

	// ---- Redis snapshots (optional) ----
	var (
		publisher model.Publisher
		rdbPinger metrics.Pinger
	)
	if cfg.RedisAddr != "" {
		health.SetRedisEnabled(true)
		rc, err := redisstore.Dial(redisstore.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err != nil {
			log.Warn("[tradebot] redis unavailable, snapshots will be buffered", "addr", cfg.RedisAddr, "error", err)
		} else {
			defer rc.Close()
			snapshots := redisstore.NewReader(rc)
			rdbPinger = snapshots
			if last, ok, err := snapshots.LatestPortfolio(ctx); err == nil && ok {
				log.Info("[tradebot] previous run's last snapshot",
					"total_value", last.TotalValue, "open_positions", last.OpenPositions, "at", last.UpdatedAt)
			}
			cb := resilience.NewCircuitBreaker(5, 10*time.Second)
			cb.OnStateChange = m.BreakerObserver("redis")
			pub := redisstore.NewPublisher(rc, cb, 0, log)
			pub.OnBuffer = m.BufferedWrites.Inc
			publisher = pub
		}
	}

	// ---- Predictor ----
	pred, closePred, err := newPredictor(cfg, m, log)
	if err != nil {
		return err
	}
	defer closePred()

	// ---- Broker ----
	broker := execution.NewGuardedBroker(
		execution.NewPaperBroker(cfg.PaperSlippageBps, log),
		execution.GuardOptions{
			OnRetry: m.RetryObserver("broker"),
			OnState: m.BreakerObserver("broker"),
			Logger:  log,
		},
	)

	// ---- Alerts ----
	notifier := notification.NewFanout().Add(notification.NewLogNotifier(log), notification.AlertInfo)
	if cfg.WebhookURL != "" {
		notifier.Add(notification.NewWebhookNotifier(cfg.WebhookURL), notification.AlertWarning)
	}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		notifier.Add(notification.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID), notification.AlertInfo)
	}

	// ---- Feature store & engine ----
	store, err := featurestore.New(featurestore.Config{
		BaseTF:  baseTF,
		TFs:     tfs,
		MinBars: trading.MinBars,
		Periods: trading.Periods(),
	})
	if err != nil {
		return err
	}
	priceEvery, decideEvery := trading.Intervals()
	eng, err := engine.New(engine.Config{
		Symbols:          symbols,
		DecisionTF:       trading.DecisionTF,
		PriceInterval:    priceEvery,
		DecisionInterval: decideEvery,
		Settings:         trading.EngineSettings(),
		StartRunning:     cfg.AutoStart,
	}, engine.Deps{
		Store:     store,
		Predictor: pred,
		Broker:    broker,
		Journal:   writer,
		Publisher: publisher,
		Notifier:  notifier,
		Metrics:   m,
		Session:   session,
		Logger:    log,
	})
	if err != nil {
		return err
	}
	eng.Subscribe(func(ev engine.Event) {
		if st, ok := ev.Data.(engine.Status); ok {
			health.SetTrading(st.Running, st.Halted)
		}
	})

	// ---- Feed & warm-up ----
	feed, warm, err := newFeed(cfg, symbols, m, health, reader, log)
	if err != nil {
		return err
	}
	if len(warm) > 0 {
		n, err := eng.Warm(warm)
		if err != nil {
			log.Warn("[tradebot] warm-up incomplete", "error", err)
		}
		log.Info("[tradebot] feature store warmed", "bars", n)
		if t, ok := pred.(predictor.Trainable); ok {
			if err := t.Train(ctx, store.Bars(symbols[0], baseTF)); err != nil {
				log.Warn("[tradebot] predictor training skipped", "error", err)
			}
		}
	}

	// ---- API ----
	hub := api.NewHub(log)
	eng.Subscribe(hub.Publish)
	apiSrv := api.NewServer(cfg.APIAddr, api.NewHandler(eng, reader, hub, trading, log))
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health, nil)

	// ---- Pipeline: feed -> fan-out -> engine / bar store / health ----
	rawCh := make(chan model.Bar, 1024)
	fan := bus.New(1024)
	engineCh := fan.SubscribeLossless()
	storeCh := fan.Subscribe()
	healthCh := fan.Subscribe()
	fan.OnDrop = func(idx int) { log.Debug("[tradebot] bar dropped for slow consumer", "subscriber", idx) }

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { writer.Run(gctx); return nil })
	g.Go(func() error { writer.RunBars(gctx, storeCh); return nil })
	g.Go(func() error { fan.Run(gctx, rawCh); return nil })
	g.Go(func() error {
		for b := range healthCh {
			health.SetLastBarTime(b.TS)
		}
		return nil
	})
	g.Go(func() error { return feed.Run(gctx, rawCh) })
	g.Go(func() error {
		err := eng.Run(gctx, engineCh)
		if errors.Is(err, engine.ErrHalted) {
			log.Error("[tradebot] engine stopped after a trading halt", "reason", eng.Status().HaltReason)
			return nil
		}
		return err
	})
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return apiSrv.Run(gctx) })
	g.Go(func() error { return metricsSrv.Run(gctx) })
	g.Go(func() error {
		health.RunLivenessChecker(gctx, rdbPinger, writer.DB(), 10*time.Second)
		return nil
	})

	log.Info("[tradebot] running", "api", cfg.APIAddr, "metrics", cfg.MetricsAddr, "auto_start", cfg.AutoStart)
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// newPredictor builds the configured score source and its cleanup.
func newPredictor(cfg *config.Config, m *metrics.Metrics, log *slog.Logger) (predictor.Predictor, func(), error) {
	switch cfg.Predictor {
	case "", "rule":
		return predictor.NewRuleScorer(), func() {}, nil
	case "remote":
		policy := resilience.DefaultPolicy("predictor")
		policy.OnRetry = m.RetryObserver("predictor")
		return predictor.NewRemote(cfg.PredictorURL, predictor.RemoteOptions{Policy: policy}), func() {}, nil
	case "onnx":
		if err := predictor.InitRuntime(cfg.ONNXLibPath); err != nil {
			return nil, nil, fmt.Errorf("onnx runtime: %w", err)
		}
		onnx, err := predictor.NewONNX(cfg.ONNXModelPath, predictor.SequenceLength)
		if err != nil {
			return nil, nil, fmt.Errorf("onnx model: %w", err)
		}
		log.Info("[tradebot] onnx model loaded", "path", cfg.ONNXModelPath)
		return onnx, onnx.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown predictor %q", cfg.Predictor)
}

// newFeed builds the price feed and the bars to warm the store with.
func newFeed(cfg *config.Config, symbols []string, m *metrics.Metrics, health *metrics.HealthStatus,
	reader *sqlitestore.Reader, log *slog.Logger) (model.PriceFeed, []model.Bar, error) {
	switch cfg.FeedMode {
	case "sim":
		s, err := sim.New(sim.Config{
			Prices:   sim.ForSymbols(symbols),
			Seed:     uint64(cfg.SimSeed),
			BaseTF:   baseTF,
			Start:    time.Now().Add(-warmSessions * barsPerSession * time.Minute),
			Interval: cfg.SimInterval,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		health.SetFeedConnected(true)
		return s, s.History(warmSessions * barsPerSession), nil

	case "ws":
		f, err := wsfeed.New(wsfeed.Config{URL: cfg.FeedURL, Symbols: symbols}, log)
		if err != nil {
			return nil, nil, err
		}
		f.OnReconnect = m.FeedReconnects.Inc
		f.OnConnState = health.SetFeedConnected

		from := time.Now().Add(-7 * 24 * time.Hour).Unix()
		var warm []model.Bar
		for _, sym := range symbols {
			bars, err := reader.ReadBars(sym, baseTF, from)
			if err != nil {
				log.Warn("[tradebot] warm-up read failed", "symbol", sym, "error", err)
				continue
			}
			warm = append(warm, bars...)
		}
		return f, warm, nil
	}
	return nil, nil, fmt.Errorf("unknown feed mode %q", cfg.FeedMode)
}
