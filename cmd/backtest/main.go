// cmd/backtest replays stored base bars from SQLite (or a seeded simulated
// history) through the live signal, risk and sizing components on an
// isolated account, and prints the result.
//
// Usage:
//
//	go run ./cmd/backtest --db=data/tradebot.db --symbols=INFY,TCS --from=0
//	go run ./cmd/backtest --sim-sessions=20 --seed=7
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"tradebot/config"
	"tradebot/internal/backtest"
	"tradebot/internal/featurestore"
	"tradebot/internal/logger"
	"tradebot/internal/marketdata/replay"
	"tradebot/internal/marketdata/sim"
	"tradebot/internal/model"
	sqlitestore "tradebot/internal/store/sqlite"
)

const baseTF = 60

func main() {
	dbPath := flag.String("db", "data/tradebot.db", "Path to SQLite database")
	symbolsStr := flag.String("symbols", "", "Comma-separated symbols (default: all stored)")
	fromTS := flag.Int64("from", 0, "Unix timestamp to start from (0=all)")
	tfStr := flag.String("tf", "300,900", "Comma-separated coarser TFs to maintain")
	tradingPath := flag.String("config", "", "Trading parameter YAML (default: built-in)")
	commission := flag.Float64("commission", 0.0003, "Commission as a fraction of notional")
	slippage := flag.Float64("slippage", 0.0005, "Slippage as a fraction of price")
	simSessions := flag.Int("sim-sessions", 0, "Generate this many simulated sessions instead of reading SQLite")
	seed := flag.Uint64("seed", 42, "Simulator seed")
	asJSON := flag.Bool("json", false, "Print the full result as JSON")
	flag.Parse()

	log := logger.Init("backtest", config.Load().LogLevel)

	trading, err := config.LoadTrading(*tradingPath)
	if err != nil {
		log.Error("[backtest] config", "error", err)
		os.Exit(1)
	}

	bars, err := loadBars(*dbPath, splitList(*symbolsStr), *fromTS, *simSessions, *seed)
	if err != nil {
		log.Error("[backtest] load bars", "error", err)
		os.Exit(1)
	}
	if len(bars) == 0 {
		log.Error("[backtest] no bars to replay")
		os.Exit(1)
	}
	log.Info("[backtest] bars loaded", "count", len(bars), "first", bars[0].TS, "last", bars[len(bars)-1].TS)

	bt, err := backtest.New(backtest.Config{
		InitialCapital: trading.Capital,
		CommissionRate: *commission,
		Slippage:       *slippage,
		PeriodsPerYear: 252 * 375,
	})
	if err != nil {
		log.Error("[backtest] init", "error", err)
		os.Exit(1)
	}
	strat, err := backtest.NewSignalStrategy(backtest.SignalConfig{
		Features: featurestore.Config{
			BaseTF:  baseTF,
			TFs:     parseTFs(*tfStr),
			MinBars: trading.MinBars,
			Periods: trading.Periods(),
		},
		DecisionTF: trading.DecisionTF,
		Params:     trading.Params(),
		Limits:     trading.Limits(),
	})
	if err != nil {
		log.Error("[backtest] strategy", "error", err)
		os.Exit(1)
	}

	start := time.Now()
	res, err := bt.Run(bars, strat)
	if err != nil {
		log.Error("[backtest] run", "error", err)
		os.Exit(1)
	}
	log.Info("[backtest] done", "took", time.Since(start))

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(res)
		return
	}
	printSummary(len(bars), trading.Capital, res)
}

func loadBars(dbPath string, symbols []string, fromTS int64, sessions int, seed uint64) ([]model.Bar, error) {
	if sessions > 0 {
		prices := sim.DefaultPrices
		if len(symbols) > 0 {
			prices = sim.ForSymbols(symbols)
		}
		s, err := sim.New(sim.Config{
			Prices: prices,
			Seed:   seed,
			BaseTF: baseTF,
			Start:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		}, logger.Discard())
		if err != nil {
			return nil, err
		}
		return s.History(sessions * 375), nil
	}

	reader, err := sqlitestore.NewReader(dbPath)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	if len(symbols) == 0 {
		if symbols, err = reader.Symbols(baseTF); err != nil {
			return nil, err
		}
	}
	return replay.New(reader, logger.Discard()).Load(symbols, baseTF, fromTS)
}

func printSummary(bars int, capital float64, res backtest.Result) {
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════╗")
	fmt.Println("║        BACKTEST COMPLETE             ║")
	fmt.Println("╠══════════════════════════════════════╣")
	fmt.Printf("║  Bars replayed:     %-16d ║\n", bars)
	fmt.Printf("║  Initial capital:   %-16.2f ║\n", capital)
	fmt.Printf("║  Final equity:      %-16.2f ║\n", res.FinalEquity)
	fmt.Printf("║  Total return:      %-15.2f%% ║\n", res.TotalReturn*100)
	fmt.Printf("║  Sharpe:            %-16.3f ║\n", res.Sharpe)
	fmt.Printf("║  Max drawdown:      %-16.2f ║\n", res.MaxDrawdown)
	fmt.Printf("║  Fills:             %-16d ║\n", res.Trades)
	fmt.Printf("║  Rejected:          %-16d ║\n", res.Rejected)
	fmt.Println("╚══════════════════════════════════════╝")
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.ToUpper(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseTFs(s string) []int {
	var tfs []int
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if n, err := strconv.Atoi(p); err == nil && n > 0 {
			tfs = append(tfs, n)
		}
	}
	return tfs
}
