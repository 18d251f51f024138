package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tradebot/internal/model"
)

// Reader provides read-only access for replay, warm-up and the operator API.
type Reader struct {
	db *sql.DB
}

var _ model.BarReader = (*Reader)(nil)

// NewReader opens a SQLite connection for reading.
func NewReader(dbPath string) (*Reader, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	slog.Info("[sqlite-reader] opened", "path", dbPath)
	return &Reader{db: db}, nil
}

// ReadBars returns bars for symbol at tf with ts > afterTS, ordered by ts.
func (r *Reader) ReadBars(symbol string, tf int, afterTS int64) ([]model.Bar, error) {
	rows, err := r.db.Query(`
		SELECT symbol, tf, ts, open, high, low, close, volume
		FROM bars
		WHERE symbol = ? AND tf = ? AND ts > ?
		ORDER BY ts ASC
	`, symbol, tf, afterTS)
	if err != nil {
		return nil, fmt.Errorf("sqlite query bars: %w", err)
	}
	defer rows.Close()

	var bars []model.Bar
	for rows.Next() {
		var b model.Bar
		var tsUnix int64
		var vol sql.NullFloat64
		if err := rows.Scan(&b.Symbol, &b.TF, &tsUnix, &b.Open, &b.High, &b.Low, &b.Close, &vol); err != nil {
			return nil, fmt.Errorf("sqlite scan bars: %w", err)
		}
		b.TS = time.Unix(tsUnix, 0).UTC()
		b.Volume = vol.Float64
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// Symbols lists the symbols with stored bars at tf.
func (r *Reader) Symbols(tf int) ([]string, error) {
	rows, err := r.db.Query(`SELECT DISTINCT symbol FROM bars WHERE tf = ? ORDER BY symbol`, tf)
	if err != nil {
		return nil, fmt.Errorf("sqlite query symbols: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Trades returns the last limit trades, newest first.
func (r *Reader) Trades(limit int) ([]model.TradeRecord, error) {
	rows, err := r.db.Query(`
		SELECT order_id, symbol, side, quantity, price, pnl, reason, signals, ts
		FROM trades ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query trades: %w", err)
	}
	defer rows.Close()

	var trades []model.TradeRecord
	for rows.Next() {
		var t model.TradeRecord
		var side string
		var reason, signals sql.NullString
		var ts int64
		if err := rows.Scan(&t.ID, &t.Symbol, &side, &t.Quantity, &t.Price, &t.PnL, &reason, &signals, &ts); err != nil {
			return nil, fmt.Errorf("sqlite scan trades: %w", err)
		}
		t.Side = model.Side(side)
		t.Reason = reason.String
		t.TS = time.UnixMilli(ts).UTC()
		if signals.Valid {
			if err := json.Unmarshal([]byte(signals.String), &t.Signals); err != nil {
				return nil, fmt.Errorf("sqlite decode trade signals: %w", err)
			}
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Positions returns the persisted open positions ordered by symbol.
func (r *Reader) Positions() ([]model.Position, error) {
	rows, err := r.db.Query(`
		SELECT symbol, quantity, entry_price, stop_loss, take_profit, current_price, pnl, entry_time
		FROM positions ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("sqlite query positions: %w", err)
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		var p model.Position
		var entry int64
		if err := rows.Scan(&p.Symbol, &p.Quantity, &p.EntryPrice, &p.StopLoss, &p.TakeProfit, &p.CurrentPrice, &p.UnrealizedPnL, &entry); err != nil {
			return nil, fmt.Errorf("sqlite scan positions: %w", err)
		}
		p.EntryTime = time.UnixMilli(entry).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

// Logs returns the last limit log events, newest first.
func (r *Reader) Logs(limit int) ([]model.LogEvent, error) {
	rows, err := r.db.Query(`SELECT level, message, data, ts FROM logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query logs: %w", err)
	}
	defer rows.Close()

	var out []model.LogEvent
	for rows.Next() {
		var ev model.LogEvent
		var level string
		var data sql.NullString
		var ts int64
		if err := rows.Scan(&level, &ev.Message, &data, &ts); err != nil {
			return nil, fmt.Errorf("sqlite scan logs: %w", err)
		}
		ev.Level = model.LogLevel(level)
		ev.TS = time.UnixMilli(ts).UTC()
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &ev.Data); err != nil {
				return nil, fmt.Errorf("sqlite decode log data: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Performance summarises closed trades. Only SELL rows carry realized PnL.
func (r *Reader) Performance() (model.Performance, error) {
	var p model.Performance
	var total sql.NullFloat64
	err := r.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN pnl > 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN pnl < 0 THEN 1 ELSE 0 END), 0),
		       SUM(pnl)
		FROM trades WHERE side = ?`, string(model.SideSell)).
		Scan(&p.TotalTrades, &p.WinningTrades, &p.LosingTrades, &total)
	if err != nil {
		return p, fmt.Errorf("sqlite performance: %w", err)
	}
	p.TotalPnL = total.Float64
	if p.TotalTrades > 0 {
		p.WinRate = float64(p.WinningTrades) / float64(p.TotalTrades) * 100
	}
	return p, nil
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}
