// Package sqlite persists bar history and the trading journal (trades,
// open positions, operator log events) in a single SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tradebot/internal/model"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
	defaultQueueSize  = 4096
)

// WriterConfig configures the SQLite writer.
type WriterConfig struct {
	DBPath     string // path to SQLite database file, e.g. "data/tradebot.db"
	BatchSize  int
	FlushDelay time.Duration
	QueueSize  int
	Logger     *slog.Logger

	// OnError is called for every journal write that could not be
	// queued or committed.
	OnError func(op string, err error)
}

// op is one queued journal write.
type op struct {
	name string
	exec func(tx *sql.Tx) error
}

// Writer is a single-goroutine SQLite writer with transaction batching.
// Journal calls enqueue and return immediately; Run commits them.
type Writer struct {
	db      *sql.DB
	cfg     WriterConfig
	log     *slog.Logger
	ops     chan op
	dropped atomic.Int64
	failed  atomic.Int64
}

var _ model.Journal = (*Writer)(nil)

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

// New opens the database in WAL mode and creates the schema.
func New(cfg WriterConfig) (*Writer, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = defaultFlushDelay
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// Single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Info("[sqlite] opened database", "path", cfg.DBPath)
	return &Writer{db: db, cfg: cfg, log: log, ops: make(chan op, cfg.QueueSize)}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS bars (
			symbol     TEXT    NOT NULL,
			tf         INTEGER NOT NULL,
			ts         INTEGER NOT NULL,
			open       REAL    NOT NULL,
			high       REAL    NOT NULL,
			low        REAL    NOT NULL,
			close      REAL    NOT NULL,
			volume     REAL,
			PRIMARY KEY (symbol, tf, ts)
		);

		CREATE TABLE IF NOT EXISTS trades (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id   TEXT    NOT NULL,
			symbol     TEXT    NOT NULL,
			side       TEXT    NOT NULL,
			quantity   INTEGER NOT NULL,
			price      REAL    NOT NULL,
			pnl        REAL    NOT NULL DEFAULT 0,
			reason     TEXT,
			signals    TEXT,
			ts         INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol);
		CREATE INDEX IF NOT EXISTS idx_trades_ts ON trades(ts);

		CREATE TABLE IF NOT EXISTS positions (
			symbol        TEXT PRIMARY KEY,
			quantity      INTEGER NOT NULL,
			entry_price   REAL    NOT NULL,
			stop_loss     REAL    NOT NULL,
			take_profit   REAL    NOT NULL,
			current_price REAL    NOT NULL,
			pnl           REAL    NOT NULL,
			entry_time    INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS logs (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			level      TEXT    NOT NULL,
			message    TEXT    NOT NULL,
			data       TEXT,
			ts         INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_logs_ts ON logs(ts);
	`)
	return err
}

// RecordTrade queues an executed fill.
func (w *Writer) RecordTrade(t model.TradeRecord) {
	signals, err := marshalMap(t.Signals)
	if err != nil {
		w.fail("trade", err)
		return
	}
	w.enqueue(op{name: "trade", exec: func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO trades (order_id, symbol, side, quantity, price, pnl, reason, signals, ts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.Symbol, string(t.Side), t.Quantity, t.Price, t.PnL, t.Reason, signals, t.TS.UnixMilli())
		return err
	}})
}

// UpsertPosition queues the latest state of an open position.
func (w *Writer) UpsertPosition(p model.Position) {
	w.enqueue(op{name: "position", exec: func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT OR REPLACE INTO positions (symbol, quantity, entry_price, stop_loss, take_profit, current_price, pnl, entry_time)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.Symbol, p.Quantity, p.EntryPrice, p.StopLoss, p.TakeProfit, p.CurrentPrice, p.UnrealizedPnL, p.EntryTime.UnixMilli())
		return err
	}})
}

// DeletePosition queues removal of a closed position.
func (w *Writer) DeletePosition(symbol string) {
	w.enqueue(op{name: "position", exec: func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM positions WHERE symbol = ?`, symbol)
		return err
	}})
}

// Log queues an operator log event.
func (w *Writer) Log(ev model.LogEvent) {
	data, err := marshalMap(ev.Data)
	if err != nil {
		w.fail("log", err)
		return
	}
	w.enqueue(op{name: "log", exec: func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO logs (level, message, data, ts) VALUES (?, ?, ?, ?)`,
			string(ev.Level), ev.Message, data, ev.TS.UnixMilli())
		return err
	}})
}

func (w *Writer) enqueue(o op) {
	select {
	case w.ops <- o:
	default:
		w.dropped.Add(1)
		w.fail(o.name, fmt.Errorf("journal queue full (%d)", cap(w.ops)))
	}
}

func (w *Writer) fail(name string, err error) {
	w.failed.Add(1)
	w.log.Error("[sqlite] journal write failed", "op", name, "error", err)
	if w.cfg.OnError != nil {
		w.cfg.OnError(name, err)
	}
}

// Failures returns how many journal writes were dropped or failed.
func (w *Writer) Failures() int64 { return w.failed.Load() }

// Dropped returns how many journal writes were refused by a full queue.
func (w *Writer) Dropped() int64 { return w.dropped.Load() }

// Run commits queued journal writes in batched transactions. Flushes every
// BatchSize writes or every FlushDelay, whichever comes first. On ctx
// cancellation the queue is drained before returning.
func (w *Writer) Run(ctx context.Context) {
	batch := make([]op, 0, w.cfg.BatchSize)
	timer := time.NewTimer(w.cfg.FlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := w.commit(batch); err != nil {
			for _, o := range batch {
				w.fail(o.name, err)
			}
		} else {
			w.log.Debug("[sqlite] committed journal batch", "count", len(batch), "took", time.Since(start))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case o := <-w.ops:
					batch = append(batch, o)
				default:
					flush()
					return
				}
			}

		case o := <-w.ops:
			batch = append(batch, o)
			if len(batch) >= w.cfg.BatchSize {
				flush()
				timer.Reset(w.cfg.FlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(w.cfg.FlushDelay)
		}
	}
}

// commit applies batch in one transaction. A failing statement is
// reported and skipped; the rest of the batch still commits.
func (w *Writer) commit(batch []op) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}
	for _, o := range batch {
		if err := o.exec(tx); err != nil {
			w.fail(o.name, err)
		}
	}
	return tx.Commit()
}

// WriteBars inserts bars synchronously in one transaction, replacing any
// bar with the same (symbol, tf, ts).
func (w *Writer) WriteBars(bars []model.Bar) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO bars (symbol, tf, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, b := range bars {
		if _, err := stmt.Exec(b.Symbol, b.TF, b.TS.Unix(), b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite insert bar %s: %w", b.Key(), err)
		}
	}
	return tx.Commit()
}

// RunBars reads bars from barCh and stores them in batches.
func (w *Writer) RunBars(ctx context.Context, barCh <-chan model.Bar) {
	batch := make([]model.Bar, 0, w.cfg.BatchSize)
	timer := time.NewTimer(w.cfg.FlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := w.WriteBars(batch); err != nil {
			w.log.Error("[sqlite] bar batch insert failed", "count", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case b, ok := <-barCh:
			if !ok {
				flush()
				return
			}
			batch = append(batch, b)
			if len(batch) >= w.cfg.BatchSize {
				flush()
				timer.Reset(w.cfg.FlushDelay)
			}
		case <-timer.C:
			flush()
			timer.Reset(w.cfg.FlushDelay)
		}
	}
}

// Close closes the database.
func (w *Writer) Close() error {
	return w.db.Close()
}

func marshalMap(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
