package model

import "context"

// ── Collaborator Port Interfaces ──
// These decouple the trading core from concrete adapters (WebSocket feed,
// paper broker, SQLite journal, Redis publisher).

// PriceFeed streams base-timeframe bars.
type PriceFeed interface {
	// Run pushes bars into out until ctx is cancelled or the feed fails.
	Run(ctx context.Context, out chan<- Bar) error
}

// Broker executes order specs. Implementations must be safe for
// concurrent use by the price loop and the decision loop.
type Broker interface {
	Execute(ctx context.Context, order OrderSpec) (Execution, error)
}

// Journal receives the persistence write contract. Calls are
// fire-and-forget relative to trading; failures are the journal's to log.
type Journal interface {
	RecordTrade(t TradeRecord)
	UpsertPosition(p Position)
	DeletePosition(symbol string)
	Log(ev LogEvent)
}

// Publisher fans out eventually-consistent snapshots to observers.
type Publisher interface {
	PublishPortfolio(ctx context.Context, state PortfolioState) error
	PublishSignal(ctx context.Context, sig Signal) error
}

// BarReader loads stored bars for replay and warm-up.
type BarReader interface {
	// ReadBars returns bars for symbol at tf with TS after afterTS (Unix
	// seconds), ordered by TS ascending.
	ReadBars(symbol string, tf int, afterTS int64) ([]Bar, error)

	// Close releases underlying resources.
	Close() error
}
