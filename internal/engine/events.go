package engine

import "time"

// EventType names what changed.
type EventType string

const (
	EventPortfolio EventType = "portfolio_update"
	EventTrade     EventType = "trade_executed"
	EventSignal    EventType = "signal"
	EventStatus    EventType = "status"
)

// Event is pushed to subscribers after the change it describes.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
	TS   time.Time `json:"ts"`
}

// Subscribe registers fn for every event. fn runs on the emitting
// goroutine and must not block.
func (e *Engine) Subscribe(fn func(Event)) {
	e.subMu.Lock()
	e.subs = append(e.subs, fn)
	e.subMu.Unlock()
}

func (e *Engine) emit(t EventType, data any) {
	e.subMu.RLock()
	defer e.subMu.RUnlock()
	if len(e.subs) == 0 {
		return
	}
	ev := Event{Type: t, Data: data, TS: e.now()}
	for _, fn := range e.subs {
		fn(ev)
	}
}
