package model

import "fmt"

// RejectReason enumerates local, recoverable order rejections.
type RejectReason string

const (
	RejectMaxPositions        RejectReason = "max positions reached"
	RejectPositionExists      RejectReason = "position already exists"
	RejectNoPosition          RejectReason = "no position to sell"
	RejectInsufficientCapital RejectReason = "insufficient capital"
	RejectInvalidAction       RejectReason = "invalid action"
	RejectExceedsMaxExposure  RejectReason = "exceeds max exposure"
	RejectMissingPriceOrStop  RejectReason = "missing price or stop"
)

// RejectError is returned by the risk manager and the ledger when an order
// is vetoed. Compare with errors.Is against the Err* sentinels below.
type RejectError struct {
	Reason RejectReason
	Symbol string
	Detail string
}

func (e *RejectError) Error() string {
	msg := "rejected: " + string(e.Reason)
	if e.Symbol != "" {
		msg += " [" + e.Symbol + "]"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Is matches any RejectError with the same reason.
func (e *RejectError) Is(target error) bool {
	t, ok := target.(*RejectError)
	return ok && t.Reason == e.Reason
}

// Reject builds a RejectError for symbol with an optional formatted detail.
func Reject(reason RejectReason, symbol, format string, args ...any) *RejectError {
	e := &RejectError{Reason: reason, Symbol: symbol}
	if format != "" {
		e.Detail = fmt.Sprintf(format, args...)
	}
	return e
}

var (
	ErrMaxPositionsReached = &RejectError{Reason: RejectMaxPositions}
	ErrPositionExists      = &RejectError{Reason: RejectPositionExists}
	ErrNoPositionToSell    = &RejectError{Reason: RejectNoPosition}
	ErrInsufficientCapital = &RejectError{Reason: RejectInsufficientCapital}
	ErrInvalidAction       = &RejectError{Reason: RejectInvalidAction}
	ErrExceedsMaxExposure  = &RejectError{Reason: RejectExceedsMaxExposure}
	ErrMissingPriceOrStop  = &RejectError{Reason: RejectMissingPriceOrStop}
)
