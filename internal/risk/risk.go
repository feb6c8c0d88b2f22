// Package risk tracks stop-loss and take-profit levels for open positions
// and decides when a forced exit is due.
package risk

import (
	"fmt"
	"sync"
)

// Reason explains a forced exit; it feeds the Q-learning reward at close.
type Reason string

const (
	ReasonStopLoss   Reason = "stop_loss"
	ReasonTakeProfit Reason = "take_profit"
)

// Levels are the exit prices armed for one position.
type Levels struct {
	EntryPrice float64
	StopLoss   float64
	TakeProfit float64
}

// Tracker holds armed levels keyed by position id. Safe for concurrent use,
// though each bot normally only touches its own positions.
type Tracker struct {
	mu     sync.Mutex
	levels map[string]Levels
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{levels: make(map[string]Levels)}
}

// Arm computes and stores exit levels for a position opened at entryPrice.
// Fractions must be in (0,1); the caller's config validation guarantees that.
func (t *Tracker) Arm(positionID string, entryPrice, stopLossPct, takeProfitPct float64) Levels {
	l := Levels{
		EntryPrice: entryPrice,
		StopLoss:   entryPrice * (1 - stopLossPct),
		TakeProfit: entryPrice * (1 + takeProfitPct),
	}
	t.mu.Lock()
	t.levels[positionID] = l
	t.mu.Unlock()
	return l
}

// Check evaluates the current price against a position's armed levels.
// Returns the exit reason and true when a forced close is due.
func (t *Tracker) Check(positionID string, price float64) (Reason, bool) {
	t.mu.Lock()
	l, ok := t.levels[positionID]
	t.mu.Unlock()
	if !ok {
		return "", false
	}

	switch {
	case price <= l.StopLoss:
		return ReasonStopLoss, true
	case price >= l.TakeProfit:
		return ReasonTakeProfit, true
	}
	return "", false
}

// Disarm drops a position's levels after it closes.
func (t *Tracker) Disarm(positionID string) {
	t.mu.Lock()
	delete(t.levels, positionID)
	t.mu.Unlock()
}

// Armed reports whether levels exist for the position.
func (t *Tracker) Armed(positionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.levels[positionID]
	return ok
}

// String renders levels for status output and logs.
func (l Levels) String() string {
	return fmt.Sprintf("entry=%.2f sl=%.2f tp=%.2f", l.EntryPrice, l.StopLoss, l.TakeProfit)
}
