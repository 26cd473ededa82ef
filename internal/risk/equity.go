// Package risk implements pre-trade checks and the daily loss kill switch.
package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// EquityTracker follows realised equity, its peak and the current day's PnL.
// Thread-safe for concurrent access.
type EquityTracker struct {
	mu       sync.RWMutex
	peak     decimal.Decimal
	current  decimal.Decimal
	day      time.Time
	dailyPnL decimal.Decimal
}

// NewEquityTracker creates a tracker starting at initialEquity.
func NewEquityTracker(initialEquity decimal.Decimal) *EquityTracker {
	return &EquityTracker{
		peak:    initialEquity,
		current: initialEquity,
	}
}

// Realise books realised PnL at time at. The daily total restarts at the
// first booking of a new UTC day.
func (e *EquityTracker) Realise(pnl decimal.Decimal, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.rollLocked(at)
	e.dailyPnL = e.dailyPnL.Add(pnl)
	e.current = e.current.Add(pnl)
	if e.current.GreaterThan(e.peak) {
		e.peak = e.current
	}
}

// DailyPnL returns realised PnL for the UTC day containing at.
func (e *EquityTracker) DailyPnL(at time.Time) decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !sameDay(e.day, at) {
		return decimal.Zero
	}
	return e.dailyPnL
}

// Current returns realised equity.
func (e *EquityTracker) Current() decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current
}

// Peak returns the high water mark of realised equity.
func (e *EquityTracker) Peak() decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.peak
}

// Drawdown returns (peak - current) / peak.
// A value of 0.15 means 15% drawdown.
func (e *EquityTracker) Drawdown() decimal.Decimal {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.peak.IsZero() || e.current.GreaterThanOrEqual(e.peak) {
		return decimal.Zero
	}
	return e.peak.Sub(e.current).Div(e.peak)
}

func (e *EquityTracker) rollLocked(at time.Time) {
	if sameDay(e.day, at) {
		return
	}
	e.day = at.UTC().Truncate(24 * time.Hour)
	e.dailyPnL = decimal.Zero
}

func sameDay(day, at time.Time) bool {
	if day.IsZero() {
		return false
	}
	return day.Equal(at.UTC().Truncate(24 * time.Hour))
}
