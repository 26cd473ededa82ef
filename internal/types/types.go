// Package types defines shared types used across the trading system.
package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the direction of a trade.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

func (s Side) String() string {
	return string(s)
}

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Direction returns +1 for Buy and -1 for Sell.
func (s Side) Direction() decimal.Decimal {
	if s == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// TradeStatus represents the lifecycle state of a trade record.
type TradeStatus string

const (
	TradeStatusOpen      TradeStatus = "Open"
	TradeStatusClosed    TradeStatus = "Closed"
	TradeStatusCancelled TradeStatus = "Cancelled"
)

func (s TradeStatus) String() string {
	return string(s)
}

// Valid reports whether s is a known status.
func (s TradeStatus) Valid() bool {
	switch s {
	case TradeStatusOpen, TradeStatusClosed, TradeStatusCancelled:
		return true
	default:
		return false
	}
}

// IsFinal returns true if no further transition is permitted.
func (s TradeStatus) IsFinal() bool {
	return s == TradeStatusClosed || s == TradeStatusCancelled
}

// CanTransitionTo reports whether a trade in status s may move to next.
func (s TradeStatus) CanTransitionTo(next TradeStatus) bool {
	if !next.Valid() {
		return false
	}
	if s.IsFinal() {
		return false
	}
	return true
}

// TradeRecord is one row of the trade ledger.
type TradeRecord struct {
	ID            string
	Symbol        string
	Side          Side
	Quantity      decimal.Decimal
	EntryPrice    decimal.Decimal
	ExitPrice     decimal.NullDecimal
	StopLoss      decimal.Decimal
	TakeProfit    decimal.Decimal
	Leverage      int
	Status        TradeStatus
	PnL           decimal.NullDecimal
	PnLPercentage decimal.NullDecimal
	OpenedAt      time.Time
	ClosedAt      *time.Time
	Reason        string
	Metadata      map[string]any
}

// IsOpen returns true while the trade has not reached a terminal state.
func (t TradeRecord) IsOpen() bool {
	return t.Status == TradeStatusOpen
}

// Validate checks the fields required to create a record.
func (t TradeRecord) Validate() error {
	if t.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidTrade)
	}
	if !t.Side.Valid() {
		return fmt.Errorf("%w: side %q", ErrInvalidTrade, t.Side)
	}
	if !t.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidTrade)
	}
	if t.Status != "" && !t.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalidTrade, t.Status)
	}
	return nil
}

// TradeUpdate is a partial update of a trade record.
// Nil fields are left untouched. ID and OpenedAt cannot be changed.
type TradeUpdate struct {
	Status        *TradeStatus
	ExitPrice     *decimal.Decimal
	StopLoss      *decimal.Decimal
	TakeProfit    *decimal.Decimal
	Quantity      *decimal.Decimal
	PnL           *decimal.Decimal
	PnLPercentage *decimal.Decimal
	ClosedAt      *time.Time
	Reason        *string
	// Metadata keys are merged into the stored object.
	Metadata map[string]any
}

// IsEmpty returns true if the update carries no field.
func (u TradeUpdate) IsEmpty() bool {
	return u.Status == nil &&
		u.ExitPrice == nil &&
		u.StopLoss == nil &&
		u.TakeProfit == nil &&
		u.Quantity == nil &&
		u.PnL == nil &&
		u.PnLPercentage == nil &&
		u.ClosedAt == nil &&
		u.Reason == nil &&
		len(u.Metadata) == 0
}

// Apply merges the update into rec and returns the result.
// The closing timestamp is set on the terminal transition when not supplied.
func (u TradeUpdate) Apply(rec TradeRecord, now time.Time) (TradeRecord, error) {
	if rec.Status.IsFinal() {
		return rec, fmt.Errorf("%w: trade %s is %s", ErrTerminalState, rec.ID, rec.Status)
	}
	if u.Status != nil {
		if !rec.Status.CanTransitionTo(*u.Status) {
			return rec, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Status, *u.Status)
		}
		rec.Status = *u.Status
	}
	if u.ExitPrice != nil {
		rec.ExitPrice = decimal.NewNullDecimal(*u.ExitPrice)
	}
	if u.StopLoss != nil {
		rec.StopLoss = *u.StopLoss
	}
	if u.TakeProfit != nil {
		rec.TakeProfit = *u.TakeProfit
	}
	if u.Quantity != nil {
		rec.Quantity = *u.Quantity
	}
	if u.PnL != nil {
		rec.PnL = decimal.NewNullDecimal(*u.PnL)
	}
	if u.PnLPercentage != nil {
		rec.PnLPercentage = decimal.NewNullDecimal(*u.PnLPercentage)
	}
	if u.Reason != nil {
		rec.Reason = *u.Reason
	}
	if len(u.Metadata) > 0 {
		merged := make(map[string]any, len(rec.Metadata)+len(u.Metadata))
		for k, v := range rec.Metadata {
			merged[k] = v
		}
		for k, v := range u.Metadata {
			merged[k] = v
		}
		rec.Metadata = merged
	}
	if rec.Status.IsFinal() {
		closedAt := now.UTC()
		if u.ClosedAt != nil {
			closedAt = u.ClosedAt.UTC()
		}
		rec.ClosedAt = &closedAt
	}
	return rec, nil
}

// SettingEntry is one key of the bot-wide settings store.
type SettingEntry struct {
	Key       string
	Value     json.RawMessage
	UpdatedAt time.Time
}

// Decode unmarshals the stored value into dst.
func (s SettingEntry) Decode(dst any) error {
	if err := json.Unmarshal(s.Value, dst); err != nil {
		return fmt.Errorf("decode setting %s: %w", s.Key, err)
	}
	return nil
}

// Well-known setting keys.
const (
	SettingTradingPaused = "trading_paused"
	SettingLastShutdown  = "last_shutdown"
)

// StatusPtr returns a pointer to s, for building updates.
func StatusPtr(s TradeStatus) *TradeStatus {
	return &s
}

// DecimalPtr returns a pointer to d, for building updates.
func DecimalPtr(d decimal.Decimal) *decimal.Decimal {
	return &d
}

// StringPtr returns a pointer to s, for building updates.
func StringPtr(s string) *string {
	return &s
}
