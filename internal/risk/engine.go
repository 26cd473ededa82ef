package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/scalp-bot/internal/types"
)

var hundred = decimal.NewFromInt(100)

// Config holds the risk engine configuration.
// Percentages are expressed in percent, e.g. 0.3 for 0.3%.
type Config struct {
	MaxOpenTrades   int
	MaxPositionSize decimal.Decimal // base asset units
	StopLossPct     decimal.Decimal
	TakeProfitPct   decimal.Decimal
	MaxDailyLossPct decimal.Decimal // of StartingEquity
	StartingEquity  decimal.Decimal
}

// DefaultConfig returns a conservative default configuration.
func DefaultConfig() Config {
	return Config{
		MaxOpenTrades:   2,
		MaxPositionSize: decimal.RequireFromString("0.001"),
		StopLossPct:     decimal.RequireFromString("0.3"),
		TakeProfitPct:   decimal.RequireFromString("0.2"),
		MaxDailyLossPct: decimal.RequireFromString("1.0"),
		StartingEquity:  decimal.RequireFromString("1000"),
	}
}

// Order is a proposed trade entry.
type Order struct {
	Symbol     string
	Side       types.Side
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
}

// Plan is an approved order with its protective levels.
type Plan struct {
	Order
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
}

// Engine approves orders against the configured limits.
// Thread-safe for concurrent access.
type Engine struct {
	mu sync.Mutex

	cfg    Config
	equity *EquityTracker

	halted   bool
	haltedAt time.Time
	now      func() time.Time

	logger *slog.Logger
}

// NewEngine creates a new risk engine.
func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		cfg:    cfg,
		equity: NewEquityTracker(cfg.StartingEquity),
		now:    time.Now,
		logger: logger,
	}
}

// Approve validates order given the number of trades already open and
// returns its plan. Rejections wrap a risk sentinel from the types package.
func (e *Engine) Approve(ctx context.Context, order Order, openTrades int) (Plan, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	select {
	case <-ctx.Done():
		return Plan{}, ctx.Err()
	default:
	}

	e.refreshHaltLocked()
	if e.halted {
		return Plan{}, fmt.Errorf("approve %s: %w", order.Symbol, types.ErrDailyLossExceeded)
	}

	if !order.Side.Valid() {
		return Plan{}, fmt.Errorf("%w: side %q", types.ErrInvalidTrade, order.Side)
	}
	if !order.Quantity.IsPositive() || !order.EntryPrice.IsPositive() {
		return Plan{}, fmt.Errorf("%w: quantity and entry price must be positive", types.ErrInvalidTrade)
	}

	if e.cfg.MaxOpenTrades > 0 && openTrades >= e.cfg.MaxOpenTrades {
		return Plan{}, fmt.Errorf("approve %s: %d open: %w", order.Symbol, openTrades, types.ErrMaxOpenTrades)
	}
	if e.cfg.MaxPositionSize.IsPositive() && order.Quantity.GreaterThan(e.cfg.MaxPositionSize) {
		return Plan{}, fmt.Errorf("approve %s: %s > %s: %w",
			order.Symbol, order.Quantity, e.cfg.MaxPositionSize, types.ErrPositionTooLarge)
	}

	sl, tp := e.levels(order.Side, order.EntryPrice)
	return Plan{Order: order, StopLoss: sl, TakeProfit: tp}, nil
}

// levels derives stop loss and take profit prices from the entry.
func (e *Engine) levels(side types.Side, entry decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	slOffset := entry.Mul(e.cfg.StopLossPct).Div(hundred)
	tpOffset := entry.Mul(e.cfg.TakeProfitPct).Div(hundred)

	if side == types.SideSell {
		return entry.Add(slOffset), entry.Sub(tpOffset)
	}
	return entry.Sub(slOffset), entry.Add(tpOffset)
}

// RecordClose books the realised PnL of a closed trade and trips the kill
// switch once the day's loss reaches the limit.
func (e *Engine) RecordClose(pnl decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	e.equity.Realise(pnl, now)
	e.refreshHaltLocked()
}

func (e *Engine) refreshHaltLocked() {
	now := e.now()

	if e.halted && !sameDay(e.haltedAt.UTC().Truncate(24*time.Hour), now) {
		e.halted = false
		e.logger.Info("daily loss kill switch reset")
	}

	limit := e.dailyLossLimit()
	if e.halted || !limit.IsPositive() {
		return
	}

	loss := e.equity.DailyPnL(now).Neg()
	if loss.GreaterThanOrEqual(limit) {
		e.halted = true
		e.haltedAt = now
		e.logger.Warn("daily loss kill switch tripped",
			"daily_pnl", e.equity.DailyPnL(now).String(),
			"limit", limit.String(),
		)
	}
}

func (e *Engine) dailyLossLimit() decimal.Decimal {
	return e.cfg.StartingEquity.Mul(e.cfg.MaxDailyLossPct).Div(hundred)
}

// IsHalted returns true while the daily loss kill switch is active.
func (e *Engine) IsHalted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.refreshHaltLocked()
	return e.halted
}

// DailyPnL returns realised PnL for the current UTC day.
func (e *Engine) DailyPnL() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.equity.DailyPnL(e.now())
}

// Equity returns the equity tracker.
func (e *Engine) Equity() *EquityTracker {
	return e.equity
}

// PnL computes absolute and leveraged percentage PnL of a position.
func PnL(side types.Side, entry, exit, quantity decimal.Decimal, leverage int) (decimal.Decimal, decimal.Decimal) {
	dir := side.Direction()
	pnl := exit.Sub(entry).Mul(quantity).Mul(dir)

	if entry.IsZero() {
		return pnl, decimal.Zero
	}
	if leverage < 1 {
		leverage = 1
	}
	pct := exit.Sub(entry).Div(entry).Mul(hundred).Mul(dir).Mul(decimal.NewFromInt(int64(leverage)))
	return pnl, pct.Round(4)
}
