// Package engine provides the main trading loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tathienbao/scalp-bot/internal/alerting"
	"github.com/tathienbao/scalp-bot/internal/ledger"
	"github.com/tathienbao/scalp-bot/internal/metrics"
	"github.com/tathienbao/scalp-bot/internal/risk"
	"github.com/tathienbao/scalp-bot/internal/strategy"
	"github.com/tathienbao/scalp-bot/internal/types"
)

// Config holds engine configuration.
type Config struct {
	Symbol    string
	Timeframe string
	Leverage  int

	// Interval between decision ticks.
	Interval time.Duration

	// MaxConsecutiveErrors failed ticks in a row are reported as a fault.
	MaxConsecutiveErrors int

	// RecoveryLimit bounds how many recent ledger rows are scanned on start.
	RecoveryLimit int

	// AlertTimeout bounds each notification sent from the loop.
	AlertTimeout time.Duration
}

// DefaultConfig returns default engine config.
func DefaultConfig() Config {
	return Config{
		Symbol:               "BTCUSDT",
		Timeframe:            "1",
		Leverage:             5,
		Interval:             500 * time.Millisecond,
		MaxConsecutiveErrors: 10,
		RecoveryLimit:        500,
		AlertTimeout:         5 * time.Second,
	}
}

// Engine runs the decision loop and owns the set of open trades.
type Engine struct {
	cfg      Config
	logger   *slog.Logger
	store    ledger.Store
	risk     *risk.Engine
	strategy strategy.Strategy
	alerter  alerting.Alerter
	recorder *metrics.Recorder
	now      func() time.Time

	mu          sync.RWMutex
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
	open        map[string]types.TradeRecord
	paused      bool
	ticks       int64
	opened      int64
	closed      int64
	rejected    int64
	errorsTotal int64
	consecutive int
	lastTick    time.Time
	lastErr     string

	faults chan error
}

// NewEngine creates a new trading engine.
func NewEngine(
	cfg Config,
	store ledger.Store,
	riskEngine *risk.Engine,
	strat strategy.Strategy,
	alerter alerting.Alerter,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if strat == nil {
		strat = strategy.Hold{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.RecoveryLimit <= 0 {
		cfg.RecoveryLimit = DefaultConfig().RecoveryLimit
	}
	if cfg.AlertTimeout <= 0 {
		cfg.AlertTimeout = DefaultConfig().AlertTimeout
	}
	if cfg.Leverage < 1 {
		cfg.Leverage = 1
	}

	return &Engine{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		risk:     riskEngine,
		strategy: strat,
		alerter:  alerter,
		recorder: metrics.NewRecorder(),
		now:      time.Now,
		open:     make(map[string]types.TradeRecord),
		faults:   make(chan error, 1),
	}
}

// Name identifies the subsystem.
func (e *Engine) Name() string {
	return "engine"
}

// Start recovers open trades from the ledger and launches the loop.
// The loop outlives ctx; Stop is the only way to end it.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("engine already running")
	}
	e.mu.Unlock()

	recovered, err := e.recoverOpenTrades(ctx)
	if err != nil {
		return fmt.Errorf("recover open trades: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	e.mu.Lock()
	e.running = true
	e.cancel = cancel
	e.done = done
	e.consecutive = 0
	e.mu.Unlock()

	e.recorder.RecordOpenTrades(recovered)
	e.logger.Info("starting trading engine",
		"symbol", e.cfg.Symbol,
		"strategy", e.strategy.Name(),
		"interval", e.cfg.Interval,
		"recovered_open_trades", recovered,
	)

	go e.loop(loopCtx, done)
	return nil
}

// recoverOpenTrades loads open trades for the configured symbol.
func (e *Engine) recoverOpenTrades(ctx context.Context) (int, error) {
	trades, err := e.store.ListRecentTrades(ctx, e.cfg.RecoveryLimit)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.open = make(map[string]types.TradeRecord)
	for _, t := range trades {
		if t.IsOpen() && t.Symbol == e.cfg.Symbol {
			e.open[t.ID] = t
		}
	}
	return len(e.open), nil
}

// Stop ends the loop and waits for the in-flight tick until ctx expires.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel = nil
	e.mu.Unlock()

	if cancel == nil {
		return nil
	}

	e.logger.Info("stopping trading engine")
	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("wait for engine loop: %w", ctx.Err())
	}

	e.logger.Info("trading engine stopped")
	return nil
}

// Faults reports escalated loop failures.
func (e *Engine) Faults() <-chan error {
	return e.faults
}

// loop is the main decision loop.
func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer e.setRunning(false)

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	e.logger.Info("decision loop started")

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("decision loop stopped")
			return
		case <-ticker.C:
			if fault := e.step(ctx); fault != nil {
				e.logger.Error("decision loop failed", "err", fault)
				e.reportFault(fault)
				return
			}
		}
	}
}

// step runs one tick and returns a fault when the loop must not continue.
func (e *Engine) step(ctx context.Context) error {
	err := e.safeTick(ctx)
	if err == nil {
		e.mu.Lock()
		e.consecutive = 0
		e.mu.Unlock()
		return nil
	}
	if ctx.Err() != nil {
		return nil
	}
	if errors.Is(err, types.ErrSubsystemFault) {
		return err
	}

	e.recorder.RecordError("engine_tick")

	e.mu.Lock()
	e.errorsTotal++
	e.consecutive++
	e.lastErr = err.Error()
	n := e.consecutive
	e.mu.Unlock()

	e.logger.Warn("tick failed", "err", err, "consecutive", n)

	if e.cfg.MaxConsecutiveErrors > 0 && n >= e.cfg.MaxConsecutiveErrors {
		return fmt.Errorf("%w: engine: %d consecutive tick errors: %w", types.ErrSubsystemFault, n, err)
	}
	return nil
}

// safeTick converts a panic inside a tick into a fault.
func (e *Engine) safeTick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.recorder.RecordError("engine_panic")
			err = fmt.Errorf("%w: engine panic: %v", types.ErrSubsystemFault, r)
		}
	}()
	return e.tick(ctx)
}

func (e *Engine) reportFault(err error) {
	select {
	case e.faults <- err:
	default:
	}
}

// tick asks the strategy for decisions and applies them.
func (e *Engine) tick(ctx context.Context) error {
	now := e.now().UTC()

	e.mu.Lock()
	e.ticks++
	e.lastTick = now
	e.mu.Unlock()
	e.recorder.RecordTick()

	paused, err := e.tradingPaused(ctx)
	if err != nil {
		return err
	}

	snap := strategy.Snapshot{
		Symbol:     e.cfg.Symbol,
		Timeframe:  e.cfg.Timeframe,
		Time:       now,
		OpenTrades: e.OpenTrades(),
	}

	decisions, err := e.strategy.Decide(ctx, snap)
	if err != nil {
		return fmt.Errorf("decide %s: %w", e.strategy.Name(), err)
	}

	for _, d := range decisions {
		if err := d.Validate(); err != nil {
			e.reject(d, "invalid", err)
			continue
		}

		switch d.Action {
		case strategy.ActionOpen:
			if paused {
				e.reject(d, "paused", types.ErrTradingPaused)
				continue
			}
			err = e.openTrade(ctx, d)
		case strategy.ActionClose:
			err = e.closeTrade(ctx, d)
		}

		if err != nil {
			if reason, ok := rejectionReason(err); ok {
				e.reject(d, reason, err)
				continue
			}
			return err
		}
	}

	return nil
}

// tradingPaused reads the pause flag written by the notifier commands.
func (e *Engine) tradingPaused(ctx context.Context) (bool, error) {
	entry, found, err := e.store.GetSetting(ctx, types.SettingTradingPaused)
	if err != nil {
		return false, fmt.Errorf("read pause flag: %w", err)
	}

	var paused bool
	if found {
		if err := entry.Decode(&paused); err != nil {
			e.logger.Warn("ignoring malformed pause flag", "err", err)
			paused = false
		}
	}

	e.mu.Lock()
	changed := e.paused != paused
	e.paused = paused
	e.mu.Unlock()

	if changed {
		e.logger.Info("trading pause flag changed", "paused", paused)
	}
	return paused, nil
}

func (e *Engine) openTrade(ctx context.Context, d strategy.Decision) error {
	plan, err := e.risk.Approve(ctx, risk.Order{
		Symbol:     e.cfg.Symbol,
		Side:       d.Side,
		Quantity:   d.Quantity,
		EntryPrice: d.Price,
	}, e.OpenTradeCount())
	if err != nil {
		return err
	}

	meta := map[string]any{"strategy": e.strategy.Name()}
	for k, v := range d.Metadata {
		meta[k] = v
	}

	rec, err := e.store.CreateTrade(ctx, types.TradeRecord{
		ID:         uuid.NewString(),
		Symbol:     plan.Symbol,
		Side:       plan.Side,
		Quantity:   plan.Quantity,
		EntryPrice: plan.EntryPrice,
		StopLoss:   plan.StopLoss,
		TakeProfit: plan.TakeProfit,
		Leverage:   e.cfg.Leverage,
		Status:     types.TradeStatusOpen,
		OpenedAt:   e.now(),
		Reason:     d.Reason,
		Metadata:   meta,
	})
	if err != nil {
		return fmt.Errorf("persist open trade: %w", err)
	}

	e.mu.Lock()
	e.open[rec.ID] = rec
	e.opened++
	n := len(e.open)
	e.mu.Unlock()

	e.recorder.RecordOpenTrades(n)
	e.logger.Info("trade opened",
		"trade_id", rec.ID,
		"symbol", rec.Symbol,
		"side", rec.Side,
		"quantity", rec.Quantity.String(),
		"entry", rec.EntryPrice.String(),
		"stop", rec.StopLoss.String(),
		"target", rec.TakeProfit.String(),
	)
	e.alert(ctx, alerting.EventTradeOpened, "Trade opened",
		"trade_id", rec.ID,
		"symbol", rec.Symbol,
		"side", rec.Side.String(),
		"quantity", rec.Quantity.String(),
		"entry", rec.EntryPrice.String(),
	)
	return nil
}

func (e *Engine) closeTrade(ctx context.Context, d strategy.Decision) error {
	e.mu.RLock()
	rec, ok := e.open[d.TradeID]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("close %s: %w", d.TradeID, types.ErrNotFound)
	}

	pnl, pct := risk.PnL(rec.Side, rec.EntryPrice, d.Price, rec.Quantity, rec.Leverage)
	reason := d.Reason
	if reason == "" {
		reason = "strategy exit"
	}

	_, err := e.store.UpdateTrade(ctx, rec.ID, types.TradeUpdate{
		Status:        types.StatusPtr(types.TradeStatusClosed),
		ExitPrice:     types.DecimalPtr(d.Price),
		PnL:           types.DecimalPtr(pnl),
		PnLPercentage: types.DecimalPtr(pct),
		Reason:        types.StringPtr(reason),
		Metadata:      d.Metadata,
	})
	switch {
	case errors.Is(err, types.ErrTerminalState), errors.Is(err, types.ErrNotFound):
		// The ledger no longer holds this trade as open.
		e.forget(rec.ID)
		return fmt.Errorf("close %s: %w", rec.ID, err)
	case err != nil:
		return fmt.Errorf("persist close: %w", err)
	}

	n := e.forget(rec.ID)

	wasHalted := e.risk.IsHalted()
	e.risk.RecordClose(pnl)

	e.mu.Lock()
	e.closed++
	e.mu.Unlock()

	e.recorder.RecordOpenTrades(n)
	e.recorder.RecordTrade(rec.Symbol, rec.Side.String(), types.TradeStatusClosed.String())
	e.recorder.RecordDailyPnL(e.risk.DailyPnL())

	e.logger.Info("trade closed",
		"trade_id", rec.ID,
		"exit", d.Price.String(),
		"pnl", pnl.String(),
		"pnl_pct", pct.String(),
		"reason", reason,
	)
	e.alert(ctx, alerting.EventTradeClosed, "Trade closed",
		"trade_id", rec.ID,
		"symbol", rec.Symbol,
		"pnl", pnl.StringFixed(4),
		"pnl_pct", pct.StringFixed(2)+"%",
		"reason", reason,
	)

	if !wasHalted && e.risk.IsHalted() {
		e.logger.Error("KILL SWITCH ACTIVATED", "daily_pnl", e.risk.DailyPnL().String())
		e.alert(ctx, alerting.EventKillSwitchTripped, "KILL SWITCH ACTIVATED: daily loss limit reached",
			"daily_pnl", e.risk.DailyPnL().StringFixed(4),
		)
	}
	return nil
}

// forget drops a trade from the open set and returns the new count.
func (e *Engine) forget(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.open, id)
	return len(e.open)
}

// rejectionReason classifies errors that refuse a decision without
// failing the tick.
func rejectionReason(err error) (string, bool) {
	switch {
	case errors.Is(err, types.ErrMaxOpenTrades):
		return "max_open_trades", true
	case errors.Is(err, types.ErrPositionTooLarge):
		return "position_too_large", true
	case errors.Is(err, types.ErrDailyLossExceeded):
		return "daily_loss", true
	case errors.Is(err, types.ErrInvalidTrade):
		return "invalid", true
	case errors.Is(err, types.ErrNotFound), errors.Is(err, types.ErrTerminalState):
		return "unknown_trade", true
	default:
		return "", false
	}
}

func (e *Engine) reject(d strategy.Decision, reason string, err error) {
	e.mu.Lock()
	e.rejected++
	e.mu.Unlock()

	e.recorder.RecordDecisionRejected(reason)
	e.logger.Warn("decision rejected",
		"action", d.Action.String(),
		"trade_id", d.TradeID,
		"reason", reason,
		"err", err,
	)
}

func (e *Engine) alert(ctx context.Context, event alerting.AlertEvent, message string, fields ...any) {
	if e.alerter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.AlertTimeout)
	defer cancel()

	err := e.alerter.Alert(ctx, alerting.EventSeverity(event), message, fields...)
	e.recorder.RecordNotification(string(event), err)
	if err != nil {
		e.logger.Warn("failed to send alert", "event", event, "err", err)
	}
}

func (e *Engine) setRunning(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = v
}

// IsRunning returns true while the decision loop is active.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// OpenTradeCount returns the number of trades currently open.
func (e *Engine) OpenTradeCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.open)
}

// OpenTrades returns the open trades, oldest first.
func (e *Engine) OpenTrades() []types.TradeRecord {
	e.mu.RLock()
	out := make([]types.TradeRecord, 0, len(e.open))
	for _, t := range e.open {
		out = append(out, t)
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// Metrics returns a point-in-time view of the loop state.
func (e *Engine) Metrics() map[string]any {
	e.mu.RLock()
	m := map[string]any{
		"running":            e.running,
		"symbol":             e.cfg.Symbol,
		"strategy":           e.strategy.Name(),
		"ticks":              e.ticks,
		"open_trades":        len(e.open),
		"trades_opened":      e.opened,
		"trades_closed":      e.closed,
		"decisions_rejected": e.rejected,
		"errors":             e.errorsTotal,
		"consecutive_errors": e.consecutive,
		"trading_paused":     e.paused,
		"last_tick":          nil,
	}
	if !e.lastTick.IsZero() {
		m["last_tick"] = e.lastTick.Format(time.RFC3339Nano)
	}
	if e.lastErr != "" {
		m["last_error"] = e.lastErr
	}
	e.mu.RUnlock()

	if e.risk != nil {
		m["daily_pnl"] = e.risk.DailyPnL().String()
		m["halted"] = e.risk.IsHalted()
		m["equity"] = e.risk.Equity().Current().String()
	}
	return m
}
