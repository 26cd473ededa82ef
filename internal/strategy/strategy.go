// Package strategy defines the decision contract consumed by the engine loop.
package strategy

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/scalp-bot/internal/types"
)

// Action is what a decision asks the engine to do.
type Action int

const (
	ActionOpen Action = iota
	ActionClose
)

func (a Action) String() string {
	switch a {
	case ActionOpen:
		return "open"
	case ActionClose:
		return "close"
	default:
		return "unknown"
	}
}

// Snapshot is the engine state handed to a strategy on every tick.
type Snapshot struct {
	Symbol     string
	Timeframe  string
	Time       time.Time
	OpenTrades []types.TradeRecord
}

// Decision is a single instruction produced by a strategy.
type Decision struct {
	Action   Action
	Side     types.Side      // open only
	Quantity decimal.Decimal // open only
	Price    decimal.Decimal // entry price for open, exit price for close
	TradeID  string          // close only
	Reason   string
	Metadata map[string]any
}

// Strategy defines the interface for trading strategies.
// Strategies decide; they do NOT size positions or enforce risk limits.
type Strategy interface {
	// Decide returns the decisions for this tick, or none.
	Decide(ctx context.Context, snap Snapshot) ([]Decision, error)

	// Name returns the strategy identifier.
	Name() string
}

// Hold never trades. It keeps the runtime alive when no strategy is wired.
type Hold struct{}

// Decide implements Strategy.
func (Hold) Decide(context.Context, Snapshot) ([]Decision, error) { return nil, nil }

// Name implements Strategy.
func (Hold) Name() string { return "hold" }

// Func adapts a function to the Strategy interface.
type Func func(ctx context.Context, snap Snapshot) ([]Decision, error)

// Decide calls f.
func (f Func) Decide(ctx context.Context, snap Snapshot) ([]Decision, error) { return f(ctx, snap) }

// Name implements Strategy.
func (f Func) Name() string { return "func" }

// DecisionBuilder helps construct decisions with consistent defaults.
type DecisionBuilder struct {
	decision Decision
}

// Open starts an entry decision.
func Open(side types.Side, quantity, price decimal.Decimal) *DecisionBuilder {
	return &DecisionBuilder{decision: Decision{
		Action:   ActionOpen,
		Side:     side,
		Quantity: quantity,
		Price:    price,
	}}
}

// Close starts an exit decision for an open trade.
func Close(tradeID string, price decimal.Decimal) *DecisionBuilder {
	return &DecisionBuilder{decision: Decision{
		Action:  ActionClose,
		TradeID: tradeID,
		Price:   price,
	}}
}

// WithReason sets the decision reason.
func (b *DecisionBuilder) WithReason(reason string) *DecisionBuilder {
	b.decision.Reason = reason
	return b
}

// WithMeta attaches a metadata key.
func (b *DecisionBuilder) WithMeta(key string, value any) *DecisionBuilder {
	if b.decision.Metadata == nil {
		b.decision.Metadata = make(map[string]any)
	}
	b.decision.Metadata[key] = value
	return b
}

// Build returns the constructed decision.
func (b *DecisionBuilder) Build() Decision {
	return b.decision
}

// Validate checks that a decision carries the fields its action needs.
func (d Decision) Validate() error {
	switch d.Action {
	case ActionOpen:
		if !d.Side.Valid() {
			return errors.New("open decision needs a side")
		}
		if !d.Quantity.IsPositive() || !d.Price.IsPositive() {
			return errors.New("open decision needs positive quantity and price")
		}
	case ActionClose:
		if d.TradeID == "" {
			return errors.New("close decision needs a trade id")
		}
		if !d.Price.IsPositive() {
			return errors.New("close decision needs a positive price")
		}
	default:
		return errors.New("unknown decision action")
	}
	return nil
}

// MultiStrategy combines multiple strategies.
type MultiStrategy struct {
	strategies []Strategy
	name       string
}

// NewMultiStrategy creates a strategy that runs multiple sub-strategies.
func NewMultiStrategy(name string, strategies ...Strategy) *MultiStrategy {
	return &MultiStrategy{
		strategies: strategies,
		name:       name,
	}
}

// Decide collects decisions from every sub-strategy, stopping at the first error.
func (m *MultiStrategy) Decide(ctx context.Context, snap Snapshot) ([]Decision, error) {
	var all []Decision

	for _, s := range m.strategies {
		select {
		case <-ctx.Done():
			return all, ctx.Err()
		default:
		}
		decisions, err := s.Decide(ctx, snap)
		if err != nil {
			return all, err
		}
		all = append(all, decisions...)
	}

	return all, nil
}

// Name returns the multi-strategy name.
func (m *MultiStrategy) Name() string {
	return m.name
}
