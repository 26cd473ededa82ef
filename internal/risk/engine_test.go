package risk

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/scalp-bot/internal/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestEngine(now time.Time) *Engine {
	e := NewEngine(DefaultConfig(), nil)
	e.now = func() time.Time { return now }
	return e
}

func TestEngine_Approve_Levels(t *testing.T) {
	e := newTestEngine(time.Now())

	tests := []struct {
		name   string
		side   types.Side
		wantSL string
		wantTP string
	}{
		// SL 0.3%, TP 0.2% of 10000
		{"buy", types.SideBuy, "9970", "10020"},
		{"sell", types.SideSell, "10030", "9980"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := e.Approve(context.Background(), Order{
				Symbol:     "BTCUSDT",
				Side:       tt.side,
				Quantity:   d("0.001"),
				EntryPrice: d("10000"),
			}, 0)
			if err != nil {
				t.Fatalf("Approve() error = %v", err)
			}
			if !plan.StopLoss.Equal(d(tt.wantSL)) {
				t.Errorf("StopLoss = %s, want %s", plan.StopLoss, tt.wantSL)
			}
			if !plan.TakeProfit.Equal(d(tt.wantTP)) {
				t.Errorf("TakeProfit = %s, want %s", plan.TakeProfit, tt.wantTP)
			}
		})
	}
}

func TestEngine_Approve_Rejections(t *testing.T) {
	e := newTestEngine(time.Now())
	valid := Order{Symbol: "BTCUSDT", Side: types.SideBuy, Quantity: d("0.001"), EntryPrice: d("65000")}

	tests := []struct {
		name       string
		order      Order
		openTrades int
		wantErr    error
	}{
		{"max open trades", valid, 2, types.ErrMaxOpenTrades},
		{"too large", Order{Symbol: "BTCUSDT", Side: types.SideBuy, Quantity: d("0.002"), EntryPrice: d("65000")}, 0, types.ErrPositionTooLarge},
		{"zero quantity", Order{Symbol: "BTCUSDT", Side: types.SideBuy, Quantity: decimal.Zero, EntryPrice: d("65000")}, 0, types.ErrInvalidTrade},
		{"bad side", Order{Symbol: "BTCUSDT", Side: "Long", Quantity: d("0.001"), EntryPrice: d("65000")}, 0, types.ErrInvalidTrade},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Approve(context.Background(), tt.order, tt.openTrades)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Approve() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if _, err := e.Approve(context.Background(), valid, 1); err != nil {
		t.Errorf("Approve() with one open trade error = %v", err)
	}
}

func TestEngine_Approve_CancelledContext(t *testing.T) {
	e := newTestEngine(time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Approve(ctx, Order{Symbol: "BTCUSDT", Side: types.SideBuy, Quantity: d("0.001"), EntryPrice: d("1")}, 0)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Approve() error = %v, want context.Canceled", err)
	}
}

func TestEngine_DailyLossKillSwitch(t *testing.T) {
	day := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	e := newTestEngine(day)
	order := Order{Symbol: "BTCUSDT", Side: types.SideBuy, Quantity: d("0.001"), EntryPrice: d("65000")}

	// Limit is 1% of 1000 = 10.
	e.RecordClose(d("-6"))
	if e.IsHalted() {
		t.Fatal("should not halt below the limit")
	}

	e.RecordClose(d("-4"))
	if !e.IsHalted() {
		t.Fatal("should halt at the limit")
	}
	if !e.DailyPnL().Equal(d("-10")) {
		t.Errorf("DailyPnL = %s, want -10", e.DailyPnL())
	}

	if _, err := e.Approve(context.Background(), order, 0); !errors.Is(err, types.ErrDailyLossExceeded) {
		t.Errorf("Approve() error = %v, want ErrDailyLossExceeded", err)
	}

	// Next UTC day resets the switch.
	e.now = func() time.Time { return day.Add(24 * time.Hour) }
	if e.IsHalted() {
		t.Error("kill switch should reset on a new day")
	}
	if !e.DailyPnL().IsZero() {
		t.Errorf("DailyPnL = %s, want 0 on a new day", e.DailyPnL())
	}
	if _, err := e.Approve(context.Background(), order, 0); err != nil {
		t.Errorf("Approve() error = %v after reset", err)
	}
}

func TestEngine_ProfitsOffsetLosses(t *testing.T) {
	e := newTestEngine(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))

	e.RecordClose(d("5"))
	e.RecordClose(d("-12"))
	if e.IsHalted() {
		t.Error("net daily loss of 7 should not halt")
	}
	if !e.Equity().Current().Equal(d("993")) {
		t.Errorf("equity = %s, want 993", e.Equity().Current())
	}
	if !e.Equity().Peak().Equal(d("1005")) {
		t.Errorf("peak = %s, want 1005", e.Equity().Peak())
	}
}

func TestEngine_ConcurrentRecordClose(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.RecordClose(d("0.1"))
			e.IsHalted()
		}()
	}
	wg.Wait()

	if !e.Equity().Current().Equal(d("1005")) {
		t.Errorf("equity = %s, want 1005", e.Equity().Current())
	}
}

func TestPnL(t *testing.T) {
	tests := []struct {
		name     string
		side     types.Side
		entry    string
		exit     string
		qty      string
		leverage int
		wantPnL  string
		wantPct  string
	}{
		{"long win", types.SideBuy, "100", "101", "2", 5, "2", "5"},
		{"long loss", types.SideBuy, "100", "99", "2", 1, "-2", "-1"},
		{"short win", types.SideSell, "100", "99", "1", 10, "1", "10"},
		{"short loss", types.SideSell, "100", "102", "1", 0, "-2", "-2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pnl, pct := PnL(tt.side, d(tt.entry), d(tt.exit), d(tt.qty), tt.leverage)
			if !pnl.Equal(d(tt.wantPnL)) {
				t.Errorf("pnl = %s, want %s", pnl, tt.wantPnL)
			}
			if !pct.Equal(d(tt.wantPct)) {
				t.Errorf("pct = %s, want %s", pct, tt.wantPct)
			}
		})
	}
}
