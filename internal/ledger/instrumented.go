package ledger

import (
	"context"
	"time"

	"github.com/tathienbao/scalp-bot/internal/metrics"
	"github.com/tathienbao/scalp-bot/internal/types"
)

// Instrumented wraps a Store and records operation metrics.
type Instrumented struct {
	next     Store
	recorder *metrics.Recorder
}

// NewInstrumented wraps next.
func NewInstrumented(next Store, recorder *metrics.Recorder) *Instrumented {
	if recorder == nil {
		recorder = metrics.NewRecorder()
	}
	return &Instrumented{next: next, recorder: recorder}
}

func (s *Instrumented) observe(op string, start time.Time, err error) {
	s.recorder.RecordLedgerOp(op, time.Since(start), err)
}

func (s *Instrumented) CreateTrade(ctx context.Context, rec types.TradeRecord) (types.TradeRecord, error) {
	start := time.Now()
	out, err := s.next.CreateTrade(ctx, rec)
	s.observe("create_trade", start, err)
	if err == nil {
		s.recorder.RecordTrade(out.Symbol, out.Side.String(), out.Status.String())
	}
	return out, err
}

func (s *Instrumented) UpdateTrade(ctx context.Context, id string, update types.TradeUpdate) (bool, error) {
	start := time.Now()
	changed, err := s.next.UpdateTrade(ctx, id, update)
	s.observe("update_trade", start, err)
	return changed, err
}

func (s *Instrumented) ListRecentTrades(ctx context.Context, limit int) ([]types.TradeRecord, error) {
	start := time.Now()
	trades, err := s.next.ListRecentTrades(ctx, limit)
	s.observe("list_recent_trades", start, err)
	return trades, err
}

func (s *Instrumented) GetSetting(ctx context.Context, key string) (types.SettingEntry, bool, error) {
	start := time.Now()
	entry, found, err := s.next.GetSetting(ctx, key)
	s.observe("get_setting", start, err)
	return entry, found, err
}

func (s *Instrumented) SetSetting(ctx context.Context, key string, value any) error {
	start := time.Now()
	err := s.next.SetSetting(ctx, key, value)
	s.observe("set_setting", start, err)
	return err
}

func (s *Instrumented) Migrate(ctx context.Context) error {
	return s.next.Migrate(ctx)
}

func (s *Instrumented) Close() error {
	return s.next.Close()
}
