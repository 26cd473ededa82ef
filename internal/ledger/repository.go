// Package ledger provides durable storage for trade records and bot settings.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tathienbao/scalp-bot/internal/types"
)

// Store defines the trade ledger and settings store.
type Store interface {
	// Trade operations
	CreateTrade(ctx context.Context, rec types.TradeRecord) (types.TradeRecord, error)
	UpdateTrade(ctx context.Context, id string, update types.TradeUpdate) (bool, error)
	ListRecentTrades(ctx context.Context, limit int) ([]types.TradeRecord, error)

	// Settings operations
	GetSetting(ctx context.Context, key string) (types.SettingEntry, bool, error)
	SetSetting(ctx context.Context, key string, value any) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// storageErr classifies a driver error. When the caller's context has ended
// the context error is returned instead of ErrStorage.
func storageErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return fmt.Errorf("%w: %s: %w", types.ErrStorage, op, err)
}

// timeLayout is fixed width so that stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}

// prepareCreate fills defaults for a new record and validates it.
func prepareCreate(rec types.TradeRecord, now time.Time) (types.TradeRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.OpenedAt.IsZero() {
		rec.OpenedAt = now
	}
	rec.OpenedAt = rec.OpenedAt.UTC().Truncate(time.Microsecond)
	if rec.Status == "" {
		rec.Status = types.TradeStatusOpen
	}
	if rec.Leverage == 0 {
		rec.Leverage = 1
	}
	if rec.ClosedAt != nil {
		closedAt := rec.ClosedAt.UTC().Truncate(time.Microsecond)
		rec.ClosedAt = &closedAt
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	if err := rec.Validate(); err != nil {
		return rec, err
	}
	return rec, nil
}

// applyUpdate merges an update into a stored record.
// It reports false when the update carries nothing to change.
func applyUpdate(rec types.TradeRecord, update types.TradeUpdate, now time.Time) (types.TradeRecord, bool, error) {
	if rec.Status.IsFinal() {
		return rec, false, fmt.Errorf("update trade %s: %w", rec.ID, types.ErrTerminalState)
	}
	if update.IsEmpty() {
		return rec, false, nil
	}
	next, err := update.Apply(rec, now.Truncate(time.Microsecond))
	if err != nil {
		return rec, false, fmt.Errorf("update trade %s: %w", rec.ID, err)
	}
	if next.ClosedAt != nil {
		closedAt := next.ClosedAt.Truncate(time.Microsecond)
		next.ClosedAt = &closedAt
	}
	return next, true, nil
}

func encodeMetadata(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(s string) (map[string]any, error) {
	m := map[string]any{}
	if s == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}

func encodeSetting(key string, value any) (json.RawMessage, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode setting %s: %w", key, err)
	}
	return b, nil
}
