package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tathienbao/scalp-bot/internal/types"
)

// runStoreSuite exercises the Store contract against a fresh store per subtest.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateAndList", func(t *testing.T) { testCreateAndList(t, newStore(t)) })
	t.Run("CreateAssignsDefaults", func(t *testing.T) { testCreateAssignsDefaults(t, newStore(t)) })
	t.Run("CreateDuplicate", func(t *testing.T) { testCreateDuplicate(t, newStore(t)) })
	t.Run("CreateInvalid", func(t *testing.T) { testCreateInvalid(t, newStore(t)) })
	t.Run("PartialUpdate", func(t *testing.T) { testPartialUpdate(t, newStore(t)) })
	t.Run("CloseTrade", func(t *testing.T) { testCloseTrade(t, newStore(t)) })
	t.Run("TerminalIsImmutable", func(t *testing.T) { testTerminalIsImmutable(t, newStore(t)) })
	t.Run("UpdateNotFound", func(t *testing.T) { testUpdateNotFound(t, newStore(t)) })
	t.Run("UpdateInvalidStatus", func(t *testing.T) { testUpdateInvalidStatus(t, newStore(t)) })
	t.Run("EmptyUpdate", func(t *testing.T) { testEmptyUpdate(t, newStore(t)) })
	t.Run("MetadataMerge", func(t *testing.T) { testMetadataMerge(t, newStore(t)) })
	t.Run("Ordering", func(t *testing.T) { testOrdering(t, newStore(t)) })
	t.Run("OrderingTies", func(t *testing.T) { testOrderingTies(t, newStore(t)) })
	t.Run("ListLimit", func(t *testing.T) { testListLimit(t, newStore(t)) })
	t.Run("SettingMissing", func(t *testing.T) { testSettingMissing(t, newStore(t)) })
	t.Run("SettingUpsert", func(t *testing.T) { testSettingUpsert(t, newStore(t)) })
	t.Run("SettingConcurrentWriters", func(t *testing.T) { testSettingConcurrentWriters(t, newStore(t)) })
	t.Run("MigrateIdempotent", func(t *testing.T) { testMigrateIdempotent(t, newStore(t)) })
}

func sampleTrade(id string) types.TradeRecord {
	return types.TradeRecord{
		ID:         id,
		Symbol:     "BTCUSDT",
		Side:       types.SideBuy,
		Quantity:   decimal.RequireFromString("0.001"),
		EntryPrice: decimal.RequireFromString("65000.5"),
		StopLoss:   decimal.RequireFromString("64675.5"),
		TakeProfit: decimal.RequireFromString("65650"),
		Leverage:   10,
		Status:     types.TradeStatusOpen,
		Metadata:   map[string]any{"strategy": "scalp"},
	}
}

func testCreateAndList(t *testing.T, store Store) {
	ctx := context.Background()

	created, err := store.CreateTrade(ctx, sampleTrade("t-1"))
	require.NoError(t, err)

	trades, err := store.ListRecentTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)

	got := trades[0]
	assert.Equal(t, "t-1", got.ID)
	assert.Equal(t, "BTCUSDT", got.Symbol)
	assert.Equal(t, types.SideBuy, got.Side)
	assert.True(t, got.Quantity.Equal(decimal.RequireFromString("0.001")))
	assert.True(t, got.EntryPrice.Equal(decimal.RequireFromString("65000.5")))
	assert.True(t, got.StopLoss.Equal(decimal.RequireFromString("64675.5")))
	assert.True(t, got.TakeProfit.Equal(decimal.RequireFromString("65650")))
	assert.Equal(t, 10, got.Leverage)
	assert.Equal(t, types.TradeStatusOpen, got.Status)
	assert.False(t, got.ExitPrice.Valid)
	assert.False(t, got.PnL.Valid)
	assert.Nil(t, got.ClosedAt)
	assert.True(t, got.OpenedAt.Equal(created.OpenedAt))
	assert.Equal(t, "scalp", got.Metadata["strategy"])
}

func testCreateAssignsDefaults(t *testing.T, store Store) {
	ctx := context.Background()

	rec := sampleTrade("")
	rec.Status = ""
	rec.Leverage = 0
	rec.Metadata = nil

	before := time.Now().Add(-time.Second)
	created, err := store.CreateTrade(ctx, rec)
	require.NoError(t, err)

	assert.NotEmpty(t, created.ID)
	assert.Equal(t, types.TradeStatusOpen, created.Status)
	assert.Equal(t, 1, created.Leverage)
	assert.True(t, created.OpenedAt.After(before))
	assert.Equal(t, time.UTC, created.OpenedAt.Location())
}

func testCreateDuplicate(t *testing.T, store Store) {
	ctx := context.Background()

	_, err := store.CreateTrade(ctx, sampleTrade("dup"))
	require.NoError(t, err)

	_, err = store.CreateTrade(ctx, sampleTrade("dup"))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrDuplicateKey)
	assert.False(t, errors.Is(err, types.ErrStorage))
}

func testCreateInvalid(t *testing.T, store Store) {
	rec := sampleTrade("bad")
	rec.Side = "Long"

	_, err := store.CreateTrade(context.Background(), rec)
	assert.ErrorIs(t, err, types.ErrInvalidTrade)
}

func testPartialUpdate(t *testing.T, store Store) {
	ctx := context.Background()

	_, err := store.CreateTrade(ctx, sampleTrade("p-1"))
	require.NoError(t, err)

	changed, err := store.UpdateTrade(ctx, "p-1", types.TradeUpdate{
		StopLoss: types.DecimalPtr(decimal.RequireFromString("64800")),
	})
	require.NoError(t, err)
	assert.True(t, changed)

	trades, err := store.ListRecentTrades(ctx, 1)
	require.NoError(t, err)
	require.Len(t, trades, 1)

	got := trades[0]
	assert.True(t, got.StopLoss.Equal(decimal.RequireFromString("64800")))
	assert.True(t, got.Quantity.Equal(decimal.RequireFromString("0.001")), "quantity = %s", got.Quantity)
	assert.True(t, got.TakeProfit.Equal(decimal.RequireFromString("65650")))
	assert.Equal(t, types.TradeStatusOpen, got.Status)
	assert.Equal(t, "scalp", got.Metadata["strategy"])
}

func testCloseTrade(t *testing.T, store Store) {
	ctx := context.Background()

	_, err := store.CreateTrade(ctx, sampleTrade("c-1"))
	require.NoError(t, err)

	changed, err := store.UpdateTrade(ctx, "c-1", types.TradeUpdate{
		Status:        types.StatusPtr(types.TradeStatusClosed),
		ExitPrice:     types.DecimalPtr(decimal.RequireFromString("65650")),
		PnL:           types.DecimalPtr(decimal.RequireFromString("0.6495")),
		PnLPercentage: types.DecimalPtr(decimal.RequireFromString("9.99")),
		Reason:        types.StringPtr("take profit"),
	})
	require.NoError(t, err)
	assert.True(t, changed)

	trades, err := store.ListRecentTrades(ctx, 1)
	require.NoError(t, err)
	require.Len(t, trades, 1)

	got := trades[0]
	assert.Equal(t, types.TradeStatusClosed, got.Status)
	require.True(t, got.ExitPrice.Valid)
	assert.True(t, got.ExitPrice.Decimal.Equal(decimal.RequireFromString("65650")))
	require.True(t, got.PnL.Valid)
	assert.True(t, got.PnL.Decimal.Equal(decimal.RequireFromString("0.6495")))
	assert.Equal(t, "take profit", got.Reason)
	require.NotNil(t, got.ClosedAt)
	assert.False(t, got.ClosedAt.Before(got.OpenedAt))
}

func testTerminalIsImmutable(t *testing.T, store Store) {
	ctx := context.Background()

	for _, status := range []types.TradeStatus{types.TradeStatusClosed, types.TradeStatusCancelled} {
		id := "term-" + string(status)
		_, err := store.CreateTrade(ctx, sampleTrade(id))
		require.NoError(t, err)

		_, err = store.UpdateTrade(ctx, id, types.TradeUpdate{Status: types.StatusPtr(status)})
		require.NoError(t, err)

		changed, err := store.UpdateTrade(ctx, id, types.TradeUpdate{
			Status:   types.StatusPtr(types.TradeStatusOpen),
			Quantity: types.DecimalPtr(decimal.RequireFromString("5")),
		})
		assert.ErrorIs(t, err, types.ErrTerminalState)
		assert.False(t, changed)
	}

	trades, err := store.ListRecentTrades(ctx, 10)
	require.NoError(t, err)
	for _, trade := range trades {
		assert.True(t, trade.Status.IsFinal(), "trade %s status %s", trade.ID, trade.Status)
		assert.True(t, trade.Quantity.Equal(decimal.RequireFromString("0.001")))
	}
}

func testUpdateNotFound(t *testing.T, store Store) {
	_, err := store.UpdateTrade(context.Background(), "missing", types.TradeUpdate{
		Reason: types.StringPtr("x"),
	})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func testUpdateInvalidStatus(t *testing.T, store Store) {
	ctx := context.Background()

	_, err := store.CreateTrade(ctx, sampleTrade("inv"))
	require.NoError(t, err)

	_, err = store.UpdateTrade(ctx, "inv", types.TradeUpdate{Status: types.StatusPtr("Liquidated")})
	assert.ErrorIs(t, err, types.ErrInvalidTransition)

	trades, err := store.ListRecentTrades(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.TradeStatusOpen, trades[0].Status)
}

func testEmptyUpdate(t *testing.T, store Store) {
	ctx := context.Background()

	_, err := store.CreateTrade(ctx, sampleTrade("e-1"))
	require.NoError(t, err)

	changed, err := store.UpdateTrade(ctx, "e-1", types.TradeUpdate{})
	require.NoError(t, err)
	assert.False(t, changed)
}

func testMetadataMerge(t *testing.T, store Store) {
	ctx := context.Background()

	rec := sampleTrade("m-1")
	rec.Metadata = map[string]any{"strategy": "scalp", "signal": "ema_cross"}
	_, err := store.CreateTrade(ctx, rec)
	require.NoError(t, err)

	_, err = store.UpdateTrade(ctx, "m-1", types.TradeUpdate{
		Metadata: map[string]any{"signal": "rsi", "fills": 2},
	})
	require.NoError(t, err)

	trades, err := store.ListRecentTrades(ctx, 1)
	require.NoError(t, err)
	got := trades[0].Metadata
	assert.Equal(t, "scalp", got["strategy"])
	assert.Equal(t, "rsi", got["signal"])
	assert.EqualValues(t, 2, got["fills"])
}

func testOrdering(t *testing.T, store Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Insert out of order to prove sorting is by OpenedAt.
	for _, tc := range []struct {
		id     string
		offset time.Duration
	}{
		{"T2", time.Second},
		{"T1", 0},
		{"T3", 2 * time.Second},
	} {
		rec := sampleTrade(tc.id)
		rec.OpenedAt = base.Add(tc.offset)
		_, err := store.CreateTrade(ctx, rec)
		require.NoError(t, err)
	}

	trades, err := store.ListRecentTrades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 3)
	assert.Equal(t, []string{"T3", "T2", "T1"}, tradeIDs(trades))
}

func testOrderingTies(t *testing.T, store Store) {
	ctx := context.Background()
	openedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, id := range []string{"first", "second", "third"} {
		rec := sampleTrade(id)
		rec.OpenedAt = openedAt
		_, err := store.CreateTrade(ctx, rec)
		require.NoError(t, err)
	}

	trades, err := store.ListRecentTrades(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"third", "second", "first"}, tradeIDs(trades))
}

func testListLimit(t *testing.T, store Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		rec := sampleTrade(fmt.Sprintf("L%d", i))
		rec.OpenedAt = base.Add(time.Duration(i) * time.Minute)
		_, err := store.CreateTrade(ctx, rec)
		require.NoError(t, err)
	}

	trades, err := store.ListRecentTrades(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"L4", "L3"}, tradeIDs(trades))

	for _, limit := range []int{0, -1} {
		trades, err := store.ListRecentTrades(ctx, limit)
		require.NoError(t, err)
		assert.NotNil(t, trades)
		assert.Empty(t, trades)
	}
}

func testSettingMissing(t *testing.T, store Store) {
	entry, found, err := store.GetSetting(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, entry.Key)
}

func testSettingUpsert(t *testing.T, store Store) {
	ctx := context.Background()

	require.NoError(t, store.SetSetting(ctx, types.SettingTradingPaused, true))
	first, found, err := store.GetSetting(ctx, types.SettingTradingPaused)
	require.NoError(t, err)
	require.True(t, found)

	var paused bool
	require.NoError(t, first.Decode(&paused))
	assert.True(t, paused)

	require.NoError(t, store.SetSetting(ctx, types.SettingTradingPaused, false))
	second, found, err := store.GetSetting(ctx, types.SettingTradingPaused)
	require.NoError(t, err)
	require.True(t, found)
	require.NoError(t, second.Decode(&paused))
	assert.False(t, paused)
	assert.False(t, second.UpdatedAt.Before(first.UpdatedAt))

	require.NoError(t, store.SetSetting(ctx, "limits", map[string]any{"max": 3}))
	entry, found, err := store.GetSetting(ctx, "limits")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"max":3}`, string(entry.Value))
}

func testSettingConcurrentWriters(t *testing.T, store Store) {
	ctx := context.Background()
	const writers = 16

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			errs <- store.SetSetting(ctx, "counter", n)
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	entry, found, err := store.GetSetting(ctx, "counter")
	require.NoError(t, err)
	require.True(t, found)

	var n int
	require.NoError(t, entry.Decode(&n))
	assert.GreaterOrEqual(t, n, 0)
	assert.Less(t, n, writers)
}

func testMigrateIdempotent(t *testing.T, store Store) {
	ctx := context.Background()

	_, err := store.CreateTrade(ctx, sampleTrade("keep"))
	require.NoError(t, err)

	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.Migrate(ctx))

	trades, err := store.ListRecentTrades(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func tradeIDs(trades []types.TradeRecord) []string {
	ids := make([]string, 0, len(trades))
	for _, t := range trades {
		ids = append(ids, t.ID)
	}
	return ids
}
