package alerting

import (
	"fmt"
	"html"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/scalp-bot/internal/types"
)

// DailySummary contains daily trading statistics for the summary report.
type DailySummary struct {
	Date          time.Time
	Symbol        string
	Mode          string // testnet | live
	ClosedTrades  int
	WinningTrades int
	LosingTrades  int
	OpenTrades    int
	RealisedPnL   decimal.Decimal
	WinRate       decimal.Decimal // percent
	BestTrade     decimal.Decimal
	WorstTrade    decimal.Decimal
	TradingPaused bool
	KillSwitch    bool
}

// Summarise builds the summary of the UTC day containing date from ledger
// records. Trades closed on that day count towards PnL; open trades are
// counted regardless of when they were opened.
func Summarise(date time.Time, trades []types.TradeRecord) DailySummary {
	day := date.UTC().Truncate(24 * time.Hour)
	next := day.Add(24 * time.Hour)

	s := DailySummary{Date: day}
	first := true
	for _, tr := range trades {
		if tr.IsOpen() {
			s.OpenTrades++
			continue
		}
		if tr.Status != types.TradeStatusClosed || tr.ClosedAt == nil {
			continue
		}
		if tr.ClosedAt.Before(day) || !tr.ClosedAt.Before(next) {
			continue
		}

		pnl := tr.PnL.Decimal
		s.ClosedTrades++
		s.RealisedPnL = s.RealisedPnL.Add(pnl)
		switch {
		case pnl.IsPositive():
			s.WinningTrades++
		case pnl.IsNegative():
			s.LosingTrades++
		}
		if first || pnl.GreaterThan(s.BestTrade) {
			s.BestTrade = pnl
		}
		if first || pnl.LessThan(s.WorstTrade) {
			s.WorstTrade = pnl
		}
		first = false
	}

	if s.ClosedTrades > 0 {
		s.WinRate = decimal.NewFromInt(int64(s.WinningTrades)).
			Div(decimal.NewFromInt(int64(s.ClosedTrades))).
			Mul(decimal.NewFromInt(100))
	}
	return s
}

// FormatDailySummaryHTML renders a summary for Telegram.
func FormatDailySummaryHTML(s DailySummary) string {
	plEmoji := "📈"
	if s.RealisedPnL.IsNegative() {
		plEmoji = "📉"
	}

	return fmt.Sprintf(`%s <b>Daily Trading Summary</b>
<b>Date:</b> %s
<b>Symbol:</b> %s (%s)

<b>Performance:</b>
• Realised P/L: %s
• Best: %s | Worst: %s

<b>Trades:</b>
• Closed: %d
• Wins: %d | Losses: %d
• Win Rate: %s%%
• Open: %d

<b>Status:</b>
• Trading: %s
• Kill Switch: %s`,
		plEmoji,
		s.Date.Format("2006-01-02"),
		html.EscapeString(s.Symbol),
		html.EscapeString(s.Mode),
		s.RealisedPnL.StringFixed(4),
		s.BestTrade.StringFixed(4),
		s.WorstTrade.StringFixed(4),
		s.ClosedTrades,
		s.WinningTrades,
		s.LosingTrades,
		s.WinRate.StringFixed(1),
		s.OpenTrades,
		pausedStatus(s.TradingPaused),
		activeStatus(s.KillSwitch),
	)
}

// Fields flattens a summary into alert key/value fields.
func (s DailySummary) Fields() []any {
	return []any{
		"date", s.Date.Format("2006-01-02"),
		"symbol", s.Symbol,
		"closed_trades", s.ClosedTrades,
		"wins", s.WinningTrades,
		"losses", s.LosingTrades,
		"win_rate_pct", s.WinRate.StringFixed(1),
		"realised_pnl", s.RealisedPnL.StringFixed(4),
		"open_trades", s.OpenTrades,
		"trading_paused", s.TradingPaused,
	}
}

func pausedStatus(paused bool) string {
	if paused {
		return "⏸ Paused"
	}
	return "▶️ Active"
}

func activeStatus(b bool) string {
	if b {
		return "🔴 Active"
	}
	return "🟢 Inactive"
}
