package notifier

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/tathienbao/scalp-bot/internal/alerting"
	"github.com/tathienbao/scalp-bot/internal/types"
	tele "gopkg.in/telebot.v3"
)

// recentTradesShown is how many trades /trades lists.
const recentTradesShown = 5

// authorize drops updates from any chat other than the configured one.
func (n *Notifier) authorize(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		chat := c.Chat()
		if chat == nil || !n.authorized(chat.ID) {
			n.logger.Warn("unauthorized telegram command", "text", c.Text())
			return c.Send("⛔ Unauthorized")
		}
		return next(c)
	}
}

func (n *Notifier) authorized(chatID int64) bool {
	return n.chatID != 0 && chatID == n.chatID
}

// reply adapts a command to a telebot handler that answers in HTML.
func (n *Notifier) reply(cmd func(ctx context.Context) (string, error)) tele.HandlerFunc {
	return func(c tele.Context) error {
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.CommandTimeout)
		defer cancel()

		text, err := cmd(ctx)
		if err != nil {
			n.logger.Warn("command failed", "text", c.Text(), "err", err)
			text = "⚠️ Command failed: " + html.EscapeString(err.Error())
		}
		return c.Send(text, tele.ModeHTML)
	}
}

func (n *Notifier) helpText(context.Context) (string, error) {
	return strings.Join([]string{
		"🤖 <b>Scalp Bot</b>",
		"",
		"/status - engine state",
		"/trades - recent trades",
		"/pause - stop opening new trades",
		"/resume - allow new trades",
	}, "\n"), nil
}

func (n *Notifier) statusText(ctx context.Context) (string, error) {
	paused, err := n.tradingPaused(ctx)
	if err != nil {
		return "", err
	}

	running := false
	openTrades := 0
	var m map[string]any
	if n.status != nil {
		running = n.status.IsRunning()
		openTrades = n.status.OpenTradeCount()
		m = n.status.Metrics()
	}

	state := "⏸️ Stopped"
	if running {
		state = "▶️ Running"
	}

	var b strings.Builder
	b.WriteString("📊 <b>Status</b>\n\n")
	fmt.Fprintf(&b, "Engine: %s\n", state)
	fmt.Fprintf(&b, "Environment: %s\n", n.environment())
	fmt.Fprintf(&b, "Symbol: %s\n", html.EscapeString(n.cfg.Symbol))
	fmt.Fprintf(&b, "Open trades: %d\n", openTrades)
	fmt.Fprintf(&b, "Trading: %s\n", pauseLabel(paused))
	if pnl, ok := m["daily_pnl"].(string); ok {
		fmt.Fprintf(&b, "Daily PnL: %s\n", html.EscapeString(pnl))
	}
	if halted, ok := m["halted"].(bool); ok && halted {
		b.WriteString("🚨 Daily loss kill switch active\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (n *Notifier) tradesText(ctx context.Context) (string, error) {
	trades, err := n.store.ListRecentTrades(ctx, recentTradesShown)
	if err != nil {
		return "", fmt.Errorf("load trades: %w", err)
	}
	if len(trades) == 0 {
		return "📋 No trades yet", nil
	}

	var b strings.Builder
	b.WriteString("📋 <b>Recent trades</b>\n")
	for _, t := range trades {
		b.WriteString("\n")
		b.WriteString(formatTrade(t))
	}
	return b.String(), nil
}

func formatTrade(t types.TradeRecord) string {
	line := fmt.Sprintf("%s %s %s @ %s [%s]",
		html.EscapeString(t.Symbol), t.Side, t.Quantity.String(), t.EntryPrice.String(), t.Status)
	if t.PnL.Valid {
		line += " PnL " + t.PnL.Decimal.StringFixed(4)
	}
	return line + " " + t.OpenedAt.UTC().Format("01-02 15:04")
}

func (n *Notifier) pause(ctx context.Context) (string, error) {
	if err := n.setPaused(ctx, true); err != nil {
		return "", err
	}
	return "⏸️ Trading paused. Open trades are still managed.", nil
}

func (n *Notifier) resume(ctx context.Context) (string, error) {
	if err := n.setPaused(ctx, false); err != nil {
		return "", err
	}
	return "▶️ Trading resumed.", nil
}

func (n *Notifier) setPaused(ctx context.Context, paused bool) error {
	if err := n.store.SetSetting(ctx, types.SettingTradingPaused, paused); err != nil {
		return fmt.Errorf("write pause flag: %w", err)
	}

	event, message := alerting.EventTradingResumed, "Trading resumed by operator"
	if paused {
		event, message = alerting.EventTradingPaused, "Trading paused by operator"
	}
	n.logger.Info(message)
	if err := n.deliver(ctx, event, message); err != nil {
		n.logger.Warn("failed to announce pause change", "err", err)
	}
	return nil
}

func pauseLabel(paused bool) string {
	if paused {
		return "⏸️ Paused"
	}
	return "✅ Active"
}
