// Package alerting provides outbound notification channels for the bot.
package alerting

import (
	"context"
	"fmt"
	"strings"
)

// Severity represents the alert severity level.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityHigh
	SeverityCritical
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Emoji returns an emoji for the severity level.
func (s Severity) Emoji() string {
	switch s {
	case SeverityInfo:
		return "ℹ️"
	case SeverityWarning:
		return "⚠️"
	case SeverityHigh:
		return "🔴"
	case SeverityCritical:
		return "🚨"
	default:
		return "❓"
	}
}

// Alerter defines the interface for sending alerts.
type Alerter interface {
	// Alert sends message with optional key/value fields.
	Alert(ctx context.Context, severity Severity, message string, fields ...any) error
	// Name returns the name of the alerter.
	Name() string
}

// FormatFields renders key/value pairs one per line. A trailing key
// without a value and non-string keys are skipped.
func FormatFields(fields ...any) string {
	var b strings.Builder
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "• %s: %v", key, fields[i+1])
	}
	return b.String()
}

// Truncate shortens s to at most max runes, marking the cut with an ellipsis.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max == 1 {
		return "…"
	}
	return string(runes[:max-1]) + "…"
}

// TruncateHTML shortens Telegram HTML to at most max runes. The cut never
// splits a tag or an entity, and tags left open are closed after the ellipsis.
func TruncateHTML(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}

	budget := max - 1 // room for the ellipsis
	var open []string
	pos := 0
	for pos < len(runes) {
		next := pos + 1
		stack := open

		switch runes[pos] {
		case '<':
			end := indexRune(runes, pos, '>')
			if end < 0 {
				break
			}
			next = end + 1
			stack = applyTag(open, string(runes[pos+1:end]))
		case '&':
			if end := indexRune(runes, pos, ';'); end > 0 && end-pos <= 10 {
				next = end + 1
			}
		}

		if next+closersLen(stack) > budget {
			break
		}
		pos, open = next, stack
	}

	var b strings.Builder
	b.WriteString(string(runes[:pos]))
	b.WriteString("…")
	for i := len(open) - 1; i >= 0; i-- {
		b.WriteString("</" + open[i] + ">")
	}
	return b.String()
}

func indexRune(runes []rune, from int, r rune) int {
	for i := from; i < len(runes); i++ {
		if runes[i] == r {
			return i
		}
	}
	return -1
}

// applyTag returns the open-tag stack after tag, which is the text between
// the angle brackets.
func applyTag(open []string, tag string) []string {
	if name, ok := strings.CutPrefix(tag, "/"); ok {
		name = strings.TrimSpace(name)
		for i := len(open) - 1; i >= 0; i-- {
			if open[i] == name {
				return open[:i:i]
			}
		}
		return open
	}
	name, _, _ := strings.Cut(strings.TrimSpace(tag), " ")
	stack := make([]string, len(open), len(open)+1)
	copy(stack, open)
	return append(stack, name)
}

func closersLen(open []string) int {
	n := 0
	for _, name := range open {
		n += len([]rune(name)) + 3
	}
	return n
}

// AlertEvent names a notification the bot emits.
type AlertEvent string

const (
	EventBotStarted        AlertEvent = "bot_started"
	EventBotStopped        AlertEvent = "bot_stopped"
	EventBotCrashed        AlertEvent = "bot_crashed"
	EventTradeOpened       AlertEvent = "trade_opened"
	EventTradeClosed       AlertEvent = "trade_closed"
	EventDecisionRejected  AlertEvent = "decision_rejected"
	EventKillSwitchTripped AlertEvent = "kill_switch_tripped"
	EventTradingPaused     AlertEvent = "trading_paused"
	EventTradingResumed    AlertEvent = "trading_resumed"
	EventDailySummary      AlertEvent = "daily_summary"
)

// EventSeverity returns the default severity for an event.
func EventSeverity(event AlertEvent) Severity {
	switch event {
	case EventBotCrashed, EventKillSwitchTripped:
		return SeverityCritical
	case EventTradingPaused:
		return SeverityHigh
	case EventDecisionRejected:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}
