package alerting

import (
	"context"
	"log/slog"
)

// ConsoleAlerter writes alerts to the structured log. It is the fallback
// channel when Telegram is not configured.
type ConsoleAlerter struct {
	logger *slog.Logger
}

// NewConsoleAlerter creates a new console alerter.
func NewConsoleAlerter(logger *slog.Logger) *ConsoleAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsoleAlerter{logger: logger.With("component", "alert")}
}

// Name returns the name of the alerter.
func (c *ConsoleAlerter) Name() string {
	return "console"
}

// Alert logs message at a level matching severity.
func (c *ConsoleAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	attrs := append([]any{"severity", severity.String()}, fields...)

	level := slog.LevelInfo
	switch severity {
	case SeverityCritical:
		level = slog.LevelError
	case SeverityHigh, SeverityWarning:
		level = slog.LevelWarn
	}
	c.logger.Log(ctx, level, message, attrs...)

	return nil
}
