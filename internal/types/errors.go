package types

import "errors"

// Sentinel errors for the trading system.
var (
	// Configuration errors
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrMissingCredentials = errors.New("missing required credentials")

	// Ledger errors
	ErrStorage           = errors.New("storage failure")
	ErrNotFound          = errors.New("record not found")
	ErrDuplicateKey      = errors.New("duplicate key")
	ErrTerminalState     = errors.New("trade is in a terminal state")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidTrade      = errors.New("invalid trade record")

	// Subsystem lifecycle errors
	ErrSubsystemStart       = errors.New("subsystem failed to start")
	ErrSubsystemStopTimeout = errors.New("subsystem failed to stop before deadline")
	ErrSubsystemFault       = errors.New("subsystem fault")
	ErrStopRequested        = errors.New("stop requested")

	// Notification errors
	ErrNotifierDelivery = errors.New("notification delivery failed")

	// Risk errors
	ErrMaxOpenTrades     = errors.New("max open trades reached")
	ErrPositionTooLarge  = errors.New("position size exceeds limit")
	ErrDailyLossExceeded = errors.New("daily loss limit exceeded")
	ErrTradingPaused     = errors.New("trading paused")
)
