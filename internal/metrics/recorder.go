package metrics

import (
	"time"

	"github.com/shopspring/decimal"
)

// Recorder provides methods for recording metrics.
type Recorder struct{}

// NewRecorder creates a new metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordLedgerOp records the outcome and latency of a ledger operation.
func (r *Recorder) RecordLedgerOp(op string, duration time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	LedgerOperationsTotal.WithLabelValues(op, outcome).Inc()
	LedgerOperationSeconds.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordSubsystemState records a subsystem lifecycle state.
func (r *Recorder) RecordSubsystemState(name string, state int) {
	SubsystemState.WithLabelValues(name).Set(float64(state))
}

// RecordTrade records a trade reaching the given status.
func (r *Recorder) RecordTrade(symbol, side, status string) {
	TradesTotal.WithLabelValues(symbol, side, status).Inc()
}

// RecordOpenTrades records the number of open trades.
func (r *Recorder) RecordOpenTrades(n int) {
	OpenTrades.Set(float64(n))
}

// RecordTick records one decision loop iteration.
func (r *Recorder) RecordTick() {
	EngineTicksTotal.Inc()
	HeartbeatTimestamp.Set(float64(time.Now().Unix()))
}

// RecordDecisionRejected records a rejected decision.
func (r *Recorder) RecordDecisionRejected(reason string) {
	DecisionsRejected.WithLabelValues(reason).Inc()
}

// RecordDailyPnL records realised PnL for the day.
func (r *Recorder) RecordDailyPnL(pnl decimal.Decimal) {
	DailyPnL.Set(pnl.InexactFloat64())
}

// RecordNotification records an outbound notification.
func (r *Recorder) RecordNotification(kind string, err error) {
	outcome := "delivered"
	if err != nil {
		outcome = "failed"
	}
	NotificationsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordError records an error.
func (r *Recorder) RecordError(errorType string) {
	ErrorsTotal.WithLabelValues(errorType).Inc()
}

// Timer is a helper for measuring latency.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the elapsed duration.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}
