// Package metrics provides Prometheus metrics for the trading bot.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "scalpbot"

var (
	// LedgerOperationsTotal counts ledger operations by outcome.
	LedgerOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_operations_total",
		Help:      "Ledger operations by operation and outcome.",
	}, []string{"op", "outcome"})

	// LedgerOperationSeconds observes ledger operation latency.
	LedgerOperationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ledger_operation_seconds",
		Help:      "Ledger operation latency in seconds.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"op"})

	// SubsystemState exposes the supervisor's view of each subsystem.
	SubsystemState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "subsystem_state",
		Help:      "Subsystem lifecycle state (0=not started,1=running,2=stopping,3=stopped,4=failed).",
	}, []string{"subsystem"})

	// TradesTotal counts trade ledger transitions.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "trades_total",
		Help:      "Trades by symbol, side and resulting status.",
	}, []string{"symbol", "side", "status"})

	// OpenTrades is the number of trades the engine currently holds open.
	OpenTrades = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "open_trades",
		Help:      "Open trades held by the engine.",
	})

	// EngineTicksTotal counts decision loop iterations.
	EngineTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "engine_ticks_total",
		Help:      "Decision loop iterations.",
	})

	// DecisionsRejected counts decisions rejected before reaching the ledger.
	DecisionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decisions_rejected_total",
		Help:      "Rejected trade decisions by reason.",
	}, []string{"reason"})

	// DailyPnL is the realised PnL of the current trading day.
	DailyPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "daily_pnl",
		Help:      "Realised PnL of the current trading day.",
	})

	// NotificationsTotal counts outbound notifications by kind and outcome.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Outbound notifications by kind and outcome.",
	}, []string{"kind", "outcome"})

	// ErrorsTotal counts errors by type.
	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_total",
		Help:      "Errors by type.",
	}, []string{"type"})

	// HeartbeatTimestamp is the unix time of the last engine tick.
	HeartbeatTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "heartbeat_timestamp_seconds",
		Help:      "Unix time of the last engine tick.",
	})

	// BuildInfo carries version labels.
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build information.",
	}, []string{"version", "commit", "build_time"})
)

// SetBuildInfo publishes build labels.
func SetBuildInfo(version, commit, buildTime string) {
	BuildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}
