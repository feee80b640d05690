package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the coordinator.
var (
	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradebot_decisions_total",
		Help: "Decision outcomes by symbol, side, type and reason code.",
	}, []string{"symbol", "side", "type", "reason"})

	OrdersPlacedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradebot_orders_placed_total",
		Help: "Entry orders placed, by symbol, side and mode (spot/margin).",
	}, []string{"symbol", "side", "mode"})

	LeverageFallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradebot_leverage_fallbacks_total",
		Help: "Margin placements retried at reduced leverage.",
	}, []string{"symbol"})

	SpotFallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradebot_spot_fallbacks_total",
		Help: "Entries that fell back from margin to spot.",
	}, []string{"symbol"})

	FillConfirmDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradebot_fill_confirm_duration_seconds",
		Help:    "Time from placement to confirmed terminal fill state.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	FillPollAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradebot_fill_poll_attempts",
		Help:    "Poll attempts needed to confirm a fill.",
		Buckets: prometheus.LinearBuckets(1, 2, 10),
	})

	ProtectiveOrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradebot_protective_orders_total",
		Help: "Protective order placements by role and outcome.",
	}, []string{"role", "outcome"})

	OCOCancellationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradebot_oco_cancellations_total",
		Help: "Sibling cancellations by outcome (cancelled/already_cancelled/failed).",
	}, []string{"outcome"})

	CriticalFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradebot_critical_failures_total",
		Help: "Unprotected-position failures by reason code.",
	}, []string{"reason"})

	ExchangeRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradebot_exchange_request_duration_seconds",
		Help:    "Exchange API call latency by method.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	ExchangeErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradebot_exchange_errors_total",
		Help: "Exchange API errors by taxonomy kind.",
	}, []string{"kind"})

	ReconcileAnomaliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradebot_reconcile_anomalies_total",
		Help: "Local open orders absent from the exchange open-orders response.",
	}, []string{"symbol"})

	EvalCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradebot_eval_cycle_duration_seconds",
		Help:    "Duration of one full watchlist evaluation cycle.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	HeartbeatTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradebot_heartbeat_timestamp_seconds",
		Help: "Unix time of the last completed evaluation cycle.",
	})

	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradebot_errors_total",
		Help: "Internal errors by type.",
	}, []string{"type"})
)
