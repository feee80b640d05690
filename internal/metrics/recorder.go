package metrics

import (
	"time"
)

// Recorder provides methods for recording coordinator metrics.
type Recorder struct{}

// NewRecorder creates a new metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordDecision records a decision trace outcome.
func (r *Recorder) RecordDecision(symbol, side, decisionType, reason string) {
	DecisionsTotal.WithLabelValues(symbol, side, decisionType, reason).Inc()
}

// RecordOrderPlaced records a placed entry order.
func (r *Recorder) RecordOrderPlaced(symbol, side, mode string) {
	OrdersPlacedTotal.WithLabelValues(symbol, side, mode).Inc()
}

// RecordLeverageFallback records a reduced-leverage retry.
func (r *Recorder) RecordLeverageFallback(symbol string) {
	LeverageFallbacksTotal.WithLabelValues(symbol).Inc()
}

// RecordSpotFallback records a margin-to-spot fallback.
func (r *Recorder) RecordSpotFallback(symbol string) {
	SpotFallbacksTotal.WithLabelValues(symbol).Inc()
}

// RecordFillConfirmation records fill confirmation latency and attempts.
func (r *Recorder) RecordFillConfirmation(duration time.Duration, attempts int) {
	FillConfirmDuration.Observe(duration.Seconds())
	FillPollAttempts.Observe(float64(attempts))
}

// RecordProtectiveOrder records a protective order placement outcome.
func (r *Recorder) RecordProtectiveOrder(role, outcome string) {
	ProtectiveOrdersTotal.WithLabelValues(role, outcome).Inc()
}

// RecordOCOCancellation records a sibling cancellation outcome.
func (r *Recorder) RecordOCOCancellation(outcome string) {
	OCOCancellationsTotal.WithLabelValues(outcome).Inc()
}

// RecordCritical records an unprotected-position failure.
func (r *Recorder) RecordCritical(reason string) {
	CriticalFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordExchangeRequest records exchange call latency.
func (r *Recorder) RecordExchangeRequest(method string, duration time.Duration) {
	ExchangeRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordExchangeError records a classified exchange error.
func (r *Recorder) RecordExchangeError(kind string) {
	ExchangeErrorsTotal.WithLabelValues(kind).Inc()
}

// RecordReconcileAnomaly records a stale local open order.
func (r *Recorder) RecordReconcileAnomaly(symbol string) {
	ReconcileAnomaliesTotal.WithLabelValues(symbol).Inc()
}

// RecordEvalCycle records the duration of one evaluation cycle and bumps
// the heartbeat.
func (r *Recorder) RecordEvalCycle(duration time.Duration) {
	EvalCycleDuration.Observe(duration.Seconds())
	HeartbeatTimestamp.Set(float64(time.Now().Unix()))
}

// RecordError records an internal error.
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
