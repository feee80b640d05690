// Package trace records decision outcomes durably and publishes them to
// metrics and alerting. Every decision point produces exactly one trace,
// whether the signal was accepted, throttled, blocked, or failed mid-flight.
package trace

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ccruz0/crypto-2.0-sub006/internal/alerting"
	"github.com/ccruz0/crypto-2.0-sub006/internal/metrics"
	"github.com/ccruz0/crypto-2.0-sub006/internal/persistence"
	"github.com/ccruz0/crypto-2.0-sub006/internal/types"
)

// Recorder persists and publishes decision traces.
type Recorder struct {
	repo      persistence.Repository
	metrics   *metrics.Recorder
	alerter   alerting.Alerter
	collector *alerting.SummaryCollector
	logger    *slog.Logger
}

// NewRecorder creates a trace recorder. The alerter and collector may be
// nil; persistence and metrics are required.
func NewRecorder(repo persistence.Repository, m *metrics.Recorder, alerter alerting.Alerter, collector *alerting.SummaryCollector, logger *slog.Logger) *Recorder {
	return &Recorder{
		repo:      repo,
		metrics:   m,
		alerter:   alerter,
		collector: collector,
		logger:    logger.With("component", "trace"),
	}
}

// Record persists the trace and then publishes it. Persistence failure is
// returned to the caller but never suppresses publication: an operator
// must still hear about a critical outcome even when the store is down.
func (r *Recorder) Record(ctx context.Context, trace types.DecisionTrace) error {
	saveErr := r.repo.SaveTrace(ctx, trace)
	if saveErr != nil {
		r.logger.Error("failed to persist decision trace",
			"correlation_id", trace.CorrelationID,
			"symbol", trace.Symbol,
			"reason", trace.Reason,
			"error", saveErr)
		r.metrics.RecordError("trace_persist")
	}

	r.Publish(ctx, trace)

	if saveErr != nil {
		return fmt.Errorf("save trace %s: %w", trace.CorrelationID, saveErr)
	}
	return nil
}

// Publish updates metrics and routes notifications for a trace that is
// already persisted elsewhere (the gate stores accepted traces inside its
// own transaction).
func (r *Recorder) Publish(ctx context.Context, trace types.DecisionTrace) {
	r.metrics.RecordDecision(trace.Symbol, trace.Side.String(), trace.Type.String(), string(trace.Reason))
	if trace.Reason.Critical() {
		r.metrics.RecordCritical(string(trace.Reason))
	}

	if r.collector != nil {
		r.collector.Observe(&trace)
	}

	r.log(trace)
	r.notify(ctx, trace)
}

func (r *Recorder) log(trace types.DecisionTrace) {
	attrs := []any{
		"correlation_id", trace.CorrelationID,
		"symbol", trace.Symbol,
		"side", trace.Side,
		"type", trace.Type,
		"reason", trace.Reason,
	}
	if trace.Message != "" {
		attrs = append(attrs, "message", trace.Message)
	}

	switch {
	case trace.Reason.Critical():
		r.logger.Error("decision recorded", attrs...)
	case trace.Type == types.DecisionTypeFailed:
		r.logger.Warn("decision recorded", attrs...)
	default:
		r.logger.Info("decision recorded", attrs...)
	}
}

// notify routes the trace to the alerter according to its reason. Routine
// throttle and dedup outcomes are recorded but never alarmed.
func (r *Recorder) notify(ctx context.Context, trace types.DecisionTrace) {
	if r.alerter == nil {
		return
	}

	severity, ok := severityFor(trace.Reason)
	if !ok {
		return
	}

	message := fmt.Sprintf("%s %s %s: %s", trace.Symbol, trace.Side, trace.Type, trace.Reason)
	fields := []any{
		"correlation_id", trace.CorrelationID,
		"symbol", trace.Symbol,
		"side", trace.Side.String(),
	}
	if trace.Message != "" {
		fields = append(fields, "detail", trace.Message)
	}
	for _, a := range trace.Attempts {
		fields = append(fields, "attempt", fmt.Sprintf("%s x%d: %s %s", a.Mode, a.Leverage, a.Outcome, a.Error))
	}

	if err := r.alerter.Alert(ctx, severity, message, fields...); err != nil {
		r.logger.Error("failed to send alert",
			"alerter", r.alerter.Name(),
			"severity", severity,
			"error", err)
		r.metrics.RecordError("alert_send")
	}
}

// severityFor maps a reason to an alert severity. The second return is
// false for outcomes that should not generate a notification at all.
func severityFor(reason types.ReasonCode) (alerting.Severity, bool) {
	switch reason {
	case types.ReasonFillUnconfirmed, types.ReasonProtectiveOrderFailed:
		return alerting.SeverityCritical, true
	case types.ReasonAuthenticationError:
		return alerting.SeverityHigh, true
	case types.ReasonInsufficientFunds, types.ReasonExchangeRejected, types.ReasonStateUnavailable:
		return alerting.SeverityWarning, true
	case types.ReasonAccepted, types.ReasonForced, types.ReasonFirstSignal:
		return alerting.SeverityInfo, true
	default:
		// THROTTLED_COOLDOWN, THROTTLED_PRICE_GATE, DEDUP_SKIPPED
		return alerting.SeverityInfo, false
	}
}
