package alerting

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func TestEventSeverity(t *testing.T) {
	tests := []struct {
		event AlertEvent
		want  Severity
	}{
		{EventFillUnconfirmed, SeverityCritical},
		{EventProtectionFailed, SeverityCritical},
		{EventAuthError, SeverityHigh},
		{EventOrderFailed, SeverityWarning},
		{EventSignalAccepted, SeverityInfo},
		{EventOrderPlaced, SeverityInfo},
		{EventPositionProtected, SeverityInfo},
		{EventPositionClosed, SeverityInfo},
		{EventBotStarted, SeverityInfo},
		{EventBotStopped, SeverityInfo},
	}

	for _, tt := range tests {
		if got := EventSeverity(tt.event); got != tt.want {
			t.Errorf("EventSeverity(%s) = %s, want %s", tt.event, got, tt.want)
		}
	}
}

func TestFormatFields(t *testing.T) {
	out := FormatFields("symbol", "BTC_USDT", "leverage", 10)
	if !strings.Contains(out, "• symbol: BTC_USDT") {
		t.Errorf("missing symbol line: %q", out)
	}
	if !strings.Contains(out, "• leverage: 10") {
		t.Errorf("missing leverage line: %q", out)
	}

	if got := FormatFields(); got != "" {
		t.Errorf("FormatFields() = %q, want empty", got)
	}

	// Non-string keys are skipped rather than panicking.
	out = FormatFields(42, "value", "key", "ok")
	if strings.Contains(out, "42") {
		t.Errorf("non-string key rendered: %q", out)
	}
	if !strings.Contains(out, "• key: ok") {
		t.Errorf("valid pair dropped: %q", out)
	}
}

type failingAlerter struct{ name string }

func (f *failingAlerter) Name() string { return f.name }
func (f *failingAlerter) Alert(context.Context, Severity, string, ...any) error {
	return errors.New(f.name + " down")
}

func TestMultiAlerter_AggregatesFailures(t *testing.T) {
	mock := NewMockAlerter()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	multi := NewMultiAlerter(logger, &failingAlerter{name: "a"}, mock, &failingAlerter{name: "b"})

	err := multi.Alert(context.Background(), SeverityWarning, "test message")
	if err == nil {
		t.Fatal("expected aggregated error")
	}
	for _, want := range []string{"a down", "b down"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("aggregated error missing %q: %v", want, err)
		}
	}

	// Healthy channels still receive the alert.
	if mock.Count() != 1 {
		t.Errorf("mock received %d alerts, want 1", mock.Count())
	}
	if !mock.HasAlertContaining("test message") {
		t.Error("mock did not capture the message")
	}
}

func TestSeverityString(t *testing.T) {
	if SeverityCritical.String() != "CRITICAL" || SeverityInfo.String() != "INFO" {
		t.Error("severity string mapping broken")
	}
}
