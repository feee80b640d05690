package alerting

import (
	"context"
	"log/slog"
)

// ConsoleAlerter routes alerts into the coordinator's structured log. It is
// the fallback channel when no external channel is configured, so every
// notification the engine emits still lands somewhere observable.
type ConsoleAlerter struct {
	logger *slog.Logger
}

// NewConsoleAlerter creates a console alerter.
func NewConsoleAlerter(logger *slog.Logger) *ConsoleAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsoleAlerter{logger: logger.With("channel", "console")}
}

func (c *ConsoleAlerter) Name() string {
	return "console"
}

// Alert logs the notification at a level matching its severity. High and
// critical alerts land on the error level so unprotected-position failures
// survive level filtering in production logs.
func (c *ConsoleAlerter) Alert(_ context.Context, severity Severity, message string, fields ...any) error {
	attrs := make([]any, 0, len(fields)+2)
	attrs = append(attrs, "severity", severity.String())
	attrs = append(attrs, fields...)

	switch {
	case severity >= SeverityHigh:
		c.logger.Error(message, attrs...)
	case severity == SeverityWarning:
		c.logger.Warn(message, attrs...)
	default:
		c.logger.Info(message, attrs...)
	}
	return nil
}
