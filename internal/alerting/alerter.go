// Package alerting provides notification capabilities for the coordinator.
package alerting

import (
	"context"
	"fmt"
)

// Severity represents the alert severity level.
type Severity int

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = iota
	// SeverityWarning is for warning messages.
	SeverityWarning
	// SeverityHigh is for high priority alerts.
	SeverityHigh
	// SeverityCritical is for alerts requiring immediate attention, such as
	// a position left without protective orders.
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
	// Alert sends an alert with the given severity and message.
	Alert(ctx context.Context, severity Severity, message string, fields ...any) error
	// Name returns the name of the alerter.
	Name() string
}

// FormatFields converts variadic key-value fields to a formatted string.
func FormatFields(fields ...any) string {
	if len(fields) == 0 {
		return ""
	}

	result := ""
	for i := 0; i < len(fields)-1; i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		value := fields[i+1]
		if result != "" {
			result += "\n"
		}
		result += fmt.Sprintf("• %s: %v", key, value)
	}
	return result
}

// AlertEvent represents a pre-defined alert event type.
type AlertEvent string

const (
	// EventSignalAccepted is sent when the throttle gate accepts a signal.
	EventSignalAccepted AlertEvent = "signal_accepted"
	// EventOrderPlaced is sent when an entry order is placed.
	EventOrderPlaced AlertEvent = "order_placed"
	// EventOrderFailed is sent when all placement attempts failed.
	EventOrderFailed AlertEvent = "order_failed"
	// EventPositionProtected is sent when SL and TP are both live.
	EventPositionProtected AlertEvent = "position_protected"
	// EventPositionClosed is sent when a protective order fills and its
	// sibling is cancelled.
	EventPositionClosed AlertEvent = "position_closed"
	// EventFillUnconfirmed is sent when a fill could not be confirmed within
	// the poll budget. The position may be unprotected.
	EventFillUnconfirmed AlertEvent = "fill_unconfirmed"
	// EventProtectionFailed is sent when protective order creation failed.
	// The position is unprotected.
	EventProtectionFailed AlertEvent = "protection_failed"
	// EventAuthError is sent on exchange authentication failures.
	EventAuthError AlertEvent = "auth_error"
	// EventBotStarted is sent when the coordinator starts.
	EventBotStarted AlertEvent = "bot_started"
	// EventBotStopped is sent when the coordinator stops.
	EventBotStopped AlertEvent = "bot_stopped"
)

// EventSeverity returns the default severity for an event. The two
// unprotected-position events are always CRITICAL; they must never be
// downgraded to an ordinary alert.
func EventSeverity(event AlertEvent) Severity {
	switch event {
	case EventFillUnconfirmed, EventProtectionFailed:
		return SeverityCritical
	case EventAuthError:
		return SeverityHigh
	case EventOrderFailed:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}
