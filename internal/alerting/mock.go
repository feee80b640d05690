package alerting

import (
	"context"
	"strings"
	"sync"
)

// MockAlerter captures alerts and daily summaries for test assertions. It
// implements the same optional SendDailySummary surface the engine checks
// for on real channels.
type MockAlerter struct {
	mu        sync.Mutex
	captured  []MockAlert
	summaries []DailySummary
}

// MockAlert is one captured notification.
type MockAlert struct {
	Severity Severity
	Message  string
	Fields   []any
}

// NewMockAlerter creates a capturing alerter.
func NewMockAlerter() *MockAlerter {
	return &MockAlerter{}
}

func (m *MockAlerter) Name() string {
	return "mock"
}

// Alert records the notification.
func (m *MockAlerter) Alert(_ context.Context, severity Severity, message string, fields ...any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captured = append(m.captured, MockAlert{
		Severity: severity,
		Message:  message,
		Fields:   fields,
	})
	return nil
}

// SendDailySummary records the summary instead of delivering it.
func (m *MockAlerter) SendDailySummary(_ context.Context, s DailySummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries = append(m.summaries, s)
	return nil
}

// Alerts returns a copy of every captured notification.
func (m *MockAlerter) Alerts() []MockAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockAlert, len(m.captured))
	copy(out, m.captured)
	return out
}

// Summaries returns a copy of every captured daily summary.
func (m *MockAlerter) Summaries() []DailySummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DailySummary, len(m.summaries))
	copy(out, m.summaries)
	return out
}

// Count returns how many notifications were captured.
func (m *MockAlerter) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.captured)
}

// HasAlertWithSeverity reports whether any captured notification carries
// the given severity.
func (m *MockAlerter) HasAlertWithSeverity(severity Severity) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.captured {
		if a.Severity == severity {
			return true
		}
	}
	return false
}

// HasAlertContaining reports whether any captured message contains the
// substring.
func (m *MockAlerter) HasAlertContaining(substr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.captured {
		if strings.Contains(a.Message, substr) {
			return true
		}
	}
	return false
}
