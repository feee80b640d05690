package alerting

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ccruz0/crypto-2.0-sub006/internal/types"
)

// DailySummary aggregates one day of decision and order activity.
type DailySummary struct {
	Date            time.Time
	Accepted        int
	Throttled       int
	Blocked         int
	Failed          int
	OrdersPlaced    int
	SpotFallbacks   int
	ReasonCounts    map[string]int
	SymbolActivity  map[string]int
	CriticalReasons []string
}

// SummaryCollector accumulates decision outcomes in memory and produces
// a DailySummary on demand. Safe for concurrent use.
type SummaryCollector struct {
	mu      sync.Mutex
	day     time.Time
	summary DailySummary
}

// NewSummaryCollector creates a collector anchored at the given day.
func NewSummaryCollector(now time.Time) *SummaryCollector {
	c := &SummaryCollector{}
	c.reset(now)
	return c
}

func (c *SummaryCollector) reset(now time.Time) {
	c.day = now.Truncate(24 * time.Hour)
	c.summary = DailySummary{
		Date:           c.day,
		ReasonCounts:   make(map[string]int),
		SymbolActivity: make(map[string]int),
	}
}

// Observe records one decision trace into the running summary.
func (c *SummaryCollector) Observe(trace *types.DecisionTrace) {
	if trace == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.summary.ReasonCounts[string(trace.Reason)]++
	c.summary.SymbolActivity[trace.Symbol]++

	switch {
	case trace.Type == types.DecisionTypeAccept:
		c.summary.Accepted++
	case trace.Reason == types.ReasonThrottledCooldown || trace.Reason == types.ReasonThrottledPriceGate:
		c.summary.Throttled++
	case trace.Type == types.DecisionTypeBlocked:
		c.summary.Blocked++
	case trace.Type == types.DecisionTypeFailed:
		c.summary.Failed++
	}

	if trace.Reason.Critical() {
		c.summary.CriticalReasons = append(c.summary.CriticalReasons,
			fmt.Sprintf("%s %s: %s", trace.Symbol, trace.Side, trace.Reason))
	}
}

// ObserveOrderPlaced records a confirmed order placement.
func (c *SummaryCollector) ObserveOrderPlaced(isMargin bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.summary.OrdersPlaced++
	if !isMargin {
		c.summary.SpotFallbacks++
	}
}

// Snapshot returns the current summary and resets the collector for the
// next day.
func (c *SummaryCollector) Snapshot(now time.Time) DailySummary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.summary
	c.reset(now)
	return s
}

// formatDailySummaryHTML renders a summary for Telegram HTML mode.
func formatDailySummaryHTML(s DailySummary) string {
	var b strings.Builder

	fmt.Fprintf(&b, "📊 <b>Daily Summary — %s</b>\n\n", s.Date.Format("2006-01-02"))
	fmt.Fprintf(&b, "Signals accepted: <b>%d</b>\n", s.Accepted)
	fmt.Fprintf(&b, "Signals throttled: %d\n", s.Throttled)
	fmt.Fprintf(&b, "Signals blocked: %d\n", s.Blocked)
	fmt.Fprintf(&b, "Executions failed: %d\n", s.Failed)
	fmt.Fprintf(&b, "Orders placed: <b>%d</b> (%d spot fallbacks)\n", s.OrdersPlaced, s.SpotFallbacks)

	if len(s.SymbolActivity) > 0 {
		b.WriteString("\n<b>By symbol:</b>\n")
		symbols := make([]string, 0, len(s.SymbolActivity))
		for sym := range s.SymbolActivity {
			symbols = append(symbols, sym)
		}
		sort.Strings(symbols)
		for _, sym := range symbols {
			fmt.Fprintf(&b, "  %s: %d\n", sym, s.SymbolActivity[sym])
		}
	}

	if len(s.CriticalReasons) > 0 {
		b.WriteString("\n🚨 <b>Critical events:</b>\n")
		for _, r := range s.CriticalReasons {
			fmt.Fprintf(&b, "  %s\n", r)
		}
	}

	return b.String()
}
