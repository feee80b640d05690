package execution

import (
	"time"

	"github.com/ccruz0/crypto-2.0-sub006/internal/exchange"
)

// Action tells the orchestrator what to do with a failed placement.
type Action int

const (
	// ActionFatal ends the cycle; no further attempts for this intent.
	ActionFatal Action = iota
	// ActionRetry repeats the same request after a backoff.
	ActionRetry
	// ActionFallback moves to the next rung: lower leverage, then spot.
	ActionFallback
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionFallback:
		return "fallback"
	default:
		return "fatal"
	}
}

// Classifier maps an exchange error to an action.
type Classifier func(error) Action

// RetryPolicy is the single place retry behavior is defined; call sites
// consume it instead of carrying their own loops.
type RetryPolicy struct {
	MaxAttempts int // per rung, including the first attempt
	Backoff     time.Duration
	Classify    Classifier
}

// DefaultPolicy maps the exchange taxonomy onto actions: transport errors
// retry, the specific margin-insufficiency code falls back, everything else
// ends the cycle.
func DefaultPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 2,
		Backoff:     time.Second,
		Classify: func(err error) Action {
			switch exchange.Classify(err) {
			case exchange.KindTransport:
				return ActionRetry
			case exchange.KindInsufficientMargin:
				return ActionFallback
			default:
				return ActionFatal
			}
		},
	}
}
