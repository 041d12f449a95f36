package enforcement

import (
	"time"

	"mercator-hq/costguard/pkg/policy"
)

// Max returns the more severe of two dispositions.
func Max(a, b Disposition) Disposition {
	if b.Severity() > a.Severity() {
		return b
	}
	return a
}

// ForHardLimit maps a hard-limit action to its outcome.
func ForHardLimit(action policy.HardLimitAction) Outcome {
	switch action {
	case policy.HardLimitBlock:
		return Outcome{Disposition: Block}
	case policy.HardLimitDowngrade:
		return Outcome{Disposition: Downgrade}
	case policy.HardLimitAllowOverage:
		return Outcome{Disposition: Allow, Overage: true}
	default:
		// Unknown actions fail closed.
		return Outcome{Disposition: Block}
	}
}

// ForThreshold maps a threshold action to its outcome.
func ForThreshold(action policy.ThresholdAction) Outcome {
	switch action {
	case policy.ThresholdNotify:
		return Outcome{Disposition: Allow, Notify: true}
	case policy.ThresholdThrottle:
		return Outcome{Disposition: Throttle, Notify: true}
	default:
		return Outcome{Disposition: Allow, Notify: true}
	}
}

// Enforcer turns dispositions into caller-facing hints.
type Enforcer struct {
	config Config
}

// NewEnforcer creates a new enforcer.
//
// Example:
//
//	enforcer := NewEnforcer(Config{
//	    ThrottleDelay: 2 * time.Second,
//	    MaxRetryAfter: time.Hour,
//	})
func NewEnforcer(config Config) *Enforcer {
	if config.ThrottleDelay <= 0 {
		config.ThrottleDelay = time.Second
	}
	return &Enforcer{config: config}
}

// RetryAfter suggests how long a caller should wait before retrying.
// Blocked calls wait for the blocking bucket's window to end; throttled
// calls wait ThrottleDelay. Other dispositions need no wait.
func (e *Enforcer) RetryAfter(d Disposition, windowEnd, now time.Time) time.Duration {
	switch d {
	case Block:
		if windowEnd.IsZero() || !windowEnd.After(now) {
			return 0
		}
		wait := windowEnd.Sub(now)
		if e.config.MaxRetryAfter > 0 && wait > e.config.MaxRetryAfter {
			wait = e.config.MaxRetryAfter
		}
		return wait
	case Throttle:
		return e.config.ThrottleDelay
	case Allow, Downgrade:
		return 0
	default:
		return 0
	}
}

// GetConfig returns the current enforcer configuration.
func (e *Enforcer) GetConfig() Config {
	return e.config
}
