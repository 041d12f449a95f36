package policy

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"mercator-hq/costguard/pkg/limits/period"
)

// Scope is the call attribute a budget or routing policy is tracked against.
type Scope int

const (
	// ScopeGlobal tracks all matching calls in one bucket.
	ScopeGlobal Scope = iota + 1

	// ScopeIdentity tracks each caller identity separately.
	ScopeIdentity

	// ScopeSession tracks each session separately.
	ScopeSession

	// ScopeTag tracks each call tag separately.
	ScopeTag
)

// String returns the configuration name of the scope.
func (s Scope) String() string {
	switch s {
	case ScopeGlobal:
		return "global"
	case ScopeIdentity:
		return "identity"
	case ScopeSession:
		return "session"
	case ScopeTag:
		return "tag"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

// Specificity orders scopes from most to least specific: lower is more specific.
func (s Scope) Specificity() int {
	switch s {
	case ScopeSession:
		return 0
	case ScopeIdentity:
		return 1
	case ScopeTag:
		return 2
	case ScopeGlobal:
		return 3
	default:
		return 4
	}
}

// ParseScope parses a scope name. "per-identity" style names are accepted.
func ParseScope(s string) (Scope, error) {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "per-") {
	case "global":
		return ScopeGlobal, nil
	case "identity":
		return ScopeIdentity, nil
	case "session":
		return ScopeSession, nil
	case "tag":
		return ScopeTag, nil
	default:
		return 0, fmt.Errorf("unknown scope %q", s)
	}
}

// ThresholdAction is the action taken when a usage threshold is crossed.
type ThresholdAction int

const (
	// ThresholdNotify records a notification and lets the call through.
	ThresholdNotify ThresholdAction = iota + 1

	// ThresholdThrottle lets the call through with a throttle disposition.
	ThresholdThrottle
)

// String returns the configuration name of the action.
func (a ThresholdAction) String() string {
	switch a {
	case ThresholdNotify:
		return "notify"
	case ThresholdThrottle:
		return "throttle"
	default:
		return fmt.Sprintf("threshold_action(%d)", int(a))
	}
}

// ParseThresholdAction parses a threshold action name.
func ParseThresholdAction(s string) (ThresholdAction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "notify":
		return ThresholdNotify, nil
	case "throttle":
		return ThresholdThrottle, nil
	default:
		return 0, fmt.Errorf("unknown threshold action %q", s)
	}
}

// HardLimitAction is the action taken once a constraint ceiling is reached.
type HardLimitAction int

const (
	// HardLimitBlock refuses the call.
	HardLimitBlock HardLimitAction = iota + 1

	// HardLimitDowngrade lets routing move the call to a cheaper stage.
	HardLimitDowngrade

	// HardLimitAllowOverage lets the call through and flags the overage.
	HardLimitAllowOverage
)

// String returns the configuration name of the action.
func (a HardLimitAction) String() string {
	switch a {
	case HardLimitBlock:
		return "block"
	case HardLimitDowngrade:
		return "downgrade"
	case HardLimitAllowOverage:
		return "allow_overage"
	default:
		return fmt.Sprintf("hard_limit_action(%d)", int(a))
	}
}

// ParseHardLimitAction parses a hard-limit action name.
func ParseHardLimitAction(s string) (HardLimitAction, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_") {
	case "block":
		return HardLimitBlock, nil
	case "downgrade":
		return HardLimitDowngrade, nil
	case "allow_overage", "allow_with_overage", "allow_with_overage_flag":
		return HardLimitAllowOverage, nil
	default:
		return 0, fmt.Errorf("unknown hard limit action %q", s)
	}
}

// Constraints are the ceilings of a budget. A nil field is unconstrained.
type Constraints struct {
	MaxCost     *decimal.Decimal
	MaxTokens   *int64
	MaxRequests *int64
}

// IsEmpty reports whether no ceiling is set.
func (c Constraints) IsEmpty() bool {
	return c.MaxCost == nil && c.MaxTokens == nil && c.MaxRequests == nil
}

// Match selects the calls a budget applies to. Empty lists match everything.
type Match struct {
	// Models are glob patterns matched against the model identifier.
	Models []string

	// Tags matches calls carrying any of these tags.
	Tags []string

	// Identities matches calls from any of these identities.
	Identities []string
}

// Threshold is an early, non-blocking usage marker.
type Threshold struct {
	// Percent of the ceiling, in (0, 100).
	Percent float64
	Action  ThresholdAction
}

// BudgetSpec is a budget definition.
type BudgetSpec struct {
	ID              string
	Scope           Scope
	Period          period.Period
	Constraints     Constraints
	Match           Match
	Thresholds      []Threshold
	HardLimitAction HardLimitAction

	// Source is where the budget was loaded from, for reporting.
	Source string
}

// HasThreshold reports whether percent is one of the budget's thresholds.
func (b *BudgetSpec) HasThreshold(percent float64) bool {
	for _, th := range b.Thresholds {
		if th.Percent == percent {
			return true
		}
	}
	return false
}

// StageConfig is one tier of a routing policy.
type StageConfig struct {
	Model string

	// MaxCostPerCall and MaxTokensPerCall bound a single call on this stage.
	// A call exceeding either moves on to the next stage.
	MaxCostPerCall   *decimal.Decimal
	MaxTokensPerCall *int64
}

// DowngradeTrigger links a budget event to a stage transition.
type DowngradeTrigger struct {
	BudgetID string

	// OnThreshold names a threshold percent of the budget. Nil means the
	// budget's hard-limit outcome (downgrade or block) fires the trigger.
	OnThreshold *float64

	TargetStage int
}

// RoutingPolicy is an ordered degradation chain.
type RoutingPolicy struct {
	ID string

	// Scope is the call attribute the current-stage record is keyed by.
	Scope Scope

	// Stages are ordered from most to least capable.
	Stages   []StageConfig
	Triggers []DowngradeTrigger

	Source string
}
