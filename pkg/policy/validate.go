package policy

import (
	"fmt"
	"path"

	"github.com/shopspring/decimal"

	"mercator-hq/costguard/pkg/pricing"
)

// Validate checks a budget definition in isolation.
// Errors wrap ErrInvalidPolicy.
func (b *BudgetSpec) Validate() error {
	if b.ID == "" {
		return invalid("id", "budget id cannot be empty")
	}

	switch b.Scope {
	case ScopeGlobal, ScopeIdentity, ScopeSession, ScopeTag:
	default:
		return invalid("scope", "invalid scope %s", b.Scope)
	}

	if err := b.Period.Validate(); err != nil {
		return invalid("period", "%v", err)
	}

	c := b.Constraints
	if c.IsEmpty() {
		return invalid("constraints", "at least one of max_cost, max_tokens, max_requests is required")
	}
	if c.MaxCost != nil && !c.MaxCost.IsPositive() {
		return invalid("constraints.max_cost", "must be positive, got %s", c.MaxCost)
	}
	if c.MaxTokens != nil && *c.MaxTokens <= 0 {
		return invalid("constraints.max_tokens", "must be positive, got %d", *c.MaxTokens)
	}
	if c.MaxRequests != nil && *c.MaxRequests <= 0 {
		return invalid("constraints.max_requests", "must be positive, got %d", *c.MaxRequests)
	}

	for i, pattern := range b.Match.Models {
		if pattern == "" {
			return invalid(fmt.Sprintf("match.models[%d]", i), "pattern cannot be empty")
		}
		if _, err := path.Match(pattern, ""); err != nil {
			return invalid(fmt.Sprintf("match.models[%d]", i), "invalid pattern %q: %v", pattern, err)
		}
	}

	prev := 0.0
	for i, th := range b.Thresholds {
		field := fmt.Sprintf("thresholds[%d]", i)
		if th.Percent <= 0 || th.Percent >= 100 {
			return invalid(field+".percent", "must be in (0, 100), got %v", th.Percent)
		}
		if th.Percent <= prev {
			return invalid(field+".percent", "percents must be unique and ascending, %v follows %v", th.Percent, prev)
		}
		prev = th.Percent

		switch th.Action {
		case ThresholdNotify, ThresholdThrottle:
		default:
			return invalid(field+".action", "invalid threshold action %s", th.Action)
		}
	}

	switch b.HardLimitAction {
	case HardLimitBlock, HardLimitDowngrade, HardLimitAllowOverage:
	default:
		return invalid("hard_limit_action", "exactly one hard limit action is required")
	}

	return nil
}

// Validate checks a routing policy in isolation. Cross-references to budgets
// and pricing are checked by ValidateReferences.
// Errors wrap ErrInvalidPolicy.
func (r *RoutingPolicy) Validate() error {
	if r.ID == "" {
		return invalid("id", "routing policy id cannot be empty")
	}

	switch r.Scope {
	case ScopeGlobal, ScopeIdentity, ScopeSession, ScopeTag:
	default:
		return invalid("scope", "invalid scope %s", r.Scope)
	}

	if len(r.Stages) == 0 {
		return invalid("stages", "at least one stage is required")
	}
	for i, st := range r.Stages {
		field := fmt.Sprintf("stages[%d]", i)
		if st.Model == "" {
			return invalid(field+".model", "model cannot be empty")
		}
		if st.MaxCostPerCall != nil && !st.MaxCostPerCall.IsPositive() {
			return invalid(field+".max_cost_per_call", "must be positive, got %s", st.MaxCostPerCall)
		}
		if st.MaxTokensPerCall != nil && *st.MaxTokensPerCall <= 0 {
			return invalid(field+".max_tokens_per_call", "must be positive, got %d", *st.MaxTokensPerCall)
		}
	}

	for i, tr := range r.Triggers {
		field := fmt.Sprintf("triggers[%d]", i)
		if tr.BudgetID == "" {
			return invalid(field+".budget", "budget id cannot be empty")
		}
		if tr.OnThreshold != nil && (*tr.OnThreshold <= 0 || *tr.OnThreshold >= 100) {
			return invalid(field+".on_threshold", "must be in (0, 100), got %v", *tr.OnThreshold)
		}
	}

	return nil
}

// ValidateReferences checks a routing policy against the active budgets and
// pricing table. Errors wrap ErrConfiguration:
//   - trigger target stages must exist
//   - triggers must reference a known budget, and a named threshold must be
//     configured on it
//   - a hard-limit trigger needs a budget whose hard limit can fire it
//   - every stage model must be priced, and stages must not get more
//     expensive down the chain
func (r *RoutingPolicy) ValidateReferences(budgets map[string]*BudgetSpec, table *pricing.Table) error {
	for i, tr := range r.Triggers {
		field := fmt.Sprintf("triggers[%d]", i)
		if tr.TargetStage < 0 || tr.TargetStage >= len(r.Stages) {
			return misconfigured(field+".target_stage", "stage %d does not exist (policy has %d stages)", tr.TargetStage, len(r.Stages))
		}

		b, ok := budgets[tr.BudgetID]
		if !ok {
			return misconfigured(field+".budget", "unknown budget %q", tr.BudgetID)
		}
		if tr.OnThreshold != nil {
			if !b.HasThreshold(*tr.OnThreshold) {
				return misconfigured(field+".on_threshold", "budget %q has no %v%% threshold", tr.BudgetID, *tr.OnThreshold)
			}
			continue
		}
		switch b.HardLimitAction {
		case HardLimitDowngrade, HardLimitBlock:
		case HardLimitAllowOverage:
			return misconfigured(field+".budget", "budget %q allows overage, so its hard limit never fires a trigger", tr.BudgetID)
		}
	}

	var prev decimal.Decimal
	for i, st := range r.Stages {
		field := fmt.Sprintf("stages[%d].model", i)
		cost, err := table.ReferenceCost(st.Model)
		if err != nil {
			return misconfigured(field, "%v", err)
		}
		if i > 0 && cost.GreaterThan(prev) {
			return misconfigured(field, "stage %q (%s per 1K+1K) costs more than the stage before it (%s)", st.Model, cost, prev)
		}
		prev = cost
	}

	return nil
}
