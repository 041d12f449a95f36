package limits

import (
	"time"

	"github.com/shopspring/decimal"

	"mercator-hq/costguard/pkg/limits/enforcement"
	"mercator-hq/costguard/pkg/limits/ledger"
	"mercator-hq/costguard/pkg/limits/matcher"
	"mercator-hq/costguard/pkg/limits/period"
	"mercator-hq/costguard/pkg/policy"
	"mercator-hq/costguard/pkg/pricing"
)

// Call is a proposed model call.
type Call struct {
	// ID identifies the call for settlement. Optional for evaluation.
	ID string `json:"id,omitempty" yaml:"id"`

	Model    string   `json:"model" yaml:"model"`
	Identity string   `json:"identity,omitempty" yaml:"identity"`
	Session  string   `json:"session,omitempty" yaml:"session"`
	Tags     []string `json:"tags,omitempty" yaml:"tags"`

	// InputUnits and OutputUnits are the projected token counts. Output is
	// usually an estimate; Settle corrects it after the call.
	InputUnits  int64 `json:"input_units" yaml:"input_units"`
	OutputUnits int64 `json:"output_units" yaml:"output_units"`

	// RoutingPolicy optionally names the routing policy the call runs under.
	RoutingPolicy string `json:"routing_policy,omitempty" yaml:"routing_policy"`
}

// Attributes returns the properties budgets are matched on.
func (c Call) Attributes() matcher.Attributes {
	return matcher.Attributes{
		Model:    c.Model,
		Identity: c.Identity,
		Session:  c.Session,
		Tags:     c.Tags,
	}
}

// Tokens returns the total projected units of the call.
func (c Call) Tokens() int64 {
	return c.InputUnits + c.OutputUnits
}

// Snapshot is the policy and pricing state one evaluation runs against.
// Snapshots are immutable once built.
type Snapshot struct {
	Pricing  *pricing.Table
	Policies *policy.Set
}

// Notification reports a threshold that fired during an evaluation.
type Notification struct {
	BudgetID string                 `json:"budget_id"`
	ScopeKey string                 `json:"scope_key"`
	Percent  float64                `json:"percent"`
	Action   policy.ThresholdAction `json:"-"`

	// Utilization is the bucket's highest constraint ratio after the call.
	Utilization float64 `json:"utilization"`
}

// Charge is a delta applied to one ledger bucket on behalf of a call.
// The set of charges of a result is the call's reservation.
type Charge struct {
	BudgetID string        `json:"budget_id"`
	Key      string        `json:"scope_key"`
	Period   period.Period `json:"period"`
	Start    time.Time     `json:"start"`
	End      time.Time     `json:"end"`
	Delta    ledger.Delta  `json:"delta"`

	// Threshold is the percent this call signaled on the bucket, zero if
	// none; PriorThreshold is the mark it replaced. A released charge
	// restores the prior mark.
	Threshold      float64 `json:"threshold,omitempty"`
	PriorThreshold float64 `json:"-"`
}

// BudgetUsage is the state of one matched budget's bucket after the call.
type BudgetUsage struct {
	BudgetID string        `json:"budget_id"`
	ScopeKey string        `json:"scope_key"`
	Start    time.Time     `json:"start"`
	End      time.Time     `json:"end"`
	Totals   ledger.Totals `json:"totals"`

	// Utilization is the highest ratio of totals to ceiling across the
	// budget's constraints.
	Utilization float64 `json:"utilization"`

	HardLimit bool `json:"hard_limit"`
}

// Result is the outcome of evaluating one call.
type Result struct {
	Disposition enforcement.Disposition

	// Cost and Tokens are the projected cost and units of the call.
	Cost   decimal.Decimal
	Tokens int64

	Notifications []Notification

	// DowngradeBudgets lists budgets whose hard limit asked for a downgrade.
	DowngradeBudgets []string

	// BlockedBy is the budget that blocked the call, if any.
	BlockedBy string

	// Overages lists budgets that let the call through past their ceiling.
	Overages []string

	// Usage has one entry per matched budget that was updated, in matcher
	// order.
	Usage []BudgetUsage

	// Charges are the ledger deltas still applied after the evaluation.
	// A blocked call has none.
	Charges []Charge

	// Err is the reason an evaluation failed closed.
	Err error
}

// Blocked reports whether the call was refused.
func (r *Result) Blocked() bool {
	return r.Disposition == enforcement.Block
}

// ThresholdReached reports whether a threshold of budgetID at or above
// percent fired during this evaluation. Only the highest crossed threshold
// fires, so a jump from 40% to 90% fires 80 and reaches 50 as well.
func (r *Result) ThresholdReached(budgetID string, percent float64) bool {
	for _, n := range r.Notifications {
		if n.BudgetID == budgetID && n.Percent >= percent {
			return true
		}
	}
	return false
}

// HardLimitHit reports whether budgetID reached its hard limit with a
// downgrade or block action during this evaluation.
func (r *Result) HardLimitHit(budgetID string) bool {
	if r.BlockedBy == budgetID {
		return true
	}
	for _, id := range r.DowngradeBudgets {
		if id == budgetID {
			return true
		}
	}
	return false
}

// Settled is the outcome of settling one charge.
type Settled struct {
	Charge Charge `json:"charge"`

	// Correction is the delta applied on top of the reservation.
	Correction ledger.Delta `json:"correction"`

	// Totals are the bucket totals after the correction.
	Totals ledger.Totals `json:"totals"`

	// Superseded is set when the bucket rolled over before settlement; the
	// correction was dropped.
	Superseded bool `json:"superseded,omitempty"`
}
