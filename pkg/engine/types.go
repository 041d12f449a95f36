package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"mercator-hq/costguard/pkg/limits"
	"mercator-hq/costguard/pkg/limits/enforcement"
	"mercator-hq/costguard/pkg/routing"
)

// Decision is the verdict for one call.
type Decision struct {
	// CallID identifies the reservation to settle. Assigned when the call
	// carried none.
	CallID string `json:"call_id"`

	Disposition enforcement.Disposition `json:"disposition"`

	// Model is the model the call should run on. It differs from
	// RequestedModel when a routing policy picked the stage. Empty when
	// the call is blocked.
	Model          string `json:"model,omitempty"`
	RequestedModel string `json:"requested_model,omitempty"`

	// Cost and Tokens are the projected cost and units charged.
	Cost   decimal.Decimal `json:"cost"`
	Tokens int64           `json:"tokens"`

	Notifications    []limits.Notification `json:"notifications,omitempty"`
	DowngradeBudgets []string              `json:"downgrade_budgets,omitempty"`
	BlockedBy        string                `json:"blocked_by,omitempty"`
	Overages         []string              `json:"overages,omitempty"`
	Usage            []limits.BudgetUsage  `json:"usage,omitempty"`

	// Routing is set when the call ran under a routing policy.
	Routing *routing.Decision `json:"routing,omitempty"`

	// RetryAfter suggests how long to wait before retrying a blocked or
	// throttled call.
	RetryAfter time.Duration `json:"retry_after,omitempty"`

	// Err explains a block that was not caused by a budget ceiling.
	Err error `json:"-"`
}

// Allowed reports whether the call may proceed.
func (d *Decision) Allowed() bool {
	return d.Disposition.Allowed()
}

func (d *Decision) block(err error) *Decision {
	d.Disposition = enforcement.Block
	d.Model = ""
	d.Err = err
	return d
}

func (d *Decision) fromResult(res *limits.Result) {
	d.Disposition = res.Disposition
	d.Cost = res.Cost
	d.Tokens = res.Tokens
	d.Notifications = res.Notifications
	d.DowngradeBudgets = res.DowngradeBudgets
	d.BlockedBy = res.BlockedBy
	d.Overages = res.Overages
	d.Usage = res.Usage
	d.Err = res.Err
}

// windowEnd returns the end of the blocking budget's window, if any.
func (d *Decision) windowEnd() time.Time {
	for _, u := range d.Usage {
		if u.BudgetID == d.BlockedBy {
			return u.End
		}
	}
	return time.Time{}
}

// ActualUsage is what a call really consumed.
type ActualUsage struct {
	InputUnits  int64 `json:"input_units"`
	OutputUnits int64 `json:"output_units"`
}

// Settlement is the outcome of settling a call.
type Settlement struct {
	CallID string `json:"call_id"`

	// Model is the model the call was priced on.
	Model string `json:"model"`

	// Cost and Tokens are the actual cost and units.
	Cost   decimal.Decimal `json:"cost"`
	Tokens int64           `json:"tokens"`

	Charges []limits.Settled `json:"charges"`
}

// LoadReport describes the outcome of a reload.
type LoadReport struct {
	Models          int       `json:"models"`
	Budgets         int       `json:"budgets"`
	RoutingPolicies int       `json:"routing_policies"`
	Errors          []error   `json:"-"`
	LoadedAt        time.Time `json:"loaded_at"`
}

// Valid reports whether every entry was activated.
func (r *LoadReport) Valid() bool {
	return len(r.Errors) == 0
}

// StageView is the current stage of one routing scope.
type StageView struct {
	PolicyID       string    `json:"policy_id"`
	ScopeKey       string    `json:"scope_key"`
	Index          int       `json:"index"`
	Model          string    `json:"model"`
	TransitionedAt time.Time `json:"transitioned_at,omitempty"`
}

// CompactReport describes one compaction pass.
type CompactReport struct {
	Buckets      int `json:"buckets"`
	Reservations int `json:"reservations"`
	Stored       int `json:"stored"`
}
