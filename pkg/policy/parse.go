package policy

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"mercator-hq/costguard/pkg/limits/period"
	"mercator-hq/costguard/pkg/pricing"
)

// document is the on-disk layout of a policy file. A file may hold budgets,
// routing policies, or both.
type document struct {
	Budgets         []yaml.Node `yaml:"budgets"`
	RoutingPolicies []yaml.Node `yaml:"routing_policies"`
}

type budgetEntry struct {
	ID     string `yaml:"id"`
	Scope  string `yaml:"scope"`
	Period string `yaml:"period"`
	Window string `yaml:"window"`

	Constraints struct {
		MaxCost     *pricing.Amount `yaml:"max_cost"`
		MaxTokens   *int64          `yaml:"max_tokens"`
		MaxRequests *int64          `yaml:"max_requests"`
	} `yaml:"constraints"`

	Match struct {
		Models     []string `yaml:"models"`
		Tags       []string `yaml:"tags"`
		Identities []string `yaml:"identities"`
	} `yaml:"match"`

	Thresholds []struct {
		Percent float64 `yaml:"percent"`
		Action  string  `yaml:"action"`
	} `yaml:"thresholds"`

	HardLimitAction string `yaml:"hard_limit_action"`
}

type routingEntry struct {
	ID     string `yaml:"id"`
	Scope  string `yaml:"scope"`
	Stages []struct {
		Model            string          `yaml:"model"`
		MaxCostPerCall   *pricing.Amount `yaml:"max_cost_per_call"`
		MaxTokensPerCall *int64          `yaml:"max_tokens_per_call"`
	} `yaml:"stages"`
	Triggers []struct {
		Budget      string   `yaml:"budget"`
		OnThreshold *float64 `yaml:"on_threshold"`
		TargetStage int      `yaml:"target_stage"`
	} `yaml:"triggers"`
}

// Parse decodes a policy document. Each entry is decoded and validated on
// its own; rejected entries are returned as *EntryError in LoadResult.Errors
// and do not affect the others. A nil error with a non-empty Errors slice is
// a partial load. A non-nil error means the document itself is unreadable.
func Parse(data []byte, source string) (*LoadResult, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &LoadError{FilePath: source, Message: "invalid YAML", Cause: err}
	}

	result := &LoadResult{}

	for i := range doc.Budgets {
		node := &doc.Budgets[i]
		spec, id, err := decodeBudget(node)
		if err == nil {
			err = spec.Validate()
		}
		if err != nil {
			result.Errors = append(result.Errors, &EntryError{
				Kind: EntryBudget, ID: id, Source: source, Index: i, Line: node.Line, Err: err,
			})
			continue
		}
		spec.Source = source
		result.Budgets = append(result.Budgets, *spec)
	}

	for i := range doc.RoutingPolicies {
		node := &doc.RoutingPolicies[i]
		rp, id, err := decodeRouting(node)
		if err == nil {
			err = rp.Validate()
		}
		if err != nil {
			result.Errors = append(result.Errors, &EntryError{
				Kind: EntryRoutingPolicy, ID: id, Source: source, Index: i, Line: node.Line, Err: err,
			})
			continue
		}
		rp.Source = source
		result.RoutingPolicies = append(result.RoutingPolicies, *rp)
	}

	return result, nil
}

func decodeBudget(node *yaml.Node) (*BudgetSpec, string, error) {
	var e budgetEntry
	if err := node.Decode(&e); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}

	spec := &BudgetSpec{ID: e.ID}

	var err error
	if spec.Scope, err = ParseScope(e.Scope); err != nil {
		return nil, e.ID, invalid("scope", "%v", err)
	}

	kind, err := period.ParseKind(e.Period)
	if err != nil {
		return nil, e.ID, invalid("period", "%v", err)
	}
	spec.Period = period.Period{Kind: kind}
	if e.Window != "" {
		d, err := time.ParseDuration(e.Window)
		if err != nil {
			return nil, e.ID, invalid("window", "invalid duration %q", e.Window)
		}
		spec.Period.Window = d
	}

	if e.Constraints.MaxCost != nil {
		c := e.Constraints.MaxCost.Decimal
		spec.Constraints.MaxCost = &c
	}
	spec.Constraints.MaxTokens = e.Constraints.MaxTokens
	spec.Constraints.MaxRequests = e.Constraints.MaxRequests

	spec.Match = Match{
		Models:     e.Match.Models,
		Tags:       e.Match.Tags,
		Identities: e.Match.Identities,
	}

	for i, th := range e.Thresholds {
		action, err := ParseThresholdAction(th.Action)
		if err != nil {
			return nil, e.ID, invalid(fmt.Sprintf("thresholds[%d].action", i), "%v", err)
		}
		spec.Thresholds = append(spec.Thresholds, Threshold{Percent: th.Percent, Action: action})
	}

	if spec.HardLimitAction, err = ParseHardLimitAction(e.HardLimitAction); err != nil {
		return nil, e.ID, invalid("hard_limit_action", "%v", err)
	}

	return spec, e.ID, nil
}

func decodeRouting(node *yaml.Node) (*RoutingPolicy, string, error) {
	var e routingEntry
	if err := node.Decode(&e); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}

	rp := &RoutingPolicy{ID: e.ID}

	var err error
	if rp.Scope, err = ParseScope(e.Scope); err != nil {
		return nil, e.ID, invalid("scope", "%v", err)
	}

	for _, st := range e.Stages {
		stage := StageConfig{Model: st.Model, MaxTokensPerCall: st.MaxTokensPerCall}
		if st.MaxCostPerCall != nil {
			c := st.MaxCostPerCall.Decimal
			stage.MaxCostPerCall = &c
		}
		rp.Stages = append(rp.Stages, stage)
	}

	for _, tr := range e.Triggers {
		rp.Triggers = append(rp.Triggers, DowngradeTrigger{
			BudgetID:    tr.Budget,
			OnThreshold: tr.OnThreshold,
			TargetStage: tr.TargetStage,
		})
	}

	return rp, e.ID, nil
}

// DecimalPtr is a helper for building constraints in code.
func DecimalPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

// Int64Ptr is a helper for building constraints in code.
func Int64Ptr(n int64) *int64 {
	return &n
}

// Float64Ptr is a helper for building trigger thresholds in code.
func Float64Ptr(f float64) *float64 {
	return &f
}
