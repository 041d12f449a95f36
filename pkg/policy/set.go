package policy

import (
	"fmt"

	"mercator-hq/costguard/pkg/pricing"
)

// Set is an activated, immutable collection of budgets and routing policies.
// Budgets keep the order the source supplied them in.
type Set struct {
	budgets  []BudgetSpec
	byID     map[string]*BudgetSpec
	policies map[string]*RoutingPolicy
}

// Compile turns a load result into an activatable Set.
//
// Every entry is validated in isolation first, whatever source produced it,
// so an invalid entry is never activated. Budgets with duplicate IDs are
// rejected after the first. Routing policies are then checked against the accepted budgets and the pricing table; those that
// fail are rejected with ErrConfiguration. Every rejection is returned as an
// *EntryError; load errors already present in res are passed through.
func Compile(res *LoadResult, table *pricing.Table) (*Set, []error) {
	errs := append([]error(nil), res.Errors...)

	set := &Set{
		byID:     make(map[string]*BudgetSpec, len(res.Budgets)),
		policies: make(map[string]*RoutingPolicy, len(res.RoutingPolicies)),
	}

	seen := make(map[string]bool, len(res.Budgets))
	for i := range res.Budgets {
		b := res.Budgets[i]
		if err := b.Validate(); err != nil {
			errs = append(errs, &EntryError{Kind: EntryBudget, ID: b.ID, Source: b.Source, Index: i, Err: err})
			continue
		}
		if seen[b.ID] {
			errs = append(errs, &EntryError{
				Kind: EntryBudget, ID: b.ID, Source: b.Source, Index: i,
				Err: invalid("id", "duplicate budget id %q", b.ID),
			})
			continue
		}
		seen[b.ID] = true
		set.budgets = append(set.budgets, b)
	}
	for i := range set.budgets {
		set.byID[set.budgets[i].ID] = &set.budgets[i]
	}

	for i := range res.RoutingPolicies {
		rp := res.RoutingPolicies[i]
		if err := rp.Validate(); err != nil {
			errs = append(errs, &EntryError{Kind: EntryRoutingPolicy, ID: rp.ID, Source: rp.Source, Index: i, Err: err})
			continue
		}
		if _, dup := set.policies[rp.ID]; dup {
			errs = append(errs, &EntryError{
				Kind: EntryRoutingPolicy, ID: rp.ID, Source: rp.Source, Index: i,
				Err: invalid("id", "duplicate routing policy id %q", rp.ID),
			})
			continue
		}
		if err := rp.ValidateReferences(set.byID, table); err != nil {
			errs = append(errs, &EntryError{
				Kind: EntryRoutingPolicy, ID: rp.ID, Source: rp.Source, Index: i, Err: err,
			})
			continue
		}
		set.policies[rp.ID] = &rp
	}

	return set, errs
}

// Budgets returns the active budgets in source order. The slice must not be
// modified.
func (s *Set) Budgets() []BudgetSpec {
	if s == nil {
		return nil
	}
	return s.budgets
}

// Budget looks up a budget by ID.
func (s *Set) Budget(id string) (*BudgetSpec, bool) {
	if s == nil {
		return nil, false
	}
	b, ok := s.byID[id]
	return b, ok
}

// RoutingPolicy looks up a routing policy by ID.
func (s *Set) RoutingPolicy(id string) (*RoutingPolicy, bool) {
	if s == nil {
		return nil, false
	}
	rp, ok := s.policies[id]
	return rp, ok
}

// RoutingPolicyCount returns the number of active routing policies.
func (s *Set) RoutingPolicyCount() int {
	if s == nil {
		return 0
	}
	return len(s.policies)
}

// String summarises the set for logs.
func (s *Set) String() string {
	return fmt.Sprintf("%d budgets, %d routing policies", len(s.Budgets()), s.RoutingPolicyCount())
}
