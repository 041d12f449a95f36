// Package policy defines budgets and routing policies and loads them.
//
// # Budgets
//
// A BudgetSpec caps cost, tokens, or requests for one Scope (global,
// identity, session, or tag) over one period. Thresholds fire notify or
// throttle actions before the ceiling; the hard-limit action (block,
// downgrade, or allow with an overage flag) applies once any ceiling is
// reached.
//
// # Routing Policies
//
// A RoutingPolicy is an ordered chain of model stages from most to least
// capable. DowngradeTriggers move a scope down the chain when a budget's
// hard limit or a named threshold fires.
//
// # Loading
//
// A Source returns budgets and routing policies together with per-entry
// errors. Malformed entries are reported and skipped; the rest of the load
// proceeds:
//
//	src := policy.NewFileSource("policies/", logger)
//	res, err := src.Load(ctx)
//	set, rejected := policy.Compile(res, pricingTable)
//
// Compile cross-checks routing policies against the accepted budgets and
// the pricing table. Those checks fail with ErrConfiguration; malformed
// entries fail with ErrInvalidPolicy. Both arrive wrapped in *EntryError.
//
// # File Format
//
//	budgets:
//	  - id: team-daily
//	    scope: identity
//	    period: daily            # daily | weekly | monthly | rolling
//	    window: 1h               # rolling only
//	    constraints:
//	      max_cost: 10
//	    match:
//	      models: ["gpt-*"]
//	    thresholds:
//	      - {percent: 80, action: notify}
//	    hard_limit_action: block # block | downgrade | allow_overage
//
//	routing_policies:
//	  - id: tiered
//	    scope: identity
//	    stages:
//	      - {model: gpt-premium}
//	      - {model: gpt-standard}
//	    triggers:
//	      - {budget: team-daily, on_threshold: 80, target_stage: 1}
//
// # Hot Reload
//
// Watcher observes files and directories with fsnotify and debounces bursts
// of changes into one reload callback.
package policy
