// Package limits evaluates model calls against spend budgets.
//
// # Overview
//
// An Evaluator prices a call, finds the budgets that apply to it, charges
// the call to each budget's ledger bucket, and derives a disposition from
// the resulting utilisation:
//
//   - hard limits (any ceiling reached) apply the budget's block, downgrade,
//     or allow-with-overage action
//   - thresholds fire their notify or throttle action at most once per
//     bucket
//
// Budgets are visited most specific scope first. A blocking hard limit stops
// the evaluation and undoes every charge the call made, so refused calls
// never consume budget.
//
// # Architecture
//
// The package is organized into sub-packages:
//
//   - period: fixed and rolling window arithmetic
//   - ledger: sharded usage buckets with lazy rollover
//   - matcher: budget selection and scope keys
//   - enforcement: action to disposition mapping
//   - storage: snapshot backends (memory, SQLite, Redis)
//
// # Usage
//
//	l := ledger.New(ledger.Config{})
//	ev := limits.NewEvaluator(l, limits.EvaluatorConfig{}, limits.NewMetrics(reg, false), logger)
//
//	res, err := ev.Evaluate(ctx, call, &limits.Snapshot{Pricing: table, Policies: set})
//	if res.Blocked() {
//	    return fmt.Errorf("call refused by %s: %w", res.BlockedBy, err)
//	}
//
//	// After the call, reconcile the reservation with what was really used.
//	_, err = ev.Settle(ctx, res.Charges, ledger.Delta{Cost: actualCost, Tokens: actualTokens})
//
// # Performance
//
// Evaluation holds one shard lock at a time and never performs I/O. Lock
// contention is retried with exponential back-off a bounded number of times
// before the call is blocked.
package limits
