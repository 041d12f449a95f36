// Package engine is the entry point of the spend enforcement engine.
//
// # Overview
//
// An Engine ties the pieces together:
//
//   - pricing and policy sources, loaded by Reload into an immutable
//     snapshot that is swapped atomically
//   - the usage ledger and the budget evaluator
//   - the routing stage records
//   - reservations kept between Evaluate and Settle
//   - an optional storage backend for checkpoints
//
// # Usage
//
//	e, err := engine.New(engine.Options{
//	    Pricing:  pricing.NewFileSource("pricing.yaml", logger),
//	    Policies: policy.NewFileSource("policies/", logger),
//	    Logger:   logger,
//	})
//	if err != nil {
//	    return err
//	}
//	defer e.Close()
//
//	if _, err := e.Reload(ctx); err != nil {
//	    return err
//	}
//
//	d, err := e.Evaluate(ctx, limits.Call{
//	    Identity:      "team-a",
//	    InputUnits:    1200,
//	    OutputUnits:   400,
//	    RoutingPolicy: "tiered",
//	})
//	if !d.Allowed() {
//	    return err
//	}
//	// call d.Model, then report what it used
//	_, err = e.Settle(ctx, d.CallID, engine.ActualUsage{InputUnits: 1200, OutputUnits: 380})
//
// # Failure Handling
//
// Evaluation fails closed. A missing snapshot, an unpriced model, an unknown
// routing policy, exhausted stages, and persistent ledger contention all
// block the call. A blocked call leaves no charges in the ledger.
package engine
