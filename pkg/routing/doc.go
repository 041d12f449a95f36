// Package routing decides which model stage serves a call.
//
// A routing policy is an ordered chain of stages from most to least capable.
// Each (scope key, policy) pair has a current-stage record, a small state
// machine driven by two events:
//
//   - a downgrade trigger fired, moving to the trigger's target stage
//   - the call does not fit the stage's per-call limits, moving one stage on
//
// The stage index never moves backwards on its own. Reset is the only way
// back to stage 0. Exhausting the last stage blocks the call.
//
// Transition is the pure state function; Router keeps the records under
// sharded locks and applies budget evaluation outcomes to them.
package routing
