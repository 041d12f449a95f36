package routing

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"mercator-hq/costguard/pkg/limits/matcher"
	"mercator-hq/costguard/pkg/limits/storage"
	"mercator-hq/costguard/pkg/policy"
)

// DefaultShards is the shard count used when Config.Shards is zero.
const DefaultShards = 64

// Config configures a Router.
type Config struct {
	// Shards is the number of lock shards. Rounded up to a power of two.
	// Default: 64
	Shards int

	// Now returns the transition time. Default: time.Now
	Now func() time.Time
}

type stateKey struct {
	scopeKey string
	policyID string
}

type routerShard struct {
	mu     sync.Mutex
	states map[stateKey]State
}

// Router keeps the current-stage records of routing policies and resolves
// which model each call runs on.
//
// Records are spread over lock shards by the xxhash of their scope key, so
// calls in different scopes do not serialize on each other.
//
// Example usage:
//
//	router := routing.NewRouter(routing.Config{}, logger)
//	key := routing.ScopeKey(rp, call.Attributes())
//
//	decision := router.Resolve(key, rp, evaluation, routing.Projection{
//	    InputUnits:  call.InputUnits,
//	    OutputUnits: call.OutputUnits,
//	    Pricing:     table,
//	})
//	if decision.Blocked {
//	    return decision.Err
//	}
type Router struct {
	shards []*routerShard
	mask   uint64
	now    func() time.Time
	stats  *AtomicRoutingStats
	logger *slog.Logger
}

// NewRouter creates a router with no stage records.
func NewRouter(cfg Config, logger *slog.Logger) *Router {
	n := cfg.Shards
	if n <= 0 {
		n = DefaultShards
	}
	size := 1
	for size < n {
		size <<= 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Router{
		shards: make([]*routerShard, size),
		mask:   uint64(size - 1),
		now:    cfg.Now,
		stats:  NewAtomicRoutingStats(),
		logger: logger.With("component", "routing.router"),
	}
	for i := range r.shards {
		r.shards[i] = &routerShard{states: make(map[stateKey]State)}
	}
	return r
}

// ScopeKey returns the key of the current-stage record a call uses under rp.
// Calls missing the scoping attribute share the record with an empty value.
func ScopeKey(rp *policy.RoutingPolicy, attrs matcher.Attributes) string {
	value, _ := matcher.ScopeValue(rp.Scope, policy.Match{}, attrs)
	return matcher.Key(rp.ID, rp.Scope, value)
}

func (r *Router) shardFor(scopeKey string) *routerShard {
	return r.shards[xxhash.Sum64String(scopeKey)&r.mask]
}

// Current returns the current-stage record without creating one. A scope
// with no record is at stage 0.
func (r *Router) Current(scopeKey string, rp *policy.RoutingPolicy) State {
	s := r.shardFor(scopeKey)
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.states[stateKey{scopeKey: scopeKey, policyID: rp.ID}]
	return clamp(st, len(rp.Stages))
}

// Resolve decides which stage serves a call and records any transition.
//
// Every trigger of rp whose budget reached its hard limit, or whose named
// threshold was reached, moves the record to the trigger's target stage if
// that is later than the current one. A blocked evaluation then returns a
// blocked decision; the transition still holds for later calls. Otherwise
// the call must fit the per-call constraints of its stage. A call that does
// not fit is served by the next stage that it fits, and is blocked when none
// is left. Per-call constraints never move the record: only triggers do.
func (r *Router) Resolve(scopeKey string, rp *policy.RoutingPolicy, outcome Outcome, proj Projection) Decision {
	now := r.now()
	k := stateKey{scopeKey: scopeKey, policyID: rp.ID}

	s := r.shardFor(scopeKey)
	s.mu.Lock()

	st, ok := s.states[k]
	if !ok {
		st = State{TransitionedAt: now}
	}
	st = clamp(st, len(rp.Stages))
	prev := st.Index

	d := Decision{PolicyID: rp.ID, ScopeKey: scopeKey, Previous: prev}

	for _, tr := range rp.Triggers {
		if !fired(tr, outcome) {
			continue
		}
		next, changed, err := Transition(st, TriggerFired(tr.TargetStage), len(rp.Stages), now)
		if err != nil {
			// Targets are validated at load; a bad one is skipped.
			r.logger.Error("skipping invalid downgrade trigger",
				"routing_policy", rp.ID,
				"budget_id", tr.BudgetID,
				"error", err,
			)
			continue
		}
		if changed {
			st = next
			d.Reason = triggerReason(tr)
		}
	}

	transition := d.Reason

	// serve is this call's stage; it starts at the record and only moves
	// for calls that exceed a stage's per-call limits.
	serve := st
	exhausted := false
	switch {
	case outcome.Blocked():
		d.Blocked = true
		d.Reason = "blocked by budget evaluation"

	default:
		for {
			reason, fits := fitsStage(rp.Stages[serve.Index], proj)
			if fits {
				break
			}
			next, _, err := Transition(serve, StageExhausted(), len(rp.Stages), now)
			if err != nil {
				exhausted = true
				d.Blocked = true
				d.Reason = reason
				d.Err = &StagesExhaustedError{PolicyID: rp.ID, Stage: serve.Index, Reason: reason}
				break
			}
			serve = next
			d.Reason = fmt.Sprintf("stage %d: %s", next.Index-1, reason)
		}
		if !d.Blocked {
			d.Model = rp.Stages[serve.Index].Model
		}
	}

	s.states[k] = st
	s.mu.Unlock()

	d.Current = st.Index
	d.Stage = serve.Index
	r.stats.record(d, exhausted)

	if d.Advanced() {
		r.logger.Info("routing stage advanced",
			"routing_policy", rp.ID,
			"scope_key", scopeKey,
			"from", prev,
			"to", st.Index,
			"reason", transition,
		)
	}
	return d
}

// Reset returns the record to stage 0. It is the only way a stage index
// decreases. It reports whether a record existed.
func (r *Router) Reset(scopeKey, policyID string) bool {
	s := r.shardFor(scopeKey)
	s.mu.Lock()
	k := stateKey{scopeKey: scopeKey, policyID: policyID}
	_, ok := s.states[k]
	delete(s.states, k)
	s.mu.Unlock()

	r.stats.recordReset()
	r.logger.Info("routing stage reset",
		"routing_policy", policyID,
		"scope_key", scopeKey,
		"existed", ok,
	)
	return ok
}

// Prune drops the records of routing policies for which keep returns false
// and returns how many were removed. It is used after a reload removes
// policies.
func (r *Router) Prune(keep func(policyID string) bool) int {
	removed := 0
	for _, s := range r.shards {
		s.mu.Lock()
		for k := range s.states {
			if !keep(k.policyID) {
				delete(s.states, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of stage records.
func (r *Router) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.Lock()
		n += len(s.states)
		s.mu.Unlock()
	}
	return n
}

// Stats returns a snapshot of routing statistics.
func (r *Router) Stats() *RoutingStats {
	return r.stats.Snapshot()
}

// Snapshot copies every stage record out of the router. Each shard is
// locked only while it is copied.
func (r *Router) Snapshot() []storage.StageState {
	var out []storage.StageState
	for _, s := range r.shards {
		s.mu.Lock()
		for k, st := range s.states {
			out = append(out, storage.StageState{
				ScopeKey:       k.scopeKey,
				PolicyID:       k.policyID,
				Index:          st.Index,
				TransitionedAt: st.TransitionedAt,
			})
		}
		s.mu.Unlock()
	}
	return out
}

// Restore loads stage records. A restored record never lowers a record
// that is already further along. Records with a negative index are rejected.
func (r *Router) Restore(states []storage.StageState) (int, error) {
	var errs []error
	restored := 0

	for _, ss := range states {
		if ss.Index < 0 {
			errs = append(errs, fmt.Errorf("stage record %s/%s: negative index %d", ss.ScopeKey, ss.PolicyID, ss.Index))
			continue
		}
		k := stateKey{scopeKey: ss.ScopeKey, policyID: ss.PolicyID}

		s := r.shardFor(ss.ScopeKey)
		s.mu.Lock()
		if cur, ok := s.states[k]; !ok || cur.Index < ss.Index {
			s.states[k] = State{Index: ss.Index, TransitionedAt: ss.TransitionedAt}
			restored++
		}
		s.mu.Unlock()
	}
	return restored, errors.Join(errs...)
}

func fired(tr policy.DowngradeTrigger, outcome Outcome) bool {
	if tr.OnThreshold == nil {
		return outcome.HardLimitHit(tr.BudgetID)
	}
	return outcome.ThresholdReached(tr.BudgetID, *tr.OnThreshold)
}

func triggerReason(tr policy.DowngradeTrigger) string {
	if tr.OnThreshold == nil {
		return fmt.Sprintf("budget %q hard limit", tr.BudgetID)
	}
	return fmt.Sprintf("budget %q reached %v%%", tr.BudgetID, *tr.OnThreshold)
}

// fitsStage checks a call against the per-call constraints of a stage.
func fitsStage(stage policy.StageConfig, proj Projection) (string, bool) {
	if stage.MaxTokensPerCall != nil {
		if tokens := proj.InputUnits + proj.OutputUnits; tokens > *stage.MaxTokensPerCall {
			return fmt.Sprintf("%d tokens exceed %s limit of %d per call", tokens, stage.Model, *stage.MaxTokensPerCall), false
		}
	}
	if stage.MaxCostPerCall != nil && proj.Pricing != nil {
		cost, err := proj.Pricing.Cost(stage.Model, proj.InputUnits, proj.OutputUnits)
		if err != nil {
			return err.Error(), false
		}
		if cost.GreaterThan(*stage.MaxCostPerCall) {
			return fmt.Sprintf("cost %s exceeds %s limit of %s per call", cost, stage.Model, stage.MaxCostPerCall), false
		}
	}
	return "", true
}

// clamp keeps a record inside a policy that lost stages on reload.
func clamp(st State, stages int) State {
	if st.Index >= stages {
		st.Index = stages - 1
	}
	return st
}
