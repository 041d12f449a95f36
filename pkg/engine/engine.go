package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"mercator-hq/costguard/pkg/limits"
	"mercator-hq/costguard/pkg/limits/enforcement"
	"mercator-hq/costguard/pkg/limits/ledger"
	"mercator-hq/costguard/pkg/limits/storage"
	"mercator-hq/costguard/pkg/policy"
	"mercator-hq/costguard/pkg/pricing"
	"mercator-hq/costguard/pkg/routing"
	"mercator-hq/costguard/pkg/telemetry/logging"
	"mercator-hq/costguard/pkg/telemetry/tracing"
)

// Options configures an Engine.
type Options struct {
	// Pricing and Policies are loaded by Reload. Both are required.
	Pricing  pricing.Source
	Policies policy.Source

	Ledger      ledger.Config
	Router      routing.Config
	Evaluator   limits.EvaluatorConfig
	Enforcement enforcement.Config

	// Backend persists checkpoints. Optional; the engine closes it.
	Backend storage.Backend

	// Registerer receives the engine metrics. Nil disables metrics.
	Registerer prometheus.Registerer

	// PerBucketMetrics enables the per-bucket utilisation gauge.
	PerBucketMetrics bool

	// ReservationTTL is how long an evaluated call can be settled.
	// Default: 1h
	ReservationTTL time.Duration

	// CompactionGrace is how long buckets are kept after their window ends.
	// Default: 1h
	CompactionGrace time.Duration

	// Maintenance schedules background compaction and checkpoints.
	Maintenance MaintenanceConfig

	// TracerProvider records spans. Default: the global provider.
	TracerProvider trace.TracerProvider

	Logger *slog.Logger

	// Now is the engine clock. Default: time.Now
	Now func() time.Time
}

func (o *Options) applyDefaults() {
	if o.ReservationTTL <= 0 {
		o.ReservationTTL = time.Hour
	}
	if o.CompactionGrace <= 0 {
		o.CompactionGrace = time.Hour
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Evaluator.Now == nil {
		o.Evaluator.Now = o.Now
	}
	if o.Router.Now == nil {
		o.Router.Now = o.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Engine is the spend enforcement engine. It owns the usage ledger, the
// routing stage records, and the active pricing and policy snapshot.
//
// Evaluate, Settle, and the read operations are safe for concurrent use.
// A reload swaps the snapshot atomically; evaluations already running
// finish against the snapshot they started with.
type Engine struct {
	opts Options

	ledger       *ledger.Ledger
	evaluator    *limits.Evaluator
	router       *routing.Router
	enforcer     *enforcement.Enforcer
	reservations *reservations
	limits       *limits.Metrics
	metrics      *metrics
	tracer       *tracing.Tracer
	logger       *slog.Logger

	snapshot atomic.Pointer[limits.Snapshot]
	reloadMu sync.Mutex

	maintenance *Maintenance
	closed      atomic.Bool
}

// New creates an engine. No snapshot is active until Reload succeeds;
// evaluations before that are blocked.
func New(opts Options) (*Engine, error) {
	if opts.Pricing == nil {
		return nil, errors.New("pricing source is required")
	}
	if opts.Policies == nil {
		return nil, errors.New("policy source is required")
	}
	opts.applyDefaults()

	e := &Engine{
		opts:     opts,
		ledger:   ledger.New(opts.Ledger),
		router:   routing.NewRouter(opts.Router, opts.Logger),
		enforcer: enforcement.NewEnforcer(opts.Enforcement),
		tracer:   tracing.New(opts.TracerProvider),
		logger:   opts.Logger.With("component", "engine"),
	}
	shards := opts.Ledger.Shards
	if shards <= 0 {
		shards = ledger.DefaultShards
	}
	e.reservations = newReservations(shards)

	if opts.Registerer != nil {
		e.limits = limits.NewMetrics(opts.Registerer, opts.PerBucketMetrics)
		e.metrics = newMetrics(opts.Registerer)
	}
	e.evaluator = limits.NewEvaluator(e.ledger, opts.Evaluator, e.limits, opts.Logger)
	e.maintenance = newMaintenance(e, opts.Maintenance, opts.Logger)

	return e, nil
}

// Snapshot returns the active pricing and policy snapshot, or nil before
// the first successful reload.
func (e *Engine) Snapshot() *limits.Snapshot {
	return e.snapshot.Load()
}

// Ledger returns the usage ledger.
func (e *Engine) Ledger() *ledger.Ledger {
	return e.ledger
}

// RoutingStats returns routing statistics.
func (e *Engine) RoutingStats() *routing.RoutingStats {
	return e.router.Stats()
}

// Reload loads pricing and policies and activates every valid entry.
//
// Invalid entries are listed in the report and left inactive. An error is
// returned only when a source cannot be read at all, in which case the
// previous snapshot stays active. Stage records of routing policies that
// are no longer active are dropped.
func (e *Engine) Reload(ctx context.Context) (*LoadReport, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	pres, err := e.opts.Pricing.Load(ctx)
	if err != nil {
		e.metrics.recordReload("failed", nil)
		return nil, fmt.Errorf("failed to load pricing: %w", err)
	}
	table, err := pricing.NewTable(pres.Entries)
	if err != nil {
		e.metrics.recordReload("failed", nil)
		return nil, fmt.Errorf("failed to build pricing table: %w", err)
	}

	pol, err := e.opts.Policies.Load(ctx)
	if err != nil {
		e.metrics.recordReload("failed", nil)
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}
	set, errs := policy.Compile(pol, table)

	e.snapshot.Store(&limits.Snapshot{Pricing: table, Policies: set})

	pruned := e.router.Prune(func(id string) bool {
		_, ok := set.RoutingPolicy(id)
		return ok
	})

	report := &LoadReport{
		Models:          table.Len(),
		Budgets:         len(set.Budgets()),
		RoutingPolicies: set.RoutingPolicyCount(),
		Errors:          append(append([]error(nil), pres.Errors...), errs...),
		LoadedAt:        e.opts.Now(),
	}

	for _, err := range report.Errors {
		e.logger.WarnContext(ctx, "entry rejected", "error", err)
	}
	result := "ok"
	if !report.Valid() {
		result = "partial"
	}
	e.metrics.recordReload(result, report)

	e.logger.InfoContext(ctx, "snapshot activated",
		"models", report.Models,
		"budgets", report.Budgets,
		"routing_policies", report.RoutingPolicies,
		"rejected", len(report.Errors),
		"pruned_stages", pruned,
	)
	return report, nil
}

// Evaluate decides whether call may run and on which model.
//
// A call without an ID is assigned one. When the call names a routing
// policy, it is priced and charged on the policy's current-stage model and
// the routing decision picks the model to run. Allowed calls keep their
// charges as a reservation until Settle or ReservationTTL.
//
// The returned Decision is never nil. A non-nil error is also stored in
// Decision.Err and always comes with a Block disposition.
func (e *Engine) Evaluate(ctx context.Context, call limits.Call) (*Decision, error) {
	if call.ID == "" {
		call.ID = uuid.NewString()
	}

	ctx = logging.WithCall(ctx, logging.CallFields{
		CallID:        call.ID,
		Identity:      call.Identity,
		Session:       call.Session,
		Model:         call.Model,
		RoutingPolicy: call.RoutingPolicy,
	})
	ctx, span := e.tracer.Start(ctx, "engine.Evaluate")
	defer span.End()
	tracing.SetCallAttributes(span, call.ID, call.Identity, call.Session, call.Model, call.InputUnits, call.OutputUnits)

	d := e.evaluate(ctx, call)

	tracing.NewAttributeBuilder().
		WithCost(d.Cost.String()).
		WithDisposition(d.Disposition.String(), d.BlockedBy).
		WithBudgets(len(d.Usage)).
		Apply(span)
	if d.Routing != nil {
		tracing.SetRoutingAttributes(span, d.Routing.PolicyID, d.Routing.Model, d.Routing.Stage, d.Routing.Previous)
	}
	tracing.SetError(span, d.Err)

	return d, d.Err
}

func (e *Engine) evaluate(ctx context.Context, call limits.Call) *Decision {
	d := &Decision{CallID: call.ID, RequestedModel: call.Model, Disposition: enforcement.Allow}

	if e.closed.Load() {
		return d.block(ErrClosed)
	}
	if call.InputUnits < 0 || call.OutputUnits < 0 {
		return d.block(fmt.Errorf("%w: negative unit count", ErrInvalidCall))
	}

	snap := e.snapshot.Load()
	if snap == nil {
		return d.block(limits.ErrNoSnapshot)
	}

	now := e.opts.Now()
	if e.reservations.has(call.ID, now) {
		return d.block(fmt.Errorf("%w: %s", ErrDuplicateCall, call.ID))
	}

	var (
		rp       *policy.RoutingPolicy
		scopeKey string
	)
	if call.RoutingPolicy != "" {
		p, ok := snap.Policies.RoutingPolicy(call.RoutingPolicy)
		if !ok {
			e.logger.WarnContext(ctx, "blocking call with unknown routing policy")
			return d.block(fmt.Errorf("%w: %q", ErrUnknownRoutingPolicy, call.RoutingPolicy))
		}
		rp = p
		scopeKey = routing.ScopeKey(rp, call.Attributes())
		call.Model = rp.Stages[e.router.Current(scopeKey, rp).Index].Model
	}

	res, _ := e.evaluator.Evaluate(ctx, call, snap)
	d.fromResult(res)
	d.Model = call.Model

	if rp != nil {
		rd := e.router.Resolve(scopeKey, rp, res, routing.Projection{
			InputUnits:  call.InputUnits,
			OutputUnits: call.OutputUnits,
			Pricing:     snap.Pricing,
		})
		d.Routing = &rd

		switch {
		case rd.Blocked && !res.Blocked():
			e.evaluator.Release(ctx, res.Charges)
			d.block(rd.Err)
		case rd.Blocked:
		default:
			d.Model = rd.Model
			if rd.Downgraded() {
				d.Disposition = enforcement.Max(d.Disposition, enforcement.Downgrade)
			}
		}
	}

	if d.Disposition == enforcement.Block {
		d.Model = ""
		d.RetryAfter = e.enforcer.RetryAfter(d.Disposition, d.windowEnd(), now)
		return d
	}
	d.RetryAfter = e.enforcer.RetryAfter(d.Disposition, time.Time{}, now)

	if !e.reservations.put(call.ID, reservation{
		model:   d.Model,
		pricing: snap.Pricing,
		charges: res.Charges,
		expires: now.Add(e.opts.ReservationTTL),
	}, now) {
		// Lost a race with a concurrent call using the same ID.
		e.evaluator.Release(ctx, res.Charges)
		return d.block(fmt.Errorf("%w: %s", ErrDuplicateCall, call.ID))
	}
	e.metrics.setReservations(e.reservations.len())

	return d
}

// Settle reconciles an evaluated call with what it actually consumed. Each
// budget the call was charged to receives the difference between actual
// and projected cost and tokens. The call is priced on the model it was
// routed to, with the pricing it was evaluated under.
//
// Settling an unknown, blocked, expired, or already settled call returns
// ErrUnknownCall.
func (e *Engine) Settle(ctx context.Context, callID string, actual ActualUsage) (*Settlement, error) {
	ctx = logging.WithCallID(ctx, callID)
	ctx, span := e.tracer.Start(ctx, "engine.Settle")
	defer span.End()
	tracing.SetCallAttributes(span, callID, "", "", "", actual.InputUnits, actual.OutputUnits)

	if actual.InputUnits < 0 || actual.OutputUnits < 0 {
		err := fmt.Errorf("%w: negative unit count", ErrInvalidCall)
		tracing.SetError(span, err)
		return nil, err
	}

	r, ok := e.reservations.take(callID, e.opts.Now())
	e.metrics.setReservations(e.reservations.len())
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownCall, callID)
		tracing.SetError(span, err)
		return nil, err
	}

	cost, err := r.pricing.Cost(r.model, actual.InputUnits, actual.OutputUnits)
	if err != nil {
		tracing.SetError(span, err)
		return nil, err
	}

	s := &Settlement{
		CallID: callID,
		Model:  r.model,
		Cost:   cost,
		Tokens: actual.InputUnits + actual.OutputUnits,
	}
	s.Charges, err = e.evaluator.Settle(ctx, r.charges, ledger.Delta{Cost: cost, Tokens: s.Tokens})
	if err != nil {
		e.logger.ErrorContext(ctx, "settlement incomplete", "error", err)
		tracing.SetError(span, err)
		return s, err
	}

	e.logger.DebugContext(ctx, "call settled",
		"model", r.model,
		"cost", cost.String(),
		"charges", len(s.Charges),
	)
	return s, nil
}

// StageKey returns the scope key of the stage record call uses under the
// routing policy policyID.
func (e *Engine) StageKey(policyID string, call limits.Call) (string, error) {
	rp, err := e.routingPolicy(policyID)
	if err != nil {
		return "", err
	}
	return routing.ScopeKey(rp, call.Attributes()), nil
}

// Stage returns the current stage call would run on under policyID.
func (e *Engine) Stage(policyID string, call limits.Call) (StageView, error) {
	rp, err := e.routingPolicy(policyID)
	if err != nil {
		return StageView{}, err
	}
	key := routing.ScopeKey(rp, call.Attributes())
	st := e.router.Current(key, rp)
	return StageView{
		PolicyID:       rp.ID,
		ScopeKey:       key,
		Index:          st.Index,
		Model:          rp.Stages[st.Index].Model,
		TransitionedAt: st.TransitionedAt,
	}, nil
}

// ResetStage returns the stage record of (scopeKey, policyID) to the first
// stage. It is the only way a routing scope moves back to a more capable
// model. It reports whether the scope had moved at all.
func (e *Engine) ResetStage(ctx context.Context, scopeKey, policyID string) bool {
	ok := e.router.Reset(scopeKey, policyID)
	e.logger.InfoContext(ctx, "stage reset requested",
		"routing_policy", policyID,
		"scope_key", scopeKey,
		"existed", ok,
	)
	return ok
}

// Peek returns the current usage of budgetID for the scope of call without
// charging anything.
func (e *Engine) Peek(ctx context.Context, budgetID string, call limits.Call) (limits.BudgetUsage, error) {
	snap := e.snapshot.Load()
	if snap == nil {
		return limits.BudgetUsage{}, limits.ErrNoSnapshot
	}
	spec, ok := snap.Policies.Budget(budgetID)
	if !ok {
		return limits.BudgetUsage{}, fmt.Errorf("%w: %q", ErrUnknownBudget, budgetID)
	}
	return e.evaluator.Peek(spec, call.Attributes()), nil
}

func (e *Engine) routingPolicy(id string) (*policy.RoutingPolicy, error) {
	snap := e.snapshot.Load()
	if snap == nil {
		return nil, limits.ErrNoSnapshot
	}
	rp, ok := snap.Policies.RoutingPolicy(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRoutingPolicy, id)
	}
	return rp, nil
}

// Close stops maintenance, writes a final checkpoint when a backend is
// configured, and closes the backend. Later evaluations are blocked.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.maintenance.Stop()

	if e.opts.Backend == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if err := e.checkpoint(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.opts.Backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close backend: %w", err))
	}
	return errors.Join(errs...)
}
