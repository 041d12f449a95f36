package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"mercator-hq/costguard/pkg/limits"
	"mercator-hq/costguard/pkg/limits/enforcement"
	"mercator-hq/costguard/pkg/limits/period"
	"mercator-hq/costguard/pkg/limits/storage"
	"mercator-hq/costguard/pkg/policy"
	"mercator-hq/costguard/pkg/pricing"
	"mercator-hq/costguard/pkg/routing"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Prices are per 1K input units, so a 1000-unit call costs the listed
// dollar amount.
var testPrices = []pricing.ModelPricing{
	{Model: "six", InputPer1K: decimal.NewFromInt(6)},
	{Model: "one", InputPer1K: decimal.NewFromInt(1)},
	{Model: "gpt-premium", InputPer1K: decimal.NewFromInt(4)},
	{Model: "gpt-standard", InputPer1K: decimal.NewFromInt(1)},
	{Model: "gpt-mini", InputPer1K: decimal.RequireFromString("0.1")},
}

func dailyCost(id string, scope policy.Scope, max string, action policy.HardLimitAction) policy.BudgetSpec {
	return policy.BudgetSpec{
		ID:              id,
		Scope:           scope,
		Period:          period.Period{Kind: period.Daily},
		Constraints:     policy.Constraints{MaxCost: policy.DecimalPtr(max)},
		HardLimitAction: action,
	}
}

func tieredPolicy(stages ...policy.StageConfig) policy.RoutingPolicy {
	if len(stages) == 0 {
		stages = []policy.StageConfig{
			{Model: "gpt-premium"},
			{Model: "gpt-standard"},
			{Model: "gpt-mini"},
		}
	}
	return policy.RoutingPolicy{
		ID:     "tiered",
		Scope:  policy.ScopeIdentity,
		Stages: stages,
		Triggers: []policy.DowngradeTrigger{
			{BudgetID: "team", OnThreshold: policy.Float64Ptr(80), TargetStage: 1},
		},
	}
}

func teamBudget() policy.BudgetSpec {
	b := dailyCost("team", policy.ScopeIdentity, "10", policy.HardLimitBlock)
	b.Thresholds = []policy.Threshold{{Percent: 80, Action: policy.ThresholdNotify}}
	return b
}

type testEngine struct {
	*Engine
	clock    *clock
	registry *prometheus.Registry
	policies *policy.MemorySource
}

func newTestEngine(t *testing.T, budgets []policy.BudgetSpec, policies []policy.RoutingPolicy, mutate ...func(*Options)) *testEngine {
	t.Helper()

	c := &clock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	reg := prometheus.NewRegistry()
	src := policy.NewMemorySource(budgets, policies)

	opts := Options{
		Pricing:    pricing.NewMemorySource(testPrices...),
		Policies:   src,
		Registerer: reg,
		Now:        c.Now,
	}
	for _, m := range mutate {
		m(&opts)
	}

	e, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { e.Close() })

	report, err := e.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if !report.Valid() {
		t.Fatalf("Reload() rejected entries: %v", report.Errors)
	}

	return &testEngine{Engine: e, clock: c, registry: reg, policies: src}
}

func (te *testEngine) evaluate(t *testing.T, call limits.Call) *Decision {
	t.Helper()
	d, _ := te.Evaluate(context.Background(), call)
	if d == nil {
		t.Fatal("Evaluate returned nil decision")
	}
	return d
}

func TestNew_RequiresSources(t *testing.T) {
	if _, err := New(Options{Policies: policy.NewMemorySource(nil, nil)}); err == nil {
		t.Error("New() without pricing source should fail")
	}
	if _, err := New(Options{Pricing: pricing.NewMemorySource()}); err == nil {
		t.Error("New() without policy source should fail")
	}
}

func TestEngine_SixPlusSixOnTenDollars(t *testing.T) {
	te := newTestEngine(t, []policy.BudgetSpec{dailyCost("daily", policy.ScopeGlobal, "10", policy.HardLimitBlock)}, nil)
	call := limits.Call{Model: "six", InputUnits: 1000}

	first := te.evaluate(t, call)
	if first.Disposition != enforcement.Allow || first.Model != "six" {
		t.Fatalf("first = %s on %q, want allow on six", first.Disposition, first.Model)
	}
	if first.CallID == "" {
		t.Error("call ID was not assigned")
	}

	second := te.evaluate(t, call)
	if second.Disposition != enforcement.Block || second.BlockedBy != "daily" {
		t.Fatalf("second = %s by %q, want block by daily", second.Disposition, second.BlockedBy)
	}
	if second.Model != "" {
		t.Errorf("blocked decision model = %q, want empty", second.Model)
	}
	if want := 15 * time.Hour; second.RetryAfter != want {
		t.Errorf("RetryAfter = %s, want %s (until midnight)", second.RetryAfter, want)
	}

	usage, err := te.Peek(context.Background(), "daily", call)
	if err != nil {
		t.Fatal(err)
	}
	if !usage.Totals.Cost.Equal(decimal.NewFromInt(6)) || usage.Totals.Requests != 1 {
		t.Errorf("totals = %+v, want $6 over one request", usage.Totals)
	}

	if _, err := te.Settle(context.Background(), second.CallID, ActualUsage{InputUnits: 1000}); !errors.Is(err, ErrUnknownCall) {
		t.Errorf("Settle(blocked) error = %v, want ErrUnknownCall", err)
	}
}

func TestEngine_RoutingDowngradesAtThreshold(t *testing.T) {
	te := newTestEngine(t, []policy.BudgetSpec{teamBudget()}, []policy.RoutingPolicy{tieredPolicy()})
	call := limits.Call{Identity: "alice", InputUnits: 1000, RoutingPolicy: "tiered"}

	first := te.evaluate(t, call)
	if first.Disposition != enforcement.Allow || first.Model != "gpt-premium" {
		t.Fatalf("first = %s on %q, want allow on gpt-premium", first.Disposition, first.Model)
	}

	// $8 of $10 reaches the 80% threshold.
	second := te.evaluate(t, call)
	if second.Model != "gpt-standard" {
		t.Fatalf("second model = %q, want gpt-standard", second.Model)
	}
	if second.Disposition != enforcement.Downgrade {
		t.Errorf("second disposition = %s, want downgrade", second.Disposition)
	}
	if second.Routing == nil || !second.Routing.Downgraded() || second.Routing.Stage != 1 {
		t.Errorf("routing = %+v, want transition to stage 1", second.Routing)
	}
	if len(second.Notifications) != 1 || second.Notifications[0].Percent != 80 {
		t.Errorf("notifications = %+v, want one at 80%%", second.Notifications)
	}

	third := te.evaluate(t, call)
	if third.Model != "gpt-standard" || third.Disposition != enforcement.Allow {
		t.Errorf("third = %s on %q, want allow on gpt-standard", third.Disposition, third.Model)
	}
	if !third.Cost.Equal(decimal.NewFromInt(1)) {
		t.Errorf("third cost = %s, want the gpt-standard price", third.Cost)
	}

	stage, err := te.Stage("tiered", call)
	if err != nil {
		t.Fatal(err)
	}
	if stage.Index != 1 || stage.Model != "gpt-standard" || stage.ScopeKey != "tiered|identity|alice" {
		t.Errorf("Stage() = %+v", stage)
	}

	other, _ := te.Stage("tiered", limits.Call{Identity: "bob"})
	if other.Index != 0 {
		t.Errorf("bob stage = %d, want 0", other.Index)
	}
}

func TestEngine_StageMonotonicUntilReset(t *testing.T) {
	te := newTestEngine(t, []policy.BudgetSpec{teamBudget()}, []policy.RoutingPolicy{tieredPolicy()})
	call := limits.Call{Identity: "alice", InputUnits: 1000, RoutingPolicy: "tiered"}

	te.evaluate(t, call)
	te.evaluate(t, call)

	// Later calls never move back on their own, even in a new day.
	te.clock.Advance(24 * time.Hour)
	for i := 0; i < 3; i++ {
		if d := te.evaluate(t, call); d.Model != "gpt-standard" {
			t.Fatalf("call %d model = %q, want gpt-standard", i, d.Model)
		}
	}

	key, err := te.StageKey("tiered", call)
	if err != nil {
		t.Fatal(err)
	}
	if !te.ResetStage(context.Background(), key, "tiered") {
		t.Error("ResetStage() = false, want true")
	}
	if d := te.evaluate(t, call); d.Model != "gpt-premium" {
		t.Errorf("model after reset = %q, want gpt-premium", d.Model)
	}
	if te.ResetStage(context.Background(), "tiered|identity|nobody", "tiered") {
		t.Error("ResetStage() of an untouched scope = true")
	}
}

func TestEngine_UnknownModelBlockedWithoutLedgerWrites(t *testing.T) {
	te := newTestEngine(t, []policy.BudgetSpec{dailyCost("daily", policy.ScopeGlobal, "10", policy.HardLimitBlock)}, nil)

	d, err := te.Evaluate(context.Background(), limits.Call{Model: "gpt-unknown", InputUnits: 1000})
	if !errors.Is(err, pricing.ErrUnknownModel) {
		t.Fatalf("error = %v, want ErrUnknownModel", err)
	}
	if d.Disposition != enforcement.Block || !errors.Is(d.Err, pricing.ErrUnknownModel) {
		t.Errorf("decision = %s (%v), want block", d.Disposition, d.Err)
	}
	if n := te.Ledger().Len(); n != 0 {
		t.Errorf("ledger has %d buckets, want 0", n)
	}
}

func TestEngine_BlockedWhenNotReady(t *testing.T) {
	e, err := New(Options{Pricing: pricing.NewMemorySource(testPrices...), Policies: policy.NewMemorySource(nil, nil)})
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	d, err := e.Evaluate(context.Background(), limits.Call{Model: "one"})
	if !errors.Is(err, limits.ErrNoSnapshot) || d.Disposition != enforcement.Block {
		t.Errorf("Evaluate before Reload = %s, %v", d.Disposition, err)
	}

	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Reload(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Reload after Close error = %v, want ErrClosed", err)
	}
	if _, err := e.Evaluate(context.Background(), limits.Call{Model: "one"}); !errors.Is(err, ErrClosed) {
		t.Errorf("Evaluate after Close error = %v, want ErrClosed", err)
	}
}

func TestEngine_InvalidCalls(t *testing.T) {
	te := newTestEngine(t, nil, nil)

	if _, err := te.Evaluate(context.Background(), limits.Call{Model: "one", InputUnits: -1}); !errors.Is(err, ErrInvalidCall) {
		t.Errorf("negative units error = %v, want ErrInvalidCall", err)
	}
	if _, err := te.Evaluate(context.Background(), limits.Call{Model: "one", RoutingPolicy: "missing"}); !errors.Is(err, ErrUnknownRoutingPolicy) {
		t.Errorf("unknown routing policy error = %v, want ErrUnknownRoutingPolicy", err)
	}
	if _, err := te.Peek(context.Background(), "missing", limits.Call{}); !errors.Is(err, ErrUnknownBudget) {
		t.Errorf("Peek error = %v, want ErrUnknownBudget", err)
	}
	if _, err := te.StageKey("missing", limits.Call{}); !errors.Is(err, ErrUnknownRoutingPolicy) {
		t.Errorf("StageKey error = %v, want ErrUnknownRoutingPolicy", err)
	}
}

func TestEngine_Settle(t *testing.T) {
	te := newTestEngine(t, []policy.BudgetSpec{dailyCost("daily", policy.ScopeGlobal, "100", policy.HardLimitBlock)}, nil)
	ctx := context.Background()
	call := limits.Call{Model: "six", InputUnits: 1000, OutputUnits: 200}

	t.Run("actual equals projected", func(t *testing.T) {
		d := te.evaluate(t, call)
		before, _ := te.Peek(ctx, "daily", call)

		s, err := te.Settle(ctx, d.CallID, ActualUsage{InputUnits: 1000, OutputUnits: 200})
		if err != nil {
			t.Fatalf("Settle() error = %v", err)
		}
		if len(s.Charges) != 1 || !s.Charges[0].Correction.IsZero() {
			t.Errorf("charges = %+v, want one zero correction", s.Charges)
		}

		after, _ := te.Peek(ctx, "daily", call)
		if !after.Totals.Cost.Equal(before.Totals.Cost) || after.Totals.Tokens != before.Totals.Tokens {
			t.Errorf("totals moved from %+v to %+v", before.Totals, after.Totals)
		}

		if _, err := te.Settle(ctx, d.CallID, ActualUsage{}); !errors.Is(err, ErrUnknownCall) {
			t.Errorf("second Settle error = %v, want ErrUnknownCall", err)
		}
	})

	t.Run("actual differs", func(t *testing.T) {
		before, _ := te.Peek(ctx, "daily", call)
		d := te.evaluate(t, call)

		s, err := te.Settle(ctx, d.CallID, ActualUsage{InputUnits: 500})
		if err != nil {
			t.Fatalf("Settle() error = %v", err)
		}
		if !s.Cost.Equal(decimal.NewFromInt(3)) || s.Tokens != 500 {
			t.Errorf("settlement = %s over %d tokens", s.Cost, s.Tokens)
		}

		after, _ := te.Peek(ctx, "daily", call)
		if got := after.Totals.Cost.Sub(before.Totals.Cost); !got.Equal(decimal.NewFromInt(3)) {
			t.Errorf("cost grew by %s, want 3", got)
		}
		if got := after.Totals.Tokens - before.Totals.Tokens; got != 500 {
			t.Errorf("tokens grew by %d, want 500", got)
		}
		if got := after.Totals.Requests - before.Totals.Requests; got != 1 {
			t.Errorf("requests grew by %d, want 1", got)
		}
	})

	t.Run("negative usage", func(t *testing.T) {
		d := te.evaluate(t, call)
		if _, err := te.Settle(ctx, d.CallID, ActualUsage{OutputUnits: -1}); !errors.Is(err, ErrInvalidCall) {
			t.Errorf("error = %v, want ErrInvalidCall", err)
		}
		if _, err := te.Settle(ctx, d.CallID, ActualUsage{}); err != nil {
			t.Errorf("reservation lost after invalid settlement: %v", err)
		}
	})
}

func TestEngine_SettlePricesRoutedModel(t *testing.T) {
	te := newTestEngine(t, []policy.BudgetSpec{teamBudget()}, []policy.RoutingPolicy{tieredPolicy()})
	call := limits.Call{Identity: "alice", InputUnits: 1000, RoutingPolicy: "tiered"}

	first := te.evaluate(t, call)
	d := te.evaluate(t, call)
	if first.Model != "gpt-premium" || d.Model != "gpt-standard" {
		t.Fatalf("models = %q, %q, want gpt-premium, gpt-standard", first.Model, d.Model)
	}

	teamCost := func() decimal.Decimal {
		t.Helper()
		usage, err := te.Peek(context.Background(), "team", call)
		if err != nil {
			t.Fatal(err)
		}
		return usage.Totals.Cost
	}
	if got := teamCost(); !got.Equal(decimal.NewFromInt(8)) {
		t.Fatalf("team cost before settle = %s, want 8", got)
	}

	// Settling with the projected units: the unrouted call nets to zero, the
	// crossing call was charged $4 at gpt-premium and is repriced at $1 on
	// gpt-standard.
	tests := []struct {
		name      string
		callID    string
		wantModel string
		wantCost  int64
		wantTotal int64
	}{
		{"unrouted call", first.CallID, "gpt-premium", 4, 8},
		{"crossing call", d.CallID, "gpt-standard", 1, 5},
	}

	for _, tt := range tests {
		s, err := te.Settle(context.Background(), tt.callID, ActualUsage{InputUnits: 1000})
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if s.Model != tt.wantModel || !s.Cost.Equal(decimal.NewFromInt(tt.wantCost)) {
			t.Errorf("%s: settlement = %s on %q, want %d on %q", tt.name, s.Cost, s.Model, tt.wantCost, tt.wantModel)
		}
		if got := teamCost(); !got.Equal(decimal.NewFromInt(tt.wantTotal)) {
			t.Errorf("%s: team cost = %s, want %d", tt.name, got, tt.wantTotal)
		}
	}
}

func TestEngine_DuplicateCallID(t *testing.T) {
	te := newTestEngine(t, []policy.BudgetSpec{dailyCost("daily", policy.ScopeGlobal, "100", policy.HardLimitBlock)}, nil)
	call := limits.Call{ID: "c1", Model: "one", InputUnits: 1000}

	if d := te.evaluate(t, call); d.Disposition != enforcement.Allow || d.CallID != "c1" {
		t.Fatalf("first = %s (%s)", d.Disposition, d.CallID)
	}
	d, err := te.Evaluate(context.Background(), call)
	if !errors.Is(err, ErrDuplicateCall) || d.Disposition != enforcement.Block {
		t.Fatalf("duplicate = %s, %v", d.Disposition, err)
	}

	usage, _ := te.Peek(context.Background(), "daily", call)
	if usage.Totals.Requests != 1 {
		t.Errorf("requests = %d, want 1", usage.Totals.Requests)
	}

	if _, err := te.Settle(context.Background(), "c1", ActualUsage{InputUnits: 1000}); err != nil {
		t.Fatal(err)
	}
	if d := te.evaluate(t, call); d.Disposition != enforcement.Allow {
		t.Errorf("reuse after settle = %s (%v)", d.Disposition, d.Err)
	}
}

func TestEngine_StageExhaustionReleasesCharges(t *testing.T) {
	small := policy.Int64Ptr(100)
	rp := tieredPolicy(
		policy.StageConfig{Model: "gpt-premium", MaxTokensPerCall: small},
		policy.StageConfig{Model: "gpt-standard", MaxTokensPerCall: small},
	)
	te := newTestEngine(t, []policy.BudgetSpec{teamBudget()}, []policy.RoutingPolicy{rp})
	call := limits.Call{Identity: "alice", InputUnits: 1000, RoutingPolicy: "tiered"}

	d, err := te.Evaluate(context.Background(), call)
	if !errors.Is(err, routing.ErrStagesExhausted) {
		t.Fatalf("error = %v, want ErrStagesExhausted", err)
	}
	if d.Disposition != enforcement.Block || d.Routing == nil || !d.Routing.Blocked {
		t.Errorf("decision = %s, routing %+v", d.Disposition, d.Routing)
	}

	usage, _ := te.Peek(context.Background(), "team", call)
	if !usage.Totals.Cost.IsZero() || usage.Totals.Requests != 0 {
		t.Errorf("team totals = %+v, want zero after release", usage.Totals)
	}
}

func TestEngine_ConcurrentEvaluations(t *testing.T) {
	te := newTestEngine(t, []policy.BudgetSpec{dailyCost("daily", policy.ScopeGlobal, "50", policy.HardLimitBlock)}, nil)
	call := limits.Call{Model: "one", InputUnits: 1000}

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, _ := te.Evaluate(context.Background(), call)
			if d.Allowed() {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	// The 50th dollar reaches the ceiling and is refused.
	if got := allowed.Load(); got != 49 {
		t.Errorf("allowed = %d, want 49", got)
	}
	usage, _ := te.Peek(context.Background(), "daily", call)
	if !usage.Totals.Cost.Equal(decimal.NewFromInt(49)) {
		t.Errorf("cost = %s, want 49", usage.Totals.Cost)
	}
	if got := te.reservations.len(); got != 49 {
		t.Errorf("reservations = %d, want 49", got)
	}
}

func TestEngine_ReloadReportsInvalidEntries(t *testing.T) {
	te := newTestEngine(t, []policy.BudgetSpec{teamBudget()}, []policy.RoutingPolicy{tieredPolicy()})
	call := limits.Call{Identity: "alice", InputUnits: 1000, RoutingPolicy: "tiered"}
	te.evaluate(t, call)
	te.evaluate(t, call)

	unconstrained := policy.BudgetSpec{ID: "broken", Period: period.Period{Kind: period.Daily}}
	orphan := tieredPolicy()
	orphan.ID = "orphan"
	orphan.Triggers[0].BudgetID = "missing"

	te.policies.Set([]policy.BudgetSpec{teamBudget(), unconstrained}, []policy.RoutingPolicy{orphan})

	report, err := te.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if report.Budgets != 1 || report.RoutingPolicies != 0 || len(report.Errors) != 2 {
		t.Errorf("report = %+v (errors %v)", report, report.Errors)
	}
	if report.Valid() {
		t.Error("report with rejected entries reported valid")
	}
	for _, err := range report.Errors {
		if !errors.Is(err, policy.ErrInvalidPolicy) && !errors.Is(err, policy.ErrConfiguration) {
			t.Errorf("unexpected error type: %v", err)
		}
	}

	// The removed policy's stage records are gone and calls naming it fail closed.
	if te.router.Len() != 0 {
		t.Errorf("router kept %d records of removed policies", te.router.Len())
	}
	if _, err := te.Evaluate(context.Background(), call); !errors.Is(err, ErrUnknownRoutingPolicy) {
		t.Errorf("error = %v, want ErrUnknownRoutingPolicy", err)
	}

	// Ledger state survives reloads.
	usage, _ := te.Peek(context.Background(), "team", call)
	if !usage.Totals.Cost.Equal(decimal.NewFromInt(8)) {
		t.Errorf("team cost after reload = %s, want 8", usage.Totals.Cost)
	}

	if got := testutil.ToFloat64(te.metrics.reloads.WithLabelValues("partial")); got != 1 {
		t.Errorf("partial reloads = %v, want 1", got)
	}
}

// rawSource hands entries to the engine without validating them.
type rawSource struct {
	res policy.LoadResult
}

func (s rawSource) Load(context.Context) (*policy.LoadResult, error) {
	res := s.res
	return &res, nil
}

func TestEngine_ReloadRejectsUnvalidatedEntries(t *testing.T) {
	zeroCost := dailyCost("zero", policy.ScopeGlobal, "0", policy.HardLimitBlock)
	stageless := tieredPolicy()
	stageless.ID = "stageless"
	stageless.Stages = nil
	stageless.Triggers = nil

	tests := []struct {
		name     string
		budgets  []policy.BudgetSpec
		policies []policy.RoutingPolicy
		call     limits.Call
		wantErr  error
	}{
		{
			name:    "zero max cost",
			budgets: []policy.BudgetSpec{zeroCost},
			call:    limits.Call{Model: "one", InputUnits: 1000},
		},
		{
			name:     "routing policy without stages",
			budgets:  []policy.BudgetSpec{teamBudget()},
			policies: []policy.RoutingPolicy{stageless},
			call:     limits.Call{Identity: "alice", InputUnits: 1000, RoutingPolicy: "stageless"},
			wantErr:  ErrUnknownRoutingPolicy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &clock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
			e, err := New(Options{
				Pricing:  pricing.NewMemorySource(testPrices...),
				Policies: rawSource{res: policy.LoadResult{Budgets: tt.budgets, RoutingPolicies: tt.policies}},
				Now:      c.Now,
			})
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			t.Cleanup(func() { e.Close() })

			report, err := e.Reload(context.Background())
			if err != nil {
				t.Fatalf("Reload() error = %v", err)
			}
			if len(report.Errors) != 1 {
				t.Fatalf("errors = %v, want 1 rejection", report.Errors)
			}
			var entryErr *policy.EntryError
			if !errors.As(report.Errors[0], &entryErr) || !errors.Is(entryErr, policy.ErrInvalidPolicy) {
				t.Errorf("rejection = %v, want *EntryError wrapping ErrInvalidPolicy", report.Errors[0])
			}

			d, err := e.Evaluate(context.Background(), tt.call)
			if d == nil {
				t.Fatal("Evaluate returned nil decision")
			}
			if tt.wantErr == nil {
				if err != nil || d.Disposition != enforcement.Allow {
					t.Errorf("decision = %s (%v), want allow", d.Disposition, err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) || d.Disposition != enforcement.Block {
				t.Errorf("decision = %s (%v), want block with %v", d.Disposition, err, tt.wantErr)
			}
		})
	}
}

func TestEngine_CheckpointRestore(t *testing.T) {
	backend := storage.NewMemoryBackend()
	budgets := []policy.BudgetSpec{teamBudget()}
	policies := []policy.RoutingPolicy{tieredPolicy()}
	withBackend := func(o *Options) { o.Backend = backend }

	first := newTestEngine(t, budgets, policies, withBackend)
	call := limits.Call{Identity: "alice", InputUnits: 1000, RoutingPolicy: "tiered"}
	first.evaluate(t, call)
	first.evaluate(t, call)

	if err := first.Checkpoint(context.Background()); err != nil {
		t.Fatalf("Checkpoint() error = %v", err)
	}

	second := newTestEngine(t, budgets, policies, withBackend)
	buckets, stages, err := second.Restore(context.Background())
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if buckets != 1 || stages != 1 {
		t.Errorf("restored %d buckets and %d stages, want 1 and 1", buckets, stages)
	}

	usage, _ := second.Peek(context.Background(), "team", call)
	if !usage.Totals.Cost.Equal(decimal.NewFromInt(8)) {
		t.Errorf("restored cost = %s, want 8", usage.Totals.Cost)
	}
	if d := second.evaluate(t, call); d.Model != "gpt-standard" {
		t.Errorf("restored model = %q, want gpt-standard", d.Model)
	}

	plain := newTestEngine(t, nil, nil)
	if err := plain.Checkpoint(context.Background()); !errors.Is(err, ErrNoBackend) {
		t.Errorf("Checkpoint() without backend error = %v, want ErrNoBackend", err)
	}
}

func TestEngine_Compact(t *testing.T) {
	te := newTestEngine(t, []policy.BudgetSpec{dailyCost("daily", policy.ScopeGlobal, "100", policy.HardLimitBlock)}, nil,
		func(o *Options) { o.Backend = storage.NewMemoryBackend() })
	ctx := context.Background()

	d := te.evaluate(t, limits.Call{Model: "one", InputUnits: 1000})
	if err := te.Checkpoint(ctx); err != nil {
		t.Fatal(err)
	}

	report, err := te.Compact(ctx, te.clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	if report.Buckets != 0 || report.Reservations != 0 {
		t.Errorf("compaction of live state = %+v", report)
	}

	te.clock.Advance(48 * time.Hour)
	report, err = te.Compact(ctx, te.clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	if report.Buckets != 1 || report.Reservations != 1 || report.Stored != 1 {
		t.Errorf("compaction = %+v, want one of each", report)
	}
	if _, err := te.Settle(ctx, d.CallID, ActualUsage{}); !errors.Is(err, ErrUnknownCall) {
		t.Errorf("Settle after expiry error = %v, want ErrUnknownCall", err)
	}
}
