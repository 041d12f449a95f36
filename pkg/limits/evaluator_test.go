package limits

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

	"mercator-hq/costguard/pkg/limits/enforcement"
	"mercator-hq/costguard/pkg/limits/ledger"
	"mercator-hq/costguard/pkg/limits/matcher"
	"mercator-hq/costguard/pkg/limits/period"
	"mercator-hq/costguard/pkg/policy"
	"mercator-hq/costguard/pkg/pricing"
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

// Every call of 1000 input units costs exactly $1 per dollar of InputPer1K.
func testTable(t *testing.T) *pricing.Table {
	t.Helper()
	table, err := pricing.NewTable([]pricing.ModelPricing{
		{Model: "six", InputPer1K: decimal.NewFromInt(6)},
		{Model: "one", InputPer1K: decimal.NewFromInt(1)},
	})
	if err != nil {
		t.Fatal(err)
	}
	return table
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

type fixture struct {
	clock   *clock
	ledger  *ledger.Ledger
	eval    *Evaluator
	metrics *Metrics
	snap    *Snapshot
}

func newFixture(t *testing.T, budgets ...policy.BudgetSpec) *fixture {
	t.Helper()

	table := testTable(t)
	set, errs := policy.Compile(&policy.LoadResult{Budgets: budgets}, table)
	if len(errs) > 0 {
		t.Fatalf("Compile rejected budgets: %v", errs)
	}

	c := &clock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	l := ledger.New(ledger.Config{})
	m := NewMetrics(prometheus.NewRegistry(), true)

	return &fixture{
		clock:   c,
		ledger:  l,
		metrics: m,
		eval:    NewEvaluator(l, EvaluatorConfig{Now: c.Now}, m, nil),
		snap:    &Snapshot{Pricing: table, Policies: set},
	}
}

func (f *fixture) evaluate(t *testing.T, call Call) *Result {
	t.Helper()
	res, _ := f.eval.Evaluate(context.Background(), call, f.snap)
	if res == nil {
		t.Fatal("Evaluate returned nil result")
	}
	return res
}

func TestEvaluate_SixPlusSixOnTenDollars(t *testing.T) {
	f := newFixture(t, dailyCost("daily", policy.ScopeGlobal, "10", policy.HardLimitBlock))
	call := Call{Model: "six", InputUnits: 1000}

	first := f.evaluate(t, call)
	if first.Disposition != enforcement.Allow {
		t.Fatalf("first call = %s, want allow", first.Disposition)
	}
	if !first.Cost.Equal(decimal.NewFromInt(6)) {
		t.Errorf("Cost = %s, want 6", first.Cost)
	}

	second := f.evaluate(t, call)
	if second.Disposition != enforcement.Block {
		t.Fatalf("second call = %s, want block", second.Disposition)
	}
	if second.BlockedBy != "daily" {
		t.Errorf("BlockedBy = %q, want daily", second.BlockedBy)
	}
	if len(second.Charges) != 0 {
		t.Errorf("blocked call kept %d charges", len(second.Charges))
	}

	key := matcher.Key("daily", policy.ScopeGlobal, "")
	totals := f.ledger.Peek(key, period.Period{Kind: period.Daily}, f.clock.Now())
	if !totals.Cost.Equal(decimal.NewFromInt(6)) || totals.Requests != 1 {
		t.Errorf("totals after block = %s/%d, want 6/1", totals.Cost, totals.Requests)
	}

	if got := testutil.ToFloat64(f.metrics.evaluations.WithLabelValues("block")); got != 1 {
		t.Errorf("block evaluations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(f.metrics.rollbacks); got != 1 {
		t.Errorf("rollbacks = %v, want 1", got)
	}
}

func TestEvaluate_UnknownModelFailsClosed(t *testing.T) {
	f := newFixture(t, dailyCost("daily", policy.ScopeGlobal, "10", policy.HardLimitBlock))

	res, err := f.eval.Evaluate(context.Background(), Call{Model: "nope", InputUnits: 10}, f.snap)
	if !errors.Is(err, pricing.ErrUnknownModel) {
		t.Fatalf("err = %v, want ErrUnknownModel", err)
	}
	if res.Disposition != enforcement.Block || !errors.Is(res.Err, pricing.ErrUnknownModel) {
		t.Errorf("result = %s (%v), want block with ErrUnknownModel", res.Disposition, res.Err)
	}
	if n := f.ledger.Len(); n != 0 {
		t.Errorf("ledger has %d buckets, want 0", n)
	}
}

func TestEvaluate_NoSnapshot(t *testing.T) {
	f := newFixture(t)
	res, err := f.eval.Evaluate(context.Background(), Call{Model: "six"}, nil)
	if !errors.Is(err, ErrNoSnapshot) || res.Disposition != enforcement.Block {
		t.Errorf("got %s, %v; want block, ErrNoSnapshot", res.Disposition, err)
	}
}

func TestEvaluate_UnmeteredCallWritesNothing(t *testing.T) {
	spec := dailyCost("team", policy.ScopeGlobal, "10", policy.HardLimitBlock)
	spec.Match.Tags = []string{"team-a"}
	f := newFixture(t, spec)

	res := f.evaluate(t, Call{Model: "six", InputUnits: 1000, Tags: []string{"team-b"}})
	if res.Disposition != enforcement.Allow {
		t.Errorf("Disposition = %s, want allow", res.Disposition)
	}
	if f.ledger.Len() != 0 {
		t.Error("unmetered call created a bucket")
	}
}

func TestEvaluate_MostSpecificBlockShortCircuits(t *testing.T) {
	f := newFixture(t,
		dailyCost("global", policy.ScopeGlobal, "100", policy.HardLimitBlock),
		dailyCost("session", policy.ScopeSession, "5", policy.HardLimitBlock),
	)

	res := f.evaluate(t, Call{Model: "six", InputUnits: 1000, Session: "s1"})
	if res.BlockedBy != "session" {
		t.Fatalf("BlockedBy = %q, want session", res.BlockedBy)
	}
	if len(res.Usage) != 1 {
		t.Errorf("less specific budgets were evaluated: %+v", res.Usage)
	}
	if n := f.ledger.Len(); n != 1 {
		t.Errorf("ledger has %d buckets, want only the session bucket", n)
	}
}

func TestEvaluate_DowngradeContinuesToLessSpecific(t *testing.T) {
	f := newFixture(t,
		dailyCost("global", policy.ScopeGlobal, "10", policy.HardLimitBlock),
		dailyCost("identity", policy.ScopeIdentity, "5", policy.HardLimitDowngrade),
	)
	call := Call{Model: "six", InputUnits: 1000, Identity: "alice"}

	first := f.evaluate(t, call)
	if first.Disposition != enforcement.Downgrade {
		t.Fatalf("first = %s, want downgrade", first.Disposition)
	}
	if len(first.DowngradeBudgets) != 1 || first.DowngradeBudgets[0] != "identity" {
		t.Errorf("DowngradeBudgets = %v", first.DowngradeBudgets)
	}
	if !first.HardLimitHit("identity") || first.HardLimitHit("global") {
		t.Error("HardLimitHit reports the wrong budgets")
	}
	if len(first.Charges) != 2 {
		t.Errorf("Charges = %d, want 2", len(first.Charges))
	}

	second := f.evaluate(t, call)
	if second.Disposition != enforcement.Block || second.BlockedBy != "global" {
		t.Fatalf("second = %s by %q, want block by global", second.Disposition, second.BlockedBy)
	}

	// The rolled back identity charge leaves the first call's $6 in place.
	identity := f.ledger.Peek(matcher.Key("identity", policy.ScopeIdentity, "alice"), period.Period{Kind: period.Daily}, f.clock.Now())
	if !identity.Cost.Equal(decimal.NewFromInt(6)) {
		t.Errorf("identity cost = %s, want 6", identity.Cost)
	}
}

func TestEvaluate_AllowOverage(t *testing.T) {
	f := newFixture(t, dailyCost("soft", policy.ScopeGlobal, "5", policy.HardLimitAllowOverage))

	res := f.evaluate(t, Call{Model: "six", InputUnits: 1000})
	if res.Disposition != enforcement.Allow {
		t.Errorf("Disposition = %s, want allow", res.Disposition)
	}
	if len(res.Overages) != 1 || res.Overages[0] != "soft" {
		t.Errorf("Overages = %v", res.Overages)
	}
	if !res.Usage[0].HardLimit || res.Usage[0].Utilization != 1.2 {
		t.Errorf("Usage = %+v", res.Usage[0])
	}
}

func TestEvaluate_TokenAndRequestCeilings(t *testing.T) {
	tokens := policy.BudgetSpec{
		ID:              "tokens",
		Scope:           policy.ScopeGlobal,
		Period:          period.Period{Kind: period.Rolling, Window: time.Hour},
		Constraints:     policy.Constraints{MaxTokens: policy.Int64Ptr(3000), MaxRequests: policy.Int64Ptr(100)},
		HardLimitAction: policy.HardLimitBlock,
	}
	f := newFixture(t, tokens)

	call := Call{Model: "one", InputUnits: 1000, OutputUnits: 500}
	if res := f.evaluate(t, call); res.Disposition != enforcement.Allow {
		t.Fatalf("first = %s", res.Disposition)
	}
	if res := f.evaluate(t, call); res.Disposition != enforcement.Block {
		t.Fatalf("second reaches 3000 tokens, got %s", res.Disposition)
	}
}

func TestEvaluate_ThresholdsFireOncePerBucket(t *testing.T) {
	spec := dailyCost("daily", policy.ScopeGlobal, "10", policy.HardLimitBlock)
	spec.Thresholds = []policy.Threshold{
		{Percent: 50, Action: policy.ThresholdNotify},
		{Percent: 80, Action: policy.ThresholdThrottle},
	}
	f := newFixture(t, spec)
	call := Call{Model: "one", InputUnits: 1000}

	var fired []float64
	dispositions := make([]enforcement.Disposition, 0, 9)
	for i := 0; i < 9; i++ {
		res := f.evaluate(t, call)
		dispositions = append(dispositions, res.Disposition)
		for _, n := range res.Notifications {
			fired = append(fired, n.Percent)
		}
	}

	if len(fired) != 2 || fired[0] != 50 || fired[1] != 80 {
		t.Fatalf("fired = %v, want [50 80]", fired)
	}
	// Call 8 crosses 80% and is throttled; call 9 is not.
	if dispositions[7] != enforcement.Throttle || dispositions[8] != enforcement.Allow {
		t.Errorf("dispositions = %v", dispositions)
	}

	// The next day is a new bucket and the thresholds fire again.
	f.clock.Advance(24 * time.Hour)
	fired = fired[:0]
	for i := 0; i < 5; i++ {
		for _, n := range f.evaluate(t, call).Notifications {
			fired = append(fired, n.Percent)
		}
	}
	if len(fired) != 1 || fired[0] != 50 {
		t.Errorf("fired after rollover = %v, want [50]", fired)
	}
}

func TestEvaluate_JumpFiresHighestThresholdOnly(t *testing.T) {
	spec := dailyCost("daily", policy.ScopeGlobal, "10", policy.HardLimitBlock)
	spec.Thresholds = []policy.Threshold{
		{Percent: 25, Action: policy.ThresholdNotify},
		{Percent: 50, Action: policy.ThresholdNotify},
	}
	f := newFixture(t, spec)

	res := f.evaluate(t, Call{Model: "six", InputUnits: 1000})
	if len(res.Notifications) != 1 || res.Notifications[0].Percent != 50 {
		t.Fatalf("Notifications = %+v, want only 50", res.Notifications)
	}
	if !res.ThresholdReached("daily", 25) || res.ThresholdReached("daily", 75) {
		t.Error("ThresholdReached disagrees with the fired threshold")
	}
}

func TestEvaluate_ConcurrentThresholdsAndCeiling(t *testing.T) {
	spec := dailyCost("daily", policy.ScopeGlobal, "50", policy.HardLimitBlock)
	spec.Thresholds = []policy.Threshold{
		{Percent: 20, Action: policy.ThresholdNotify},
		{Percent: 40, Action: policy.ThresholdNotify},
		{Percent: 60, Action: policy.ThresholdNotify},
		{Percent: 80, Action: policy.ThresholdNotify},
	}
	f := newFixture(t, spec)

	const workers = 20
	const perWorker = 10

	var allowed atomic.Int64
	var mu sync.Mutex
	fired := make(map[float64]int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				res := f.evaluate(t, Call{Model: "one", InputUnits: 1000})
				if res.Disposition != enforcement.Block {
					allowed.Add(1)
				}
				mu.Lock()
				for _, n := range res.Notifications {
					fired[n.Percent]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Reaching $50 blocks, so exactly 49 one-dollar calls get through.
	if got := allowed.Load(); got != 49 {
		t.Errorf("allowed = %d, want 49", got)
	}
	totals := f.ledger.Peek(matcher.Key("daily", policy.ScopeGlobal, ""), spec.Period, f.clock.Now())
	if !totals.Cost.Equal(decimal.NewFromInt(49)) || totals.Requests != 49 {
		t.Errorf("totals = %s/%d, want 49/49", totals.Cost, totals.Requests)
	}
	for p, n := range fired {
		if n != 1 {
			t.Errorf("threshold %v fired %d times", p, n)
		}
	}
}

func TestSettle(t *testing.T) {
	f := newFixture(t, dailyCost("daily", policy.ScopeGlobal, "100", policy.HardLimitBlock))
	ctx := context.Background()
	key := matcher.Key("daily", policy.ScopeGlobal, "")
	daily := period.Period{Kind: period.Daily}

	res := f.evaluate(t, Call{Model: "six", InputUnits: 1000, OutputUnits: 200})

	t.Run("actual equals projected", func(t *testing.T) {
		settled, err := f.eval.Settle(ctx, res.Charges, ledger.Delta{Cost: res.Cost, Tokens: res.Tokens})
		if err != nil {
			t.Fatal(err)
		}
		if len(settled) != 1 || !settled[0].Correction.IsZero() {
			t.Fatalf("settled = %+v", settled)
		}
		totals := f.ledger.Peek(key, daily, f.clock.Now())
		if !totals.Cost.Equal(decimal.NewFromInt(6)) || totals.Tokens != 1200 || totals.Requests != 1 {
			t.Errorf("totals = %+v", totals)
		}
	})

	t.Run("actual differs", func(t *testing.T) {
		settled, err := f.eval.Settle(ctx, res.Charges, ledger.Delta{Cost: decimal.RequireFromString("4.5"), Tokens: 900})
		if err != nil {
			t.Fatal(err)
		}
		if !settled[0].Totals.Cost.Equal(decimal.RequireFromString("4.5")) || settled[0].Totals.Tokens != 900 {
			t.Errorf("totals = %+v", settled[0].Totals)
		}
	})

	t.Run("bucket rolled over", func(t *testing.T) {
		f.clock.Advance(24 * time.Hour)
		f.evaluate(t, Call{Model: "one", InputUnits: 1000})

		settled, err := f.eval.Settle(ctx, res.Charges, ledger.Delta{Cost: decimal.NewFromInt(50)})
		if err != nil {
			t.Fatal(err)
		}
		if !settled[0].Superseded {
			t.Error("expected superseded settlement")
		}
		totals := f.ledger.Peek(key, daily, f.clock.Now())
		if !totals.Cost.Equal(decimal.NewFromInt(1)) {
			t.Errorf("new bucket was corrected: %s", totals.Cost)
		}
	})
}

func TestPeek(t *testing.T) {
	spec := dailyCost("identity", policy.ScopeIdentity, "10", policy.HardLimitBlock)
	f := newFixture(t, spec)
	call := Call{Model: "six", InputUnits: 500, Identity: "bob"}

	if u := f.eval.Peek(&spec, call.Attributes()); !u.Totals.Cost.IsZero() {
		t.Errorf("Peek before use = %s", u.Totals.Cost)
	}
	if f.ledger.Len() != 0 {
		t.Error("Peek created a bucket")
	}

	f.evaluate(t, call)
	u := f.eval.Peek(&spec, call.Attributes())
	if !u.Totals.Cost.Equal(decimal.NewFromInt(3)) || u.Utilization != 0.3 {
		t.Errorf("Peek = %+v", u)
	}
	if !u.End.Equal(u.Start.Add(24 * time.Hour)) {
		t.Errorf("window = [%s, %s)", u.Start, u.End)
	}
}

func TestRelease(t *testing.T) {
	f := newFixture(t, dailyCost("daily", policy.ScopeGlobal, "10", policy.HardLimitBlock))

	res := f.evaluate(t, Call{Model: "one", InputUnits: 1000})
	if len(res.Charges) != 1 {
		t.Fatalf("charges = %d, want 1", len(res.Charges))
	}

	f.eval.Release(context.Background(), res.Charges)

	totals := f.ledger.Peek(res.Charges[0].Key, res.Charges[0].Period, f.clock.Now())
	if !totals.Cost.IsZero() || totals.Tokens != 0 || totals.Requests != 0 {
		t.Errorf("totals after release = %+v, want zero", totals)
	}
	if got := testutil.ToFloat64(f.metrics.rollbacks); got != 1 {
		t.Errorf("rollbacks = %v, want 1", got)
	}
}

func TestEvaluate_BlockedCallLeavesThresholdsUnsignaled(t *testing.T) {
	session := dailyCost("session", policy.ScopeSession, "10", policy.HardLimitBlock)
	session.Thresholds = []policy.Threshold{{Percent: 80, Action: policy.ThresholdThrottle}}
	global := policy.BudgetSpec{
		ID:              "global",
		Scope:           policy.ScopeGlobal,
		Period:          period.Period{Kind: period.Rolling, Window: time.Minute},
		Constraints:     policy.Constraints{MaxCost: policy.DecimalPtr("10")},
		HardLimitAction: policy.HardLimitBlock,
	}
	f := newFixture(t, session, global)

	if res := f.evaluate(t, Call{Model: "one", InputUnits: 5000, Session: "s0"}); res.Blocked() {
		t.Fatalf("first call blocked: %v", res.Err)
	}

	// s1 would cross its session's 80% but the global budget refuses it.
	blocked := f.evaluate(t, Call{Model: "one", InputUnits: 8500, Session: "s1"})
	if blocked.BlockedBy != "global" {
		t.Fatalf("BlockedBy = %q, want global", blocked.BlockedBy)
	}
	if len(blocked.Notifications) != 0 {
		t.Errorf("blocked call signaled %+v", blocked.Notifications)
	}

	f.clock.Advance(2 * time.Minute)

	res := f.evaluate(t, Call{Model: "one", InputUnits: 8500, Session: "s1"})
	if res.Disposition != enforcement.Throttle {
		t.Errorf("Disposition = %s, want throttle", res.Disposition)
	}
	if len(res.Notifications) != 1 || res.Notifications[0].Percent != 80 {
		t.Errorf("Notifications = %+v, want the 80%% crossing", res.Notifications)
	}
	if got := testutil.ToFloat64(f.metrics.thresholdsFired.WithLabelValues("session", "throttle")); got != 1 {
		t.Errorf("threshold signals = %v, want 1", got)
	}
}

func TestRelease_RestoresThresholdMark(t *testing.T) {
	spec := dailyCost("daily", policy.ScopeGlobal, "10", policy.HardLimitBlock)
	spec.Thresholds = []policy.Threshold{{Percent: 50, Action: policy.ThresholdNotify}}
	f := newFixture(t, spec)
	call := Call{Model: "six", InputUnits: 1000}

	first := f.evaluate(t, call)
	if len(first.Notifications) != 1 {
		t.Fatalf("Notifications = %+v, want one", first.Notifications)
	}
	if first.Charges[0].Threshold != 50 {
		t.Errorf("charge threshold = %v, want 50", first.Charges[0].Threshold)
	}

	f.eval.Release(context.Background(), first.Charges)

	again := f.evaluate(t, call)
	if len(again.Notifications) != 1 || again.Notifications[0].Percent != 50 {
		t.Errorf("Notifications after release = %+v, want 50 again", again.Notifications)
	}
}
