package routing

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"mercator-hq/costguard/pkg/limits/matcher"
	"mercator-hq/costguard/pkg/policy"
	"mercator-hq/costguard/pkg/pricing"
)

type fakeOutcome struct {
	blocked    bool
	hardLimits map[string]bool
	thresholds map[string]float64
}

func (o fakeOutcome) Blocked() bool { return o.blocked }

func (o fakeOutcome) HardLimitHit(id string) bool { return o.hardLimits[id] }

func (o fakeOutcome) ThresholdReached(id string, percent float64) bool {
	p, ok := o.thresholds[id]
	return ok && p >= percent
}

var quiet = fakeOutcome{}

func tieredPolicy() *policy.RoutingPolicy {
	return &policy.RoutingPolicy{
		ID:    "tiered",
		Scope: policy.ScopeIdentity,
		Stages: []policy.StageConfig{
			{Model: "gpt-premium"},
			{Model: "gpt-standard"},
			{Model: "gpt-mini"},
		},
		Triggers: []policy.DowngradeTrigger{
			{BudgetID: "x", OnThreshold: policy.Float64Ptr(80), TargetStage: 1},
			{BudgetID: "x", TargetStage: 2},
		},
	}
}

func testPricing(t *testing.T) *pricing.Table {
	t.Helper()
	table, err := pricing.NewTable([]pricing.ModelPricing{
		{Model: "gpt-premium", InputPer1K: decimal.RequireFromString("0.03"), OutputPer1K: decimal.RequireFromString("0.06")},
		{Model: "gpt-standard", InputPer1K: decimal.RequireFromString("0.01"), OutputPer1K: decimal.RequireFromString("0.02")},
		{Model: "gpt-mini", InputPer1K: decimal.RequireFromString("0.001"), OutputPer1K: decimal.RequireFromString("0.002")},
	})
	if err != nil {
		t.Fatal(err)
	}
	return table
}

func TestTransition(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	at1 := State{Index: 1}

	tests := []struct {
		name    string
		state   State
		event   Event
		want    int
		changed bool
		wantErr error
	}{
		{"trigger advances", State{}, TriggerFired(2), 2, true, nil},
		{"trigger to same stage", at1, TriggerFired(1), 1, false, nil},
		{"trigger never moves back", at1, TriggerFired(0), 1, false, nil},
		{"trigger out of range", at1, TriggerFired(3), 1, false, ErrInvalidTarget},
		{"exhaustion advances", at1, StageExhausted(), 2, true, nil},
		{"exhaustion on last stage", State{Index: 2}, StageExhausted(), 2, false, ErrStagesExhausted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed, err := Transition(tt.state, tt.event, 3, now)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got.Index != tt.want || changed != tt.changed {
				t.Errorf("Transition() = %d (changed %v), want %d (changed %v)", got.Index, changed, tt.want, tt.changed)
			}
			if changed && !got.TransitionedAt.Equal(now) {
				t.Errorf("TransitionedAt = %v", got.TransitionedAt)
			}
		})
	}
}

func TestRouter_ThresholdTriggerMovesToStandard(t *testing.T) {
	r := NewRouter(Config{}, nil)
	rp := tieredPolicy()
	key := ScopeKey(rp, matcher.Attributes{Identity: "alice"})

	if d := r.Resolve(key, rp, quiet, Projection{}); d.Model != "gpt-premium" {
		t.Fatalf("before threshold: Model = %q, want gpt-premium", d.Model)
	}

	crossed := fakeOutcome{thresholds: map[string]float64{"x": 80}}
	d := r.Resolve(key, rp, crossed, Projection{})
	if d.Model != "gpt-standard" || !d.Downgraded() {
		t.Fatalf("crossing call: %+v", d)
	}

	if d := r.Resolve(key, rp, quiet, Projection{}); d.Model != "gpt-standard" {
		t.Errorf("next call: Model = %q, want gpt-standard", d.Model)
	}
	if st := r.Current(key, rp); st.Index != 1 {
		t.Errorf("Current = %d, want 1", st.Index)
	}
}

func TestRouter_HardLimitTriggerAndBlocked(t *testing.T) {
	r := NewRouter(Config{}, nil)
	rp := tieredPolicy()
	key := ScopeKey(rp, matcher.Attributes{Identity: "alice"})

	d := r.Resolve(key, rp, fakeOutcome{blocked: true, hardLimits: map[string]bool{"x": true}}, Projection{})
	if !d.Blocked || d.Model != "" {
		t.Fatalf("blocked evaluation must block: %+v", d)
	}
	if d.Stage != 2 {
		t.Errorf("Stage = %d, want 2 even though blocked", d.Stage)
	}
	if d := r.Resolve(key, rp, quiet, Projection{}); d.Model != "gpt-mini" {
		t.Errorf("later call: Model = %q, want gpt-mini", d.Model)
	}
}

func TestRouter_StageLimits(t *testing.T) {
	table := testPricing(t)
	rp := tieredPolicy()
	rp.Stages[0].MaxCostPerCall = policy.DecimalPtr("0.10")
	rp.Stages[1].MaxTokensPerCall = policy.Int64Ptr(4000)

	small := Projection{InputUnits: 1000, OutputUnits: 1000, Pricing: table}

	tests := []struct {
		name      string
		proj      Projection
		wantModel string
		wantStage int
		blocked   bool
	}{
		{"fits premium", small, "gpt-premium", 0, false},
		// 2000 in + 1000 out on premium is $0.12.
		{"too expensive for premium", Projection{InputUnits: 2000, OutputUnits: 1000, Pricing: table}, "gpt-standard", 1, false},
		{"too big for standard", Projection{InputUnits: 4000, OutputUnits: 1000, Pricing: table}, "gpt-mini", 2, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRouter(Config{}, nil)
			d := r.Resolve("k", rp, quiet, tt.proj)
			if d.Model != tt.wantModel || d.Blocked != tt.blocked || d.Stage != tt.wantStage {
				t.Errorf("Resolve() = %+v, want %s at stage %d", d, tt.wantModel, tt.wantStage)
			}

			// An oversized call is served further down without moving the
			// record, so the next small call is back on premium.
			if d.Current != 0 || d.Advanced() || r.Current("k", rp).Index != 0 {
				t.Errorf("record moved to %d", r.Current("k", rp).Index)
			}
			if next := r.Resolve("k", rp, quiet, small); next.Model != "gpt-premium" {
				t.Errorf("next call: Model = %q, want gpt-premium", next.Model)
			}
			if got := r.Stats().Transitions; got != 0 {
				t.Errorf("Transitions = %d, want 0", got)
			}
		})
	}

	t.Run("trigger still moves the record", func(t *testing.T) {
		r := NewRouter(Config{}, nil)
		crossed := fakeOutcome{thresholds: map[string]float64{"x": 80}}
		d := r.Resolve("k", rp, crossed, Projection{InputUnits: 4000, OutputUnits: 1000, Pricing: table})
		if d.Model != "gpt-mini" || d.Current != 1 || !d.Advanced() {
			t.Fatalf("Resolve() = %+v, want gpt-mini with record at 1", d)
		}
		if next := r.Resolve("k", rp, quiet, small); next.Model != "gpt-standard" {
			t.Errorf("next call: Model = %q, want gpt-standard", next.Model)
		}
	})

	t.Run("exhausted", func(t *testing.T) {
		capped := tieredPolicy()
		capped.Stages[2].MaxTokensPerCall = policy.Int64Ptr(100)
		capped.Stages[1].MaxTokensPerCall = policy.Int64Ptr(100)
		capped.Stages[0].MaxTokensPerCall = policy.Int64Ptr(100)

		r := NewRouter(Config{}, nil)
		d := r.Resolve("k", capped, quiet, Projection{InputUnits: 500})
		if !d.Blocked || !errors.Is(d.Err, ErrStagesExhausted) {
			t.Fatalf("Resolve() = %+v, want exhausted block", d)
		}
		var exhausted *StagesExhaustedError
		if !errors.As(d.Err, &exhausted) || exhausted.Stage != 2 {
			t.Errorf("Err = %v", d.Err)
		}
		if got := r.Stats().Exhausted; got != 1 {
			t.Errorf("Exhausted = %d, want 1", got)
		}
	})
}

func TestRouter_ResetIsOnlyWayBack(t *testing.T) {
	r := NewRouter(Config{}, nil)
	rp := tieredPolicy()
	hard := fakeOutcome{hardLimits: map[string]bool{"x": true}}

	r.Resolve("k", rp, hard, Projection{})
	if r.Current("k", rp).Index != 2 {
		t.Fatal("expected stage 2")
	}

	r.Resolve("k", rp, fakeOutcome{thresholds: map[string]float64{"x": 80}}, Projection{})
	if r.Current("k", rp).Index != 2 {
		t.Error("a lower target moved the stage back")
	}

	if !r.Reset("k", rp.ID) {
		t.Error("Reset reported no record")
	}
	if r.Current("k", rp).Index != 0 {
		t.Error("Reset did not return to stage 0")
	}
	if r.Reset("k", rp.ID) {
		t.Error("second Reset reported a record")
	}
}

func TestRouter_ConcurrentMonotonic(t *testing.T) {
	r := NewRouter(Config{Shards: 4}, nil)
	rp := tieredPolicy()

	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			last := 0
			for i := 0; i < 200; i++ {
				var o fakeOutcome
				switch (w + i) % 7 {
				case 3:
					o = fakeOutcome{thresholds: map[string]float64{"x": 80}}
				case 6:
					o = fakeOutcome{hardLimits: map[string]bool{"x": true}}
				}
				d := r.Resolve("shared", rp, o, Projection{})
				if d.Stage < last {
					t.Errorf("stage went from %d to %d", last, d.Stage)
					return
				}
				last = d.Stage
			}
		}(w)
	}
	wg.Wait()

	if got := r.Current("shared", rp).Index; got != 2 {
		t.Errorf("final stage = %d, want 2", got)
	}
}

func TestRouter_SnapshotRestorePrune(t *testing.T) {
	src := NewRouter(Config{}, nil)
	rp := tieredPolicy()
	src.Resolve("a", rp, fakeOutcome{thresholds: map[string]float64{"x": 90}}, Projection{})
	src.Resolve("b", rp, quiet, Projection{})

	states := src.Snapshot()
	if len(states) != 2 {
		t.Fatalf("Snapshot() = %d records, want 2", len(states))
	}

	dst := NewRouter(Config{}, nil)
	n, err := dst.Restore(states)
	if err != nil || n != 2 {
		t.Fatalf("Restore() = %d, %v", n, err)
	}
	if dst.Current("a", rp).Index != 1 {
		t.Error("restored stage lost")
	}

	removed := dst.Prune(func(id string) bool { return id != "tiered" })
	if removed != 2 || dst.Len() != 0 {
		t.Errorf("Prune removed %d, %d left", removed, dst.Len())
	}
}

func TestRouter_ShrunkPolicyIsClamped(t *testing.T) {
	r := NewRouter(Config{}, nil)
	rp := tieredPolicy()
	r.Resolve("k", rp, fakeOutcome{hardLimits: map[string]bool{"x": true}}, Projection{})

	shrunk := &policy.RoutingPolicy{ID: rp.ID, Scope: rp.Scope, Stages: rp.Stages[:2]}
	if d := r.Resolve("k", shrunk, quiet, Projection{}); d.Model != "gpt-standard" {
		t.Errorf("Model = %q, want gpt-standard", d.Model)
	}
}

func TestScopeKey(t *testing.T) {
	rp := tieredPolicy()
	if got := ScopeKey(rp, matcher.Attributes{Identity: "alice"}); got != "tiered|identity|alice" {
		t.Errorf("ScopeKey = %q", got)
	}
}
