package limits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"

	"mercator-hq/costguard/pkg/limits/enforcement"
	"mercator-hq/costguard/pkg/limits/ledger"
	"mercator-hq/costguard/pkg/limits/matcher"
	"mercator-hq/costguard/pkg/limits/period"
	"mercator-hq/costguard/pkg/policy"
)

// ErrNoSnapshot is returned when an evaluation runs before any pricing and
// policy snapshot has been activated.
var ErrNoSnapshot = errors.New("no active policy snapshot")

var hundred = decimal.NewFromInt(100)

// EvaluatorConfig configures an Evaluator.
type EvaluatorConfig struct {
	// MaxRetries is the number of times a contended ledger update is retried.
	// Default: 3
	MaxRetries int

	// RetryInitialInterval is the first back-off delay.
	// Default: 1ms
	RetryInitialInterval time.Duration

	// RetryMaxInterval caps the back-off delay.
	// Default: 20ms
	RetryMaxInterval time.Duration

	// Now returns the evaluation time. Default: time.Now
	Now func() time.Time
}

// Evaluator prices calls, charges them to every matching budget, and turns
// the resulting utilisation into a disposition.
//
// Evaluate is safe for concurrent use. All shared state lives in the ledger.
type Evaluator struct {
	ledger  *ledger.Ledger
	config  EvaluatorConfig
	metrics *Metrics
	logger  *slog.Logger
}

// NewEvaluator creates an evaluator over l. metrics may be nil.
func NewEvaluator(l *ledger.Ledger, config EvaluatorConfig, metrics *Metrics, logger *slog.Logger) *Evaluator {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	} else if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.RetryInitialInterval <= 0 {
		config.RetryInitialInterval = time.Millisecond
	}
	if config.RetryMaxInterval <= 0 {
		config.RetryMaxInterval = 20 * time.Millisecond
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Evaluator{
		ledger:  l,
		config:  config,
		metrics: metrics,
		logger:  logger.With("component", "limits.evaluator"),
	}
}

// Ledger returns the ledger the evaluator charges.
func (e *Evaluator) Ledger() *ledger.Ledger {
	return e.ledger
}

// Evaluate prices call, charges it to every matching budget in matcher
// order, and returns the combined outcome.
//
// The returned Result is never nil. A non-nil error is also stored in
// Result.Err and always comes with a Block disposition: unpriced models,
// a missing snapshot, and exhausted lock contention all fail closed.
// A blocked call leaves no charges behind.
//
// ctx carries logging and tracing values only; an evaluation is not
// cancellable.
func (e *Evaluator) Evaluate(ctx context.Context, call Call, snap *Snapshot) (*Result, error) {
	start := time.Now()
	res := e.evaluate(ctx, call, snap)
	e.metrics.RecordEvaluation(res.Disposition, time.Since(start))
	return res, res.Err
}

func (e *Evaluator) evaluate(ctx context.Context, call Call, snap *Snapshot) *Result {
	res := &Result{Disposition: enforcement.Allow, Cost: decimal.Zero, Tokens: call.Tokens()}

	if snap == nil || snap.Pricing == nil {
		res.Disposition = enforcement.Block
		res.Err = ErrNoSnapshot
		return res
	}

	cost, err := snap.Pricing.Cost(call.Model, call.InputUnits, call.OutputUnits)
	if err != nil {
		e.logger.WarnContext(ctx, "blocking unpriced call", "model", call.Model, "error", err)
		res.Disposition = enforcement.Block
		res.Err = err
		return res
	}
	res.Cost = cost

	attrs := call.Attributes()
	specs := matcher.Match(attrs, snap.Policies.Budgets())
	if len(specs) == 0 {
		return res
	}

	now := e.config.Now()
	delta := ledger.Delta{Cost: cost, Tokens: res.Tokens, Requests: 1}

	// Thresholds are signaled only once no budget has blocked: a refused
	// call must not use up a bucket's notification.
	type crossing struct {
		spec    *policy.BudgetSpec
		charge  int
		percent decimal.Decimal
		ratio   float64
	}
	var crossings []crossing

	for _, spec := range specs {
		key := matcher.ScopeKey(spec, attrs)

		bucket, err := e.withRetry(ctx, func() (ledger.Bucket, error) {
			return e.ledger.Add(key, spec.Period, now, delta)
		})
		if err != nil {
			e.logger.ErrorContext(ctx, "ledger update failed, blocking call",
				"budget_id", spec.ID,
				"scope_key", key,
				"error", err,
			)
			e.rollback(ctx, res.Charges)
			res.Charges = nil
			res.Disposition = enforcement.Block
			res.Err = fmt.Errorf("budget %q: %w", spec.ID, err)
			return res
		}

		res.Charges = append(res.Charges, Charge{
			BudgetID: spec.ID,
			Key:      key,
			Period:   spec.Period,
			Start:    bucket.Start,
			End:      bucket.End,
			Delta:    delta,
		})

		percent, hard := utilization(spec.Constraints, bucket.Totals)
		ratio := percent.Div(hundred).InexactFloat64()
		res.Usage = append(res.Usage, BudgetUsage{
			BudgetID:    spec.ID,
			ScopeKey:    key,
			Start:       bucket.Start,
			End:         bucket.End,
			Totals:      bucket.Totals,
			Utilization: ratio,
			HardLimit:   hard,
		})
		e.metrics.UpdateBucketUtilization(spec.ID, key, ratio)

		if hard {
			e.metrics.RecordHardLimit(spec.ID, spec.HardLimitAction.String())
			outcome := enforcement.ForHardLimit(spec.HardLimitAction)

			switch outcome.Disposition {
			case enforcement.Block:
				e.logger.InfoContext(ctx, "call blocked by budget",
					"budget_id", spec.ID,
					"scope_key", key,
					"cost", bucket.Totals.Cost.String(),
					"tokens", bucket.Totals.Tokens,
					"requests", bucket.Totals.Requests,
				)
				e.rollback(ctx, res.Charges)
				res.Charges = nil
				res.Disposition = enforcement.Block
				res.BlockedBy = spec.ID
				return res
			case enforcement.Downgrade:
				res.DowngradeBudgets = append(res.DowngradeBudgets, spec.ID)
			}
			if outcome.Overage {
				res.Overages = append(res.Overages, spec.ID)
			}
			res.Disposition = enforcement.Max(res.Disposition, outcome.Disposition)
		}

		crossings = append(crossings, crossing{spec: spec, charge: len(res.Charges) - 1, percent: percent, ratio: ratio})
	}

	for _, cr := range crossings {
		c := &res.Charges[cr.charge]
		n, prior, ok := e.fireThreshold(cr.spec, c.Key, c.Start, cr.percent)
		if !ok {
			continue
		}
		c.Threshold, c.PriorThreshold = n.Percent, prior
		n.Utilization = cr.ratio
		res.Notifications = append(res.Notifications, n)
		e.metrics.RecordThreshold(cr.spec.ID, n.Action.String())
		e.logger.InfoContext(ctx, "budget threshold crossed",
			"budget_id", cr.spec.ID,
			"scope_key", c.Key,
			"percent", n.Percent,
			"action", n.Action.String(),
		)
		res.Disposition = enforcement.Max(res.Disposition, enforcement.ForThreshold(n.Action).Disposition)
	}

	e.logger.DebugContext(ctx, "call evaluated",
		"model", call.Model,
		"cost", cost.String(),
		"budgets", len(specs),
		"disposition", res.Disposition.String(),
	)
	return res
}

// fireThreshold signals the highest threshold at or below percent, unless
// this bucket already signaled it or a higher one.
func (e *Evaluator) fireThreshold(spec *policy.BudgetSpec, key string, start time.Time, percent decimal.Decimal) (Notification, float64, bool) {
	for i := len(spec.Thresholds) - 1; i >= 0; i-- {
		th := spec.Thresholds[i]
		if decimal.NewFromFloat(th.Percent).GreaterThan(percent) {
			continue
		}
		prior, ok := e.ledger.RaiseThreshold(key, spec.Period, start, th.Percent)
		if !ok {
			return Notification{}, 0, false
		}
		return Notification{
			BudgetID: spec.ID,
			ScopeKey: key,
			Percent:  th.Percent,
			Action:   th.Action,
		}, prior, true
	}
	return Notification{}, 0, false
}

// rollback undoes charges and the threshold marks they set. A bucket that
// rolled over in the meantime is left alone: the charge went with it.
func (e *Evaluator) rollback(ctx context.Context, charges []Charge) {
	for _, c := range charges {
		_, err := e.withRetry(ctx, func() (ledger.Bucket, error) {
			return e.ledger.AddInWindow(c.Key, c.Period, c.Start, c.Delta.Negate())
		})
		switch {
		case err == nil:
			e.metrics.RecordRollback()
			if c.Threshold > 0 {
				e.ledger.UnmarkThreshold(c.Key, c.Period, c.Start, c.Threshold, c.PriorThreshold)
			}
		case errors.Is(err, ledger.ErrBucketSuperseded):
		default:
			e.logger.ErrorContext(ctx, "failed to roll back charge",
				"budget_id", c.BudgetID,
				"scope_key", c.Key,
				"error", err,
			)
		}
	}
}

// Release returns the charges of a call that will not run, such as one
// refused after evaluation by its routing policy.
func (e *Evaluator) Release(ctx context.Context, charges []Charge) {
	e.rollback(ctx, charges)
}

// Settle reconciles a reservation with the call's actual usage. Each charge
// receives actual minus projected on the bucket it was applied to. Charges
// whose bucket has rolled over are reported as superseded and skipped.
func (e *Evaluator) Settle(ctx context.Context, charges []Charge, actual ledger.Delta) ([]Settled, error) {
	settled := make([]Settled, 0, len(charges))
	var errs []error

	for _, c := range charges {
		correction := ledger.Delta{
			Cost:   actual.Cost.Sub(c.Delta.Cost),
			Tokens: actual.Tokens - c.Delta.Tokens,
		}

		bucket, err := e.withRetry(ctx, func() (ledger.Bucket, error) {
			return e.ledger.AddInWindow(c.Key, c.Period, c.Start, correction)
		})
		switch {
		case err == nil:
			e.metrics.RecordSettlement("applied")
			settled = append(settled, Settled{Charge: c, Correction: correction, Totals: bucket.Totals})
		case errors.Is(err, ledger.ErrBucketSuperseded):
			e.metrics.RecordSettlement("superseded")
			e.logger.DebugContext(ctx, "dropping settlement for rolled over bucket",
				"budget_id", c.BudgetID,
				"scope_key", c.Key,
			)
			settled = append(settled, Settled{Charge: c, Correction: correction, Superseded: true})
		default:
			e.metrics.RecordSettlement("failed")
			errs = append(errs, fmt.Errorf("budget %q: %w", c.BudgetID, err))
		}
	}

	return settled, errors.Join(errs...)
}

// Peek returns the current usage of spec's bucket for the call attributes
// without creating or charging anything.
func (e *Evaluator) Peek(spec *policy.BudgetSpec, attrs matcher.Attributes) BudgetUsage {
	now := e.config.Now()
	key := matcher.ScopeKey(spec, attrs)
	totals := e.ledger.Peek(key, spec.Period, now)
	start, end := period.Window(spec.Period, now, e.ledger.Location())
	percent, hard := utilization(spec.Constraints, totals)

	return BudgetUsage{
		BudgetID:    spec.ID,
		ScopeKey:    key,
		Start:       start,
		End:         end,
		Totals:      totals,
		Utilization: percent.Div(hundred).InexactFloat64(),
		HardLimit:   hard,
	}
}

func (e *Evaluator) withRetry(ctx context.Context, op func() (ledger.Bucket, error)) (ledger.Bucket, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.config.RetryInitialInterval
	b.MaxInterval = e.config.RetryMaxInterval

	return backoff.Retry(context.WithoutCancel(ctx), func() (ledger.Bucket, error) {
		bucket, err := op()
		if err != nil && !errors.Is(err, ledger.ErrLedgerContention) {
			return bucket, backoff.Permanent(err)
		}
		return bucket, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(e.config.MaxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.metrics.RecordContentionRetry()
		}),
	)
}

// utilization returns the highest percentage of any ceiling in c that the
// totals use, and whether any ceiling is reached.
func utilization(c policy.Constraints, t ledger.Totals) (decimal.Decimal, bool) {
	percent := decimal.Zero
	hard := false

	consider := func(used, ceiling decimal.Decimal) {
		if p := used.Mul(hundred).Div(ceiling); p.GreaterThan(percent) {
			percent = p
		}
		if used.GreaterThanOrEqual(ceiling) {
			hard = true
		}
	}

	if c.MaxCost != nil {
		consider(t.Cost, *c.MaxCost)
	}
	if c.MaxTokens != nil {
		consider(decimal.NewFromInt(t.Tokens), decimal.NewFromInt(*c.MaxTokens))
	}
	if c.MaxRequests != nil {
		consider(decimal.NewFromInt(t.Requests), decimal.NewFromInt(*c.MaxRequests))
	}
	return percent, hard
}
