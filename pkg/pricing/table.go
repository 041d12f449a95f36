package pricing

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// ErrUnknownModel is returned when a model has no pricing entry.
var ErrUnknownModel = errors.New("unknown model")

var thousand = decimal.NewFromInt(1000)

// ModelPricing contains unit costs for a single model.
type ModelPricing struct {
	// Model is the model identifier (e.g. "gpt-premium").
	Model string

	// InputPer1K is the cost per 1000 input units.
	InputPer1K decimal.Decimal

	// OutputPer1K is the cost per 1000 output units.
	OutputPer1K decimal.Decimal

	// RequestFee is a flat fee charged once per request. Zero when unset.
	RequestFee decimal.Decimal
}

// Validate checks that all unit costs are non-negative and the model is named.
func (p ModelPricing) Validate() error {
	if p.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}
	if p.InputPer1K.IsNegative() {
		return fmt.Errorf("model %q: input cost must be non-negative", p.Model)
	}
	if p.OutputPer1K.IsNegative() {
		return fmt.Errorf("model %q: output cost must be non-negative", p.Model)
	}
	if p.RequestFee.IsNegative() {
		return fmt.Errorf("model %q: request fee must be non-negative", p.Model)
	}
	return nil
}

// Table is an immutable model → pricing lookup.
type Table struct {
	prices map[string]ModelPricing
}

// NewTable builds a Table from pricing entries.
// Entries with negative costs or duplicate model names are rejected.
func NewTable(entries []ModelPricing) (*Table, error) {
	t := &Table{prices: make(map[string]ModelPricing, len(entries))}
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		if _, dup := t.prices[e.Model]; dup {
			return nil, fmt.Errorf("duplicate pricing entry for model %q", e.Model)
		}
		t.prices[e.Model] = e
	}
	return t, nil
}

// Cost returns the monetary cost of a call to model with the given unit counts.
// Negative unit counts are treated as zero.
func (t *Table) Cost(model string, inputUnits, outputUnits int64) (decimal.Decimal, error) {
	p, ok := t.Lookup(model)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}
	return p.InputPer1K.Mul(units(inputUnits)).
		Add(p.OutputPer1K.Mul(units(outputUnits))).
		Add(p.RequestFee), nil
}

// Lookup returns the pricing entry for model.
func (t *Table) Lookup(model string) (ModelPricing, bool) {
	if t == nil {
		return ModelPricing{}, false
	}
	p, ok := t.prices[model]
	return p, ok
}

// ReferenceCost is the cost of 1K input plus 1K output units plus the request fee.
// It orders models by expense when validating degradation chains.
func (t *Table) ReferenceCost(model string) (decimal.Decimal, error) {
	return t.Cost(model, 1000, 1000)
}

// Models returns the priced model identifiers in sorted order.
func (t *Table) Models() []string {
	if t == nil {
		return nil
	}
	models := make([]string, 0, len(t.prices))
	for m := range t.prices {
		models = append(models, m)
	}
	sort.Strings(models)
	return models
}

// Len returns the number of priced models.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.prices)
}

func units(n int64) decimal.Decimal {
	if n <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(n).Div(thousand)
}
