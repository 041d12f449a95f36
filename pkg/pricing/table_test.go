package pricing

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testTable(t *testing.T) *Table {
	t.Helper()
	table, err := NewTable([]ModelPricing{
		{Model: "gpt-premium", InputPer1K: d("0.03"), OutputPer1K: d("0.06")},
		{Model: "gpt-standard", InputPer1K: d("0.01"), OutputPer1K: d("0.02"), RequestFee: d("0.001")},
		{Model: "gpt-mini", InputPer1K: d("0.0005"), OutputPer1K: d("0.0015")},
	})
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	return table
}

func TestTable_Cost(t *testing.T) {
	table := testTable(t)

	tests := []struct {
		name   string
		model  string
		input  int64
		output int64
		want   string
	}{
		{name: "premium", model: "gpt-premium", input: 1000, output: 500, want: "0.06"},
		{name: "request fee", model: "gpt-standard", input: 2000, output: 1000, want: "0.041"},
		{name: "zero units charges fee only", model: "gpt-standard", input: 0, output: 0, want: "0.001"},
		{name: "negative units are zero", model: "gpt-mini", input: -5, output: 1000, want: "0.0015"},
		{name: "sub-thousand units", model: "gpt-premium", input: 100, output: 100, want: "0.009"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := table.Cost(tt.model, tt.input, tt.output)
			if err != nil {
				t.Fatalf("Cost failed: %v", err)
			}
			if !got.Equal(d(tt.want)) {
				t.Errorf("Cost = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestTable_UnknownModel(t *testing.T) {
	table := testTable(t)

	_, err := table.Cost("gpt-nonexistent", 100, 100)
	if !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("expected ErrUnknownModel, got %v", err)
	}

	// No prefix fallback: a versioned name is still unknown.
	if _, err := table.Cost("gpt-premium-0613", 1, 1); !errors.Is(err, ErrUnknownModel) {
		t.Errorf("expected ErrUnknownModel for unlisted variant, got %v", err)
	}
}

func TestNewTable_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		entries []ModelPricing
	}{
		{name: "negative input", entries: []ModelPricing{{Model: "m", InputPer1K: d("-1")}}},
		{name: "negative fee", entries: []ModelPricing{{Model: "m", RequestFee: d("-0.1")}}},
		{name: "empty model", entries: []ModelPricing{{InputPer1K: d("1")}}},
		{name: "duplicate", entries: []ModelPricing{{Model: "m"}, {Model: "m"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewTable(tt.entries); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestTable_ReferenceCostAndModels(t *testing.T) {
	table := testTable(t)

	premium, _ := table.ReferenceCost("gpt-premium")
	mini, _ := table.ReferenceCost("gpt-mini")
	if !premium.GreaterThan(mini) {
		t.Errorf("expected premium %s > mini %s", premium, mini)
	}

	models := table.Models()
	want := []string{"gpt-mini", "gpt-premium", "gpt-standard"}
	if len(models) != len(want) {
		t.Fatalf("Models() = %v", models)
	}
	for i := range want {
		if models[i] != want[i] {
			t.Errorf("Models()[%d] = %s, want %s", i, models[i], want[i])
		}
	}
	if table.Len() != 3 {
		t.Errorf("Len() = %d, want 3", table.Len())
	}
}

func TestParse_PerEntryErrors(t *testing.T) {
	doc := []byte(`
models:
  - model: gpt-premium
    input_per_1k: 0.03
    output_per_1k: "0.06"
  - model: broken
    input_per_1k: abc
    output_per_1k: 1
  - model: negative
    input_per_1k: -0.5
    output_per_1k: 1
  - model: gpt-premium
    input_per_1k: 1
    output_per_1k: 1
  - model: gpt-mini
    input_per_1k: 0.0005
    output_per_1k: 0.0015
    request_fee: 0.0001
`)

	result, err := Parse(doc)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(result.Entries) != 2 {
		t.Fatalf("expected 2 valid entries, got %d", len(result.Entries))
	}
	if len(result.Errors) != 3 {
		t.Fatalf("expected 3 entry errors, got %d: %v", len(result.Errors), result.Errors)
	}

	var entryErr *EntryError
	if !errors.As(result.Errors[0], &entryErr) {
		t.Fatalf("expected *EntryError, got %T", result.Errors[0])
	}
	if entryErr.Index != 1 {
		t.Errorf("expected index 1, got %d", entryErr.Index)
	}
	if !result.Entries[1].RequestFee.Equal(d("0.0001")) {
		t.Errorf("request fee = %s", result.Entries[1].RequestFee)
	}
}

func TestFileSource_Load(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	content := "models:\n  - model: gpt-mini\n    input_per_1k: 0.001\n    output_per_1k: 0.002\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	result, err := NewFileSource(path, nil).Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(result.Entries) != 1 || result.Entries[0].Model != "gpt-mini" {
		t.Errorf("unexpected entries: %+v", result.Entries)
	}

	if _, err := NewFileSource(filepath.Join(t.TempDir(), "missing.yaml"), nil).Load(context.Background()); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestMemorySource(t *testing.T) {
	src := NewMemorySource(ModelPricing{Model: "a"})
	result, _ := src.Load(context.Background())
	result.Entries[0].Model = "mutated"

	again, _ := src.Load(context.Background())
	if again.Entries[0].Model != "a" {
		t.Error("Load should return a copy")
	}
}
