// Package pricing provides the model pricing table used to cost LLM calls.
//
// # Pricing Model
//
// Each model is priced per 1K input units and per 1K output units, plus an
// optional flat fee charged once per request:
//
//	cost = in/1000 * InputPer1K + out/1000 * OutputPer1K + RequestFee
//
// Amounts are exact decimals (github.com/shopspring/decimal) so that
// accumulated spend does not drift the way float64 sums do.
//
// # Unknown Models
//
// There is no default or fallback price. Looking up a model that has no entry
// returns ErrUnknownModel, and callers treat that as a hard failure. An
// unpriced model is never metered as free.
//
// # Usage
//
//	table, err := pricing.NewTable([]pricing.ModelPricing{
//		{Model: "gpt-premium", InputPer1K: decimal.RequireFromString("0.03"), OutputPer1K: decimal.RequireFromString("0.06")},
//	})
//	cost, err := table.Cost("gpt-premium", 1200, 400)
//
// # Sources
//
// A Source loads pricing entries at startup and on reload. FileSource reads
// YAML and reports malformed entries individually without failing the whole
// load; MemorySource serves fixed entries for tests and embedding.
//
// # Thread Safety
//
// A Table is immutable after NewTable returns and is safe for concurrent use.
// Reloading builds a new Table and swaps it in.
package pricing
