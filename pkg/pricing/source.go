package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Source loads pricing entries.
// Implementations report malformed entries in LoadResult.Errors and return a
// non-nil error only when nothing could be loaded at all.
type Source interface {
	Load(ctx context.Context) (*LoadResult, error)
}

// LoadResult contains the entries a Source produced and the per-entry failures.
type LoadResult struct {
	Entries []ModelPricing
	Errors  []error
}

// EntryError describes a single pricing entry that failed to load.
type EntryError struct {
	// Index is the position of the entry in the source document.
	Index int

	// Model is the model name, if it could be read.
	Model string

	// Line is the 1-indexed line of the entry in the source file, when known.
	Line int

	Err error
}

// Error implements the error interface.
func (e *EntryError) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("pricing entry %d (%s) at line %d: %v", e.Index, e.Model, e.Line, e.Err)
	}
	return fmt.Sprintf("pricing entry %d at line %d: %v", e.Index, e.Line, e.Err)
}

// Unwrap returns the underlying error.
func (e *EntryError) Unwrap() error {
	return e.Err
}

// Amount is a decimal that decodes from either a YAML number or string.
type Amount struct {
	decimal.Decimal
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (a *Amount) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a numeric scalar", value.Line)
	}
	d, err := decimal.NewFromString(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid amount %q: %w", value.Line, value.Value, err)
	}
	a.Decimal = d
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (a Amount) MarshalYAML() (interface{}, error) {
	return a.Decimal.String(), nil
}

// fileDocument is the on-disk pricing layout.
//
//	models:
//	  - model: gpt-premium
//	    input_per_1k: 0.03
//	    output_per_1k: 0.06
//	    request_fee: 0.001
type fileDocument struct {
	Models []yaml.Node `yaml:"models"`
}

type fileEntry struct {
	Model       string  `yaml:"model"`
	InputPer1K  Amount  `yaml:"input_per_1k"`
	OutputPer1K Amount  `yaml:"output_per_1k"`
	RequestFee  *Amount `yaml:"request_fee"`
}

// FileSource loads pricing from a YAML file.
type FileSource struct {
	path   string
	logger *slog.Logger
}

// NewFileSource creates a file-based pricing source.
func NewFileSource(path string, logger *slog.Logger) *FileSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSource{
		path:   path,
		logger: logger.With("component", "pricing.source"),
	}
}

// Load reads and parses the pricing file.
func (s *FileSource) Load(ctx context.Context) (*LoadResult, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing file %q: %w", s.path, err)
	}

	result, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pricing file %q: %w", s.path, err)
	}

	for _, entryErr := range result.Errors {
		s.logger.Warn("skipping invalid pricing entry",
			"path", s.path,
			"error", entryErr,
		)
	}
	s.logger.Info("loaded pricing",
		"path", s.path,
		"model_count", len(result.Entries),
		"invalid_count", len(result.Errors),
	)

	return result, nil
}

// Parse decodes a pricing document. Each entry is decoded independently so a
// malformed entry is reported without discarding the others.
func Parse(data []byte) (*LoadResult, error) {
	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	result := &LoadResult{}
	seen := make(map[string]bool, len(doc.Models))
	for i := range doc.Models {
		node := &doc.Models[i]

		var fe fileEntry
		if err := node.Decode(&fe); err != nil {
			result.Errors = append(result.Errors, &EntryError{Index: i, Line: node.Line, Err: err})
			continue
		}

		entry := ModelPricing{
			Model:       fe.Model,
			InputPer1K:  fe.InputPer1K.Decimal,
			OutputPer1K: fe.OutputPer1K.Decimal,
		}
		if fe.RequestFee != nil {
			entry.RequestFee = fe.RequestFee.Decimal
		}

		if err := entry.Validate(); err != nil {
			result.Errors = append(result.Errors, &EntryError{Index: i, Model: fe.Model, Line: node.Line, Err: err})
			continue
		}
		if seen[entry.Model] {
			result.Errors = append(result.Errors, &EntryError{
				Index: i, Model: fe.Model, Line: node.Line,
				Err: fmt.Errorf("duplicate model %q", entry.Model),
			})
			continue
		}
		seen[entry.Model] = true
		result.Entries = append(result.Entries, entry)
	}

	return result, nil
}

// MemorySource is an in-memory pricing source.
type MemorySource struct {
	entries []ModelPricing
}

// NewMemorySource creates a pricing source serving fixed entries.
func NewMemorySource(entries ...ModelPricing) *MemorySource {
	return &MemorySource{entries: entries}
}

// Load returns a copy of the configured entries.
func (s *MemorySource) Load(ctx context.Context) (*LoadResult, error) {
	entries := make([]ModelPricing, len(s.entries))
	copy(entries, s.entries)
	return &LoadResult{Entries: entries}, nil
}

// SetEntries replaces the served entries.
func (s *MemorySource) SetEntries(entries []ModelPricing) {
	s.entries = entries
}
