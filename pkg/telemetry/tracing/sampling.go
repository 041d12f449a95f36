package tracing

import (
	"fmt"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Sampling strategies.
const (
	// SamplerAlways records every trace.
	SamplerAlways = "always"

	// SamplerNever records no trace.
	SamplerNever = "never"

	// SamplerRatio records a fraction of traces chosen by trace ID.
	SamplerRatio = "ratio"
)

// createSampler returns a parent-based sampler: spans whose caller sent a
// sampled trace context are always recorded, root spans follow strategy.
func createSampler(strategy string, ratio float64) (sdktrace.Sampler, error) {
	if err := ValidateSampling(strategy, ratio); err != nil {
		return nil, err
	}

	var base sdktrace.Sampler
	switch strategy {
	case SamplerAlways:
		base = sdktrace.AlwaysSample()
	case SamplerNever:
		base = sdktrace.NeverSample()
	case SamplerRatio:
		base = sdktrace.TraceIDRatioBased(ratio)
	}
	return sdktrace.ParentBased(base), nil
}

// ValidateSampling checks a sampling strategy and ratio.
func ValidateSampling(strategy string, ratio float64) error {
	switch strategy {
	case SamplerAlways, SamplerNever:
		return nil
	case SamplerRatio:
		if ratio < 0.0 || ratio > 1.0 {
			return fmt.Errorf("sample ratio must be between 0.0 and 1.0, got %g", ratio)
		}
		return nil
	default:
		return fmt.Errorf("invalid sampling strategy: %q (valid: always, never, ratio)", strategy)
	}
}
