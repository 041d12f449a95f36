// Package tracing provides OpenTelemetry span helpers and the SDK tracer
// provider setup.
//
// Library code only uses the OpenTelemetry API: New takes a TracerProvider
// and falls back to the global one, so spans are noops until a host
// process installs an SDK provider with NewProvider.
//
// # Usage
//
//	tp, err := tracing.NewProvider(ctx, tracing.ProviderConfig{
//	    ServiceName: "costguard",
//	    Sampler:     tracing.SamplerRatio,
//	    SampleRatio: 0.1,
//	    Exporter:    tracing.ExporterOTLP,
//	    Endpoint:    "localhost:4317",
//	    Insecure:    true,
//	})
//	defer tp.Shutdown(context.Background())
//
//	tracer := tracing.New(tp)
//	ctx, span := tracer.Start(ctx, "engine.Evaluate")
//	defer span.End()
//
//	tracing.SetCallAttributes(span, id, identity, session, model, in, out)
//	tracing.NewAttributeBuilder().
//	    WithDisposition("block", "team-daily").
//	    Apply(span)
//
// Incoming W3C trace context is extracted by HTTPMiddleware.
package tracing
