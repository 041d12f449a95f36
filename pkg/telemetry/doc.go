// Package telemetry groups the observability packages used by costguard.
//
// # Components
//
//   - logging: slog construction with call-scoped context fields and
//     redaction of API keys, bearer tokens, and emails
//   - tracing: OpenTelemetry tracer wrapper, span attributes for calls and
//     routing transitions, and the SDK provider (OTLP or stdout export)
//   - health: liveness and readiness checks served by the HTTP API
//
// Prometheus metrics are not centralised here. Each package that owns a
// counter registers it with the prometheus.Registerer it is given, so an
// engine built without a registerer exports nothing.
//
// # Usage
//
//	logger, err := logging.New(cfg.Telemetry.Logging.LoggerConfig())
//	tp, err := tracing.NewProvider(ctx, cfg.Telemetry.Tracing.ProviderConfig(version))
//	defer tp.Shutdown(context.Background())
//
//	ctx = logging.WithCall(ctx, logging.CallFields{CallID: call.ID, Model: call.Model})
//	logger.InfoContext(ctx, "call evaluated", "disposition", d.Disposition)
package telemetry
