// Package health provides liveness, readiness, and version endpoints.
//
// Components register checks with a Checker. Readiness runs them
// concurrently with a per-check timeout:
//
//	checker := health.New(2 * time.Second)
//	checker.Register("snapshot", true, func(ctx context.Context) error {
//	    if eng.Snapshot() == nil {
//	        return errors.New("no policy snapshot loaded")
//	    }
//	    return nil
//	})
//	checker.Register("storage", false, backend.Ping)
//
//	r.Get("/healthz", checker.LivenessHandler())
//	r.Get("/readyz", checker.ReadinessHandler())
//
// A failing critical check reports "unhealthy" and the readiness probe
// answers 503. Failing non-critical checks report "degraded" and the probe
// still answers 200.
package health
