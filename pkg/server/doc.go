// Package server exposes the spend enforcement engine over HTTP.
//
// # Routes
//
//	POST /v1/evaluate                 evaluate a call, returns the decision
//	POST /v1/settle                   settle an evaluated call with actual usage
//	GET  /v1/budgets/{budgetID}/usage current usage of a budget for a scope
//	GET  /v1/stages/{policyID}        current routing stage for a scope
//	POST /v1/stages/reset             move a routing scope back to its first stage
//	POST /v1/admin/reload             reload pricing and policy sources
//	GET  /healthz, /readyz, /version  probes
//	GET  /metrics                     Prometheus metrics, when a gatherer is set
//
// Scopes in GET requests are described with ?identity=, ?session=, ?model=
// and repeated ?tag= parameters.
//
// An evaluation that ends in a block is still answered with 200; the
// disposition is in the body. Only malformed calls (400), reused call IDs
// (409), and an engine that is not ready (503) change the status code.
// Blocked and throttled decisions carry a Retry-After header.
//
// Every request gets an X-Request-ID (kept from the client when present)
// that is attached to its log lines.
package server
