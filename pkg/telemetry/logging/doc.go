// Package logging builds the structured loggers used across the service.
//
// # Overview
//
// New returns a *slog.Logger whose handler:
//   - writes JSON, text, or console output at a configured level
//   - lifts call fields (call_id, identity, session, model, routing_policy)
//     and the trace context from the context of every *Context logging call
//   - optionally redacts API keys, bearer tokens, and emails, and masks
//     configured keys such as identity
//
// # Usage
//
//	logger, err := logging.New(logging.Config{Level: "info", Format: "json"})
//	if err != nil {
//	    return err
//	}
//
//	ctx = logging.WithCall(ctx, logging.CallFields{CallID: id, Identity: "team-a"})
//	logger.InfoContext(ctx, "call evaluated", "disposition", "allow")
//	// {"level":"INFO","msg":"call evaluated","call_id":"...","identity":"team-a","disposition":"allow"}
package logging
