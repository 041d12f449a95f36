package tracing

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Custom attribute keys use the "costguard.*" namespace.
const (
	AttrCallID        = "costguard.call.id"
	AttrIdentity      = "costguard.call.identity"
	AttrSession       = "costguard.call.session"
	AttrModel         = "costguard.call.model"
	AttrTokensInput   = "costguard.tokens.input"
	AttrTokensOutput  = "costguard.tokens.output"
	AttrCost          = "costguard.cost"
	AttrDisposition   = "costguard.disposition"
	AttrBlockedBy     = "costguard.blocked_by"
	AttrRoutingPolicy = "costguard.routing.policy"
	AttrRoutedModel   = "costguard.routing.model"
	AttrStage         = "costguard.routing.stage"
	AttrStagePrevious = "costguard.routing.previous_stage"
	AttrBudgets       = "costguard.budgets.matched"
)

// SetCallAttributes sets attributes describing a proposed call.
// Empty strings are skipped.
func SetCallAttributes(span trace.Span, callID, identity, session, model string, input, output int64) {
	NewAttributeBuilder().
		withString(AttrCallID, callID).
		withString(AttrIdentity, identity).
		withString(AttrSession, session).
		withString(AttrModel, model).
		WithTokens(input, output).
		Apply(span)
}

// SetRoutingAttributes sets the stage a call was routed to.
func SetRoutingAttributes(span trace.Span, policyID, model string, stage, previous int) {
	span.SetAttributes(
		attribute.String(AttrRoutingPolicy, policyID),
		attribute.String(AttrRoutedModel, model),
		attribute.Int(AttrStage, stage),
		attribute.Int(AttrStagePrevious, previous),
	)
}

// AttributeBuilder collects span attributes.
//
// Example:
//
//	tracing.NewAttributeBuilder().
//	    WithTokens(1000, 500).
//	    WithDisposition("allow", "").
//	    Apply(span)
type AttributeBuilder struct {
	attrs []attribute.KeyValue
}

// NewAttributeBuilder creates an empty builder.
func NewAttributeBuilder() *AttributeBuilder {
	return &AttributeBuilder{attrs: make([]attribute.KeyValue, 0, 8)}
}

func (ab *AttributeBuilder) withString(key, value string) *AttributeBuilder {
	if value != "" {
		ab.attrs = append(ab.attrs, attribute.String(key, value))
	}
	return ab
}

// WithTokens adds projected token counts.
func (ab *AttributeBuilder) WithTokens(input, output int64) *AttributeBuilder {
	ab.attrs = append(ab.attrs,
		attribute.Int64(AttrTokensInput, input),
		attribute.Int64(AttrTokensOutput, output),
	)
	return ab
}

// WithCost adds the call cost as a decimal string.
func (ab *AttributeBuilder) WithCost(cost string) *AttributeBuilder {
	return ab.withString(AttrCost, cost)
}

// WithDisposition adds the disposition and the blocking budget, if any.
func (ab *AttributeBuilder) WithDisposition(disposition, blockedBy string) *AttributeBuilder {
	return ab.withString(AttrDisposition, disposition).withString(AttrBlockedBy, blockedBy)
}

// WithBudgets adds the number of budgets charged.
func (ab *AttributeBuilder) WithBudgets(n int) *AttributeBuilder {
	ab.attrs = append(ab.attrs, attribute.Int(AttrBudgets, n))
	return ab
}

// Apply sets the collected attributes on span.
func (ab *AttributeBuilder) Apply(span trace.Span) {
	span.SetAttributes(ab.attrs...)
}

// Attributes returns the collected attributes.
func (ab *AttributeBuilder) Attributes() []attribute.KeyValue {
	return ab.attrs
}
