package routing

import (
	"time"

	"mercator-hq/costguard/pkg/pricing"
)

// State is the current-stage record of one (scope key, routing policy) pair.
type State struct {
	// Index is the active stage. It only grows, except through Reset.
	Index int

	// TransitionedAt is when Index last changed, or when the record was
	// created.
	TransitionedAt time.Time
}

// EventKind distinguishes state machine inputs.
type EventKind int

const (
	// EventTriggerFired moves to a trigger's target stage.
	EventTriggerFired EventKind = iota + 1

	// EventStageExhausted moves to the next stage because the call does not
	// fit the current one.
	EventStageExhausted
)

// String returns a readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventTriggerFired:
		return "trigger_fired"
	case EventStageExhausted:
		return "stage_exhausted"
	default:
		return "unknown"
	}
}

// Event is an input to Transition.
type Event struct {
	Kind EventKind

	// Target is the stage a fired trigger moves to.
	Target int
}

// TriggerFired returns the event for a downgrade trigger targeting stage.
func TriggerFired(target int) Event {
	return Event{Kind: EventTriggerFired, Target: target}
}

// StageExhausted returns the event for a call that does not fit its stage.
func StageExhausted() Event {
	return Event{Kind: EventStageExhausted}
}

// Outcome is the part of a budget evaluation routing reacts to.
type Outcome interface {
	// Blocked reports whether the evaluation refused the call.
	Blocked() bool

	// HardLimitHit reports whether budgetID reached a downgrade or block
	// hard limit.
	HardLimitHit(budgetID string) bool

	// ThresholdReached reports whether budgetID fired a threshold at or
	// above percent.
	ThresholdReached(budgetID string, percent float64) bool
}

// Projection is the projected size of a call, used to check per-stage call
// constraints.
type Projection struct {
	InputUnits  int64
	OutputUnits int64

	// Pricing prices the call on each stage's model. When nil, per-call cost
	// constraints are not checked.
	Pricing *pricing.Table
}

// Decision is the routing verdict for one call.
type Decision struct {
	PolicyID string `json:"policy_id"`
	ScopeKey string `json:"scope_key"`

	// Model is the model to call. Empty when Blocked.
	Model string `json:"model,omitempty"`

	// Stage is the stage that served this call; Previous is the recorded
	// stage before it and Current the recorded stage after it. Stage is past
	// Current only when the call exceeded a stage's per-call limits.
	Stage    int `json:"stage"`
	Previous int `json:"previous_stage"`
	Current  int `json:"current_stage"`

	Blocked bool   `json:"blocked"`
	Reason  string `json:"reason,omitempty"`

	// Err is set when the call was blocked because no stage could serve it.
	Err error `json:"-"`
}

// Downgraded reports whether the call was served by a later stage than the
// recorded one.
func (d Decision) Downgraded() bool {
	return d.Stage > d.Previous
}

// Advanced reports whether a trigger moved the recorded stage.
func (d Decision) Advanced() bool {
	return d.Current > d.Previous
}

// RoutingStats contains statistics about routing decisions.
type RoutingStats struct {
	// TotalResolutions is the number of Resolve calls.
	TotalResolutions int64

	// ResolutionsPerModel counts calls routed to each model.
	ResolutionsPerModel map[string]int64

	// Transitions is the number of recorded stage advances.
	Transitions int64

	// Blocked is the number of resolutions that returned Blocked.
	Blocked int64

	// Exhausted is the number of resolutions blocked by stage exhaustion.
	Exhausted int64

	// Resets is the number of explicit stage resets.
	Resets int64

	// LastResetTime is when statistics were last reset.
	LastResetTime time.Time
}
