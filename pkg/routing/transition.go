package routing

import (
	"fmt"
	"time"
)

// Transition applies event to state for a policy with the given number of
// stages. It reports whether the state changed.
//
// The index never decreases: a trigger targeting the current stage or an
// earlier one is a no-op. Exhausting the last stage returns
// ErrStagesExhausted and leaves the state unchanged.
func Transition(state State, event Event, stages int, now time.Time) (State, bool, error) {
	switch event.Kind {
	case EventTriggerFired:
		if event.Target < 0 || event.Target >= stages {
			return state, false, fmt.Errorf("%w: %d of %d stages", ErrInvalidTarget, event.Target, stages)
		}
		if event.Target <= state.Index {
			return state, false, nil
		}
		return State{Index: event.Target, TransitionedAt: now}, true, nil

	case EventStageExhausted:
		if state.Index+1 >= stages {
			return state, false, ErrStagesExhausted
		}
		return State{Index: state.Index + 1, TransitionedAt: now}, true, nil

	default:
		return state, false, fmt.Errorf("unknown routing event %d", event.Kind)
	}
}
