package routing

import (
	"errors"
	"fmt"
)

// Common routing errors that can be checked with errors.Is().
var (
	// ErrStagesExhausted is returned when a call fits no remaining stage of
	// its routing policy.
	ErrStagesExhausted = errors.New("routing stages exhausted")

	// ErrInvalidTarget is returned when a transition names a stage the
	// policy does not have.
	ErrInvalidTarget = errors.New("invalid target stage")
)

// StagesExhaustedError is returned when the last stage of a routing policy
// cannot serve a call.
type StagesExhaustedError struct {
	// PolicyID is the routing policy that ran out of stages.
	PolicyID string

	// Stage is the last stage index.
	Stage int

	// Reason describes the constraint the call exceeded.
	Reason string
}

// Error implements the error interface.
func (e *StagesExhaustedError) Error() string {
	return fmt.Sprintf("routing policy %q exhausted at stage %d: %s", e.PolicyID, e.Stage, e.Reason)
}

// Is implements error matching for errors.Is().
func (e *StagesExhaustedError) Is(target error) bool {
	return target == ErrStagesExhausted
}
