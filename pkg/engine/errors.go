package engine

import "errors"

var (
	// ErrUnknownCall is returned by Settle for a call ID with no live
	// reservation: never evaluated, blocked, already settled, or expired.
	ErrUnknownCall = errors.New("unknown or expired call id")

	// ErrDuplicateCall is returned when a call ID is evaluated while an
	// earlier evaluation with the same ID is still unsettled.
	ErrDuplicateCall = errors.New("call id already reserved")

	// ErrInvalidCall is returned for calls with negative unit counts.
	ErrInvalidCall = errors.New("invalid call")

	// ErrUnknownBudget is returned when a budget ID is not active.
	ErrUnknownBudget = errors.New("unknown budget")

	// ErrUnknownRoutingPolicy is returned when a call names a routing policy
	// that is not active. Such calls are blocked.
	ErrUnknownRoutingPolicy = errors.New("unknown routing policy")

	// ErrNoBackend is returned by Checkpoint and Restore when the engine has
	// no storage backend.
	ErrNoBackend = errors.New("no storage backend configured")

	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("engine closed")
)
