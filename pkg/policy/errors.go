package policy

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidPolicy marks a malformed budget or routing policy entry.
	ErrInvalidPolicy = errors.New("invalid policy")

	// ErrConfiguration marks an entry that is well formed on its own but
	// inconsistent with the rest of the configuration, such as a trigger
	// pointing at a stage that does not exist.
	ErrConfiguration = errors.New("configuration error")
)

// LoadError represents a policy file that could not be read or parsed.
type LoadError struct {
	// FilePath is the path to the file that failed to load
	FilePath string

	// Line is the line of a YAML syntax error, when known.
	Line int

	// Message describes the error
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *LoadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("failed to load policy file %q: %s: %v", e.FilePath, e.Message, e.Cause)
	}
	return fmt.Sprintf("failed to load policy file %q: %s", e.FilePath, e.Message)
}

// Unwrap implements the errors.Unwrap interface for error chain support.
func (e *LoadError) Unwrap() error {
	return e.Cause
}

// ValidationError describes a field that failed validation.
type ValidationError struct {
	// FieldPath is the path to the offending field (e.g., "thresholds[1].percent")
	FieldPath string

	// Message describes the validation error
	Message string

	// Cause is ErrInvalidPolicy or ErrConfiguration.
	Cause error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.FieldPath != "" {
		return fmt.Sprintf("%s: %s", e.FieldPath, e.Message)
	}
	return e.Message
}

// Unwrap implements the errors.Unwrap interface for error chain support.
func (e *ValidationError) Unwrap() error {
	return e.Cause
}

func invalid(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{FieldPath: field, Message: fmt.Sprintf(format, args...), Cause: ErrInvalidPolicy}
}

func misconfigured(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{FieldPath: field, Message: fmt.Sprintf(format, args...), Cause: ErrConfiguration}
}

// EntryKind distinguishes budget entries from routing policy entries.
type EntryKind string

const (
	EntryBudget        EntryKind = "budget"
	EntryRoutingPolicy EntryKind = "routing_policy"
)

// EntryError reports one rejected entry. The rest of the load is unaffected.
type EntryError struct {
	Kind EntryKind

	// ID is the entry ID, if it could be read.
	ID string

	// Source is the file (or other origin) of the entry.
	Source string

	// Index is the entry's position within its source.
	Index int

	// Line is the 1-indexed line of the entry, when known.
	Line int

	Err error
}

// Error implements the error interface.
func (e *EntryError) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Kind))
	if e.ID != "" {
		fmt.Fprintf(&sb, " %q", e.ID)
	} else {
		fmt.Fprintf(&sb, " #%d", e.Index)
	}
	if e.Source != "" {
		fmt.Fprintf(&sb, " in %s", e.Source)
		if e.Line > 0 {
			fmt.Fprintf(&sb, ":%d", e.Line)
		}
	}
	fmt.Fprintf(&sb, ": %v", e.Err)
	return sb.String()
}

// Unwrap implements the errors.Unwrap interface for error chain support.
func (e *EntryError) Unwrap() error {
	return e.Err
}
