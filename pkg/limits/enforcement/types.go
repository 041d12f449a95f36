package enforcement

import (
	"fmt"
	"strings"
	"time"
)

// Disposition is the final verdict on a call. Values are ordered by severity.
type Disposition int

const (
	// Allow permits the call to proceed.
	Allow Disposition = iota

	// Throttle permits the call but asks the caller to back off.
	Throttle

	// Downgrade routes the call to a cheaper stage.
	Downgrade

	// Block refuses the call.
	Block
)

// String returns the wire name of the disposition.
func (d Disposition) String() string {
	switch d {
	case Allow:
		return "allow"
	case Throttle:
		return "throttle"
	case Downgrade:
		return "downgrade"
	case Block:
		return "block"
	default:
		return fmt.Sprintf("disposition(%d)", int(d))
	}
}

// ParseDisposition parses a disposition name.
func ParseDisposition(s string) (Disposition, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow":
		return Allow, nil
	case "throttle":
		return Throttle, nil
	case "downgrade":
		return Downgrade, nil
	case "block":
		return Block, nil
	default:
		return Allow, fmt.Errorf("unknown disposition %q", s)
	}
}

// Severity returns the rank of the disposition; higher is more severe.
func (d Disposition) Severity() int {
	return int(d)
}

// Allowed reports whether the call may be executed in some form.
func (d Disposition) Allowed() bool {
	return d != Block
}

// MarshalText implements encoding.TextMarshaler.
func (d Disposition) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Disposition) UnmarshalText(b []byte) error {
	v, err := ParseDisposition(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Outcome is the effect of one threshold or hard-limit action.
type Outcome struct {
	Disposition Disposition

	// Notify is set when the action asks for a notification.
	Notify bool

	// Overage is set when the call is allowed past its ceiling.
	Overage bool
}

// Config contains configuration for the enforcer.
type Config struct {
	// ThrottleDelay is the back-off suggested to throttled callers.
	// Default: 1s
	ThrottleDelay time.Duration

	// MaxRetryAfter caps the retry hint given to blocked callers.
	// Zero means uncapped.
	MaxRetryAfter time.Duration
}
