// Package period computes the time windows that usage buckets cover.
//
// Fixed periods (daily, weekly, monthly) align to calendar boundaries in a
// configured location. Rolling windows align to multiples of their duration
// since the zero time, so consecutive windows tile the timeline without
// overlap: a one hour rolling window puts 10:59 and 11:01 in different
// buckets.
package period

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies how a budget period resets.
type Kind int

const (
	// Daily resets at midnight.
	Daily Kind = iota + 1

	// Weekly resets at midnight on Monday.
	Weekly

	// Monthly resets at midnight on the first of the month.
	Monthly

	// Rolling resets every Window.
	Rolling
)

// String returns the configuration name of the kind.
func (k Kind) String() string {
	switch k {
	case Daily:
		return "daily"
	case Weekly:
		return "weekly"
	case Monthly:
		return "monthly"
	case Rolling:
		return "rolling"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind parses a period kind name.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "daily", "day":
		return Daily, nil
	case "weekly", "week":
		return Weekly, nil
	case "monthly", "month":
		return Monthly, nil
	case "rolling":
		return Rolling, nil
	default:
		return 0, fmt.Errorf("unknown period %q", s)
	}
}

// Period is a budget period definition.
type Period struct {
	Kind Kind

	// Window is the rolling window length. Zero for fixed periods.
	Window time.Duration
}

// Validate checks that the period is well formed.
func (p Period) Validate() error {
	switch p.Kind {
	case Daily, Weekly, Monthly:
		if p.Window != 0 {
			return fmt.Errorf("%s period cannot set a window", p.Kind)
		}
		return nil
	case Rolling:
		if p.Window <= 0 {
			return fmt.Errorf("rolling period requires a positive window")
		}
		return nil
	default:
		return fmt.Errorf("invalid period kind %d", int(p.Kind))
	}
}

// String returns a stable encoding such as "daily" or "rolling:1h0m0s".
// Parse reverses it.
func (p Period) String() string {
	if p.Kind == Rolling {
		return "rolling:" + p.Window.String()
	}
	return p.Kind.String()
}

// MarshalText implements encoding.TextMarshaler.
func (p Period) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Period) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Parse decodes the output of Period.String.
func Parse(s string) (Period, error) {
	name, window, hasWindow := strings.Cut(s, ":")
	kind, err := ParseKind(name)
	if err != nil {
		return Period{}, err
	}
	p := Period{Kind: kind}
	if hasWindow {
		d, err := time.ParseDuration(window)
		if err != nil {
			return Period{}, fmt.Errorf("invalid rolling window %q: %w", window, err)
		}
		p.Window = d
	}
	return p, p.Validate()
}

// Window returns the [start, end) bounds of the bucket containing now.
// Fixed periods are computed in loc; a nil loc means UTC.
func Window(p Period, now time.Time, loc *time.Location) (start, end time.Time) {
	if loc == nil {
		loc = time.UTC
	}

	switch p.Kind {
	case Daily:
		t := now.In(loc)
		start = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
		end = start.AddDate(0, 0, 1)
	case Weekly:
		t := now.In(loc)
		// Monday is day 0.
		offset := (int(t.Weekday()) + 6) % 7
		start = time.Date(t.Year(), t.Month(), t.Day()-offset, 0, 0, 0, 0, loc)
		end = start.AddDate(0, 0, 7)
	case Monthly:
		t := now.In(loc)
		start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
		end = start.AddDate(0, 1, 0)
	case Rolling:
		start = now.Truncate(p.Window)
		end = start.Add(p.Window)
	default:
		// An unvalidated period degenerates to a single instant window so it
		// can never accumulate across calls.
		start, end = now, now
	}
	return start, end
}

// Contains reports whether t falls in [start, end).
func Contains(start, end, t time.Time) bool {
	return !t.Before(start) && t.Before(end)
}
