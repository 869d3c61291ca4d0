package generic

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// =============================================================================
// CLOCK
// =============================================================================

// Clock is injected everywhere "now" matters: TTLs, sale windows, schedules.
type Clock = clockwork.Clock

func SystemClock() Clock { return clockwork.NewRealClock() }

// =============================================================================
// WINDOW - A time range with optional open ends
// =============================================================================

// Window is a time range. A zero Start or End leaves that side open.
type Window struct {
	Start time.Time `json:"start,omitempty" yaml:"start"`
	End   time.Time `json:"end,omitempty" yaml:"end"`
}

// ContainsHalfOpen reports at in [Start, End).
func (w Window) ContainsHalfOpen(at time.Time) bool {
	if !w.Start.IsZero() && at.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && !at.Before(w.End) {
		return false
	}
	return true
}

// ContainsClosed reports at in [Start, End].
func (w Window) ContainsClosed(at time.Time) bool {
	if !w.Start.IsZero() && at.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && at.After(w.End) {
		return false
	}
	return true
}

func (w Window) NotStarted(at time.Time) bool { return !w.Start.IsZero() && at.Before(w.Start) }

func (w Window) Ended(at time.Time) bool { return !w.End.IsZero() && !at.Before(w.End) }

// Valid reports whether End (if set) is after Start (if set).
func (w Window) Valid() bool {
	return w.Start.IsZero() || w.End.IsZero() || w.End.After(w.Start)
}
