// Package schedule decides when a replication target is due for a pass.
package schedule

import (
	"fmt"
	"time"

	"github.com/bobg/bsync"
)

// Check is the state a worker carries from one evaluation to the next.
// The zero value means no evaluation has happened since the worker started.
type Check struct {
	Time time.Time
}

// Input is what Evaluate decides from.
type Input struct {
	Target *bsync.Target

	// FailoverParent is the name of this host's failover parent, if any.
	FailoverParent string

	// RunNow is an operator request for an immediate pass.
	RunNow bool

	History bsync.PassHistory
}

// Reason says which rule produced a Decision.
type Reason int

const (
	FailoverParent Reason = iota
	RunNow
	NeverRan
	LastFailed
	LastStartInFuture
	Daily
	LastCheckInFuture
	Scheduled
	MissedSchedule
	NotDue
)

var reasons = map[Reason]string{
	FailoverParent:    "destination is this host's failover parent",
	RunNow:            "run-now requested",
	NeverRan:          "never ran",
	LastFailed:        "last pass failed",
	LastStartInFuture: "last start is in the future",
	Daily:             "last start was at least a day ago",
	LastCheckInFuture: "last check is in the future",
	Scheduled:         "scheduled time",
	MissedSchedule:    "missed a scheduled time",
	NotDue:            "not due",
}

func (r Reason) String() string {
	if s, ok := reasons[r]; ok {
		return s
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Run    bool
	Reason Reason
}

// Evaluate decides whether a pass should start at now.
// The first matching rule wins.
// Hours and minutes are taken in now's location.
// It records now in last for the next call.
func Evaluate(now time.Time, in Input, last *Check) Decision {
	prev := last.Time
	last.Time = now

	t := in.Target
	switch {
	case in.FailoverParent != "" && t.Host == in.FailoverParent:
		return Decision{false, FailoverParent}
	case in.RunNow:
		return Decision{true, RunNow}
	case in.History.LastStart.IsZero():
		return Decision{true, NeverRan}
	case !in.History.LastSuccessful:
		return Decision{true, LastFailed}
	case in.History.LastStart.After(now):
		return Decision{false, LastStartInFuture}
	case now.Sub(in.History.LastStart) >= 24*time.Hour:
		return Decision{true, Daily}
	case !prev.IsZero() && prev.After(now):
		return Decision{false, LastCheckInFuture}
	}

	h, m := now.Hour(), now.Minute()
	if matches(t.Schedule, h, m) {
		return Decision{true, Scheduled}
	}
	if prev.IsZero() {
		return Decision{false, NotDue}
	}

	prev = prev.In(now.Location())
	ph, pm := prev.Hour(), prev.Minute()
	if ph == h && pm == m {
		return Decision{false, NotDue}
	}
	for {
		pm++
		if pm >= 60 {
			pm = 0
			ph = (ph + 1) % 24
		}
		if ph == h && pm == m {
			return Decision{false, NotDue}
		}
		if matches(t.Schedule, ph, pm) {
			return Decision{true, MissedSchedule}
		}
	}
}

func matches(entries []bsync.ScheduleEntry, h, m int) bool {
	for _, e := range entries {
		if e.Enabled && e.Hour == h && e.Minute == m {
			return true
		}
	}
	return false
}
