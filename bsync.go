package bsync

import (
	"context"
	"errors"
	"time"
)

type (
	// TargetID identifies a replication target.
	TargetID int64

	// Target is a destination plus the settings governing replication to it.
	// Targets are owned by a Registry;
	// workers re-read the latest snapshot before each check.
	Target struct {
		ID TargetID

		// Host is the name of the destination host.
		// A target whose host is this host's failover parent is never replicated.
		Host string

		// RetentionDays of 1 means failover mode,
		// more than 1 means scheduled backup mode.
		RetentionDays int16

		UseCompression bool
		Enabled        bool

		// SourceAddr is the optional local address to connect from.
		SourceAddr string

		// BitRate is the bandwidth cap in bits per second.
		// Zero or less means unlimited.
		BitRate int64

		Schedule []ScheduleEntry
	}

	// ScheduleEntry is a time of day at which a pass should start.
	ScheduleEntry struct {
		Hour    int
		Minute  int
		Enabled bool
	}

	// PassHistory is what a worker knows about its target's most recent pass.
	// A zero LastStart means no pass was ever attempted.
	PassHistory struct {
		LastStart      time.Time
		LastSuccessful bool
	}

	// PassLogRecord is the append-only outcome of one pass.
	PassLogRecord struct {
		Target     TargetID
		Start, End time.Time
		Scanned    int64
		Updated    int64
		Bytes      int64
		Successful bool
	}

	// Access is what is needed to reach a target's remote daemon for one pass.
	Access struct {
		Addr string
		Key  int64
	}

	// DBServer names a database server co-replicated with this host.
	DBServer struct {
		Name    string
		Version string
	}
)

// IsFailover tells whether t is a failover (as opposed to backup) target.
func (t *Target) IsFailover() bool {
	return t.RetentionDays == 1
}

// Clone produces a deep copy of t.
func (t *Target) Clone() *Target {
	c := *t
	c.Schedule = append([]ScheduleEntry(nil), t.Schedule...)
	return &c
}

// History derives a PassHistory from the most recent log record, if any.
func History(rec *PassLogRecord) PassHistory {
	if rec == nil {
		return PassHistory{}
	}
	return PassHistory{LastStart: rec.Start, LastSuccessful: rec.Successful}
}

var (
	// ErrNotFound is returned when a target or record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAbandoned is returned by a pass that stopped because it was canceled.
	// It is not a failure and should not be logged as one.
	ErrAbandoned = errors.New("pass abandoned")
)

// Sleep pauses for d or until ctx is canceled,
// in which case it returns ctx's error.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
