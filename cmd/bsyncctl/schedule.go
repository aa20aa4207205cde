package main

import (
	"context"
	"time"

	"github.com/bobg/subcmd"
	"github.com/pkg/errors"

	"github.com/bobg/bsync"
)

type schedulecmd struct {
	maincmd
}

func (c maincmd) schedule(ctx context.Context, args []string) error {
	return subcmd.Run(ctx, schedulecmd{maincmd: c}, args)
}

func (c schedulecmd) Subcmds() subcmd.Map {
	return subcmd.Commands(
		"add", c.add, subcmd.Params(
			"id", subcmd.Int64, int64(0), "target ID",
			"disabled", subcmd.Bool, false, "add the entries disabled",
		),
		"rm", c.rm, subcmd.Params(
			"id", subcmd.Int64, int64(0), "target ID",
		),
	)
}

// add adds or replaces schedule entries, given as HH:MM.
func (c schedulecmd) add(ctx context.Context, id int64, disabled bool, args []string) error {
	entries, err := parseEntries(id, args)
	if err != nil {
		return err
	}
	for i := range entries {
		entries[i].Enabled = !disabled
	}
	return c.reg.Update(ctx, bsync.TargetID(id), func(t *bsync.Target) error {
		for _, e := range entries {
			t.Schedule = removeEntry(t.Schedule, e)
			t.Schedule = append(t.Schedule, e)
		}
		return nil
	})
}

// rm removes schedule entries, given as HH:MM.
func (c schedulecmd) rm(ctx context.Context, id int64, args []string) error {
	entries, err := parseEntries(id, args)
	if err != nil {
		return err
	}
	return c.reg.Update(ctx, bsync.TargetID(id), func(t *bsync.Target) error {
		for _, e := range entries {
			n := len(t.Schedule)
			t.Schedule = removeEntry(t.Schedule, e)
			if len(t.Schedule) == n {
				return errors.Errorf("no entry at %02d:%02d", e.Hour, e.Minute)
			}
		}
		return nil
	})
}

func parseEntries(id int64, args []string) ([]bsync.ScheduleEntry, error) {
	if id == 0 {
		return nil, errors.New("must supply -id")
	}
	if len(args) == 0 {
		return nil, errors.New("must supply at least one time as HH:MM")
	}
	var result []bsync.ScheduleEntry
	for _, arg := range args {
		t, err := time.Parse("15:04", arg)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing time %s", arg)
		}
		result = append(result, bsync.ScheduleEntry{Hour: t.Hour(), Minute: t.Minute()})
	}
	return result, nil
}

func removeEntry(sched []bsync.ScheduleEntry, e bsync.ScheduleEntry) []bsync.ScheduleEntry {
	result := sched[:0]
	for _, s := range sched {
		if s.Hour != e.Hour || s.Minute != e.Minute {
			result = append(result, s)
		}
	}
	return result
}
