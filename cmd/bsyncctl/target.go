package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/bobg/subcmd"
	"github.com/pkg/errors"

	"github.com/bobg/bsync"
)

func (c maincmd) addTarget(ctx context.Context, id int64, host, addr string, key int64, retention int, compression, disabled bool, source string, bitRate int64, _ []string) error {
	if host == "" || addr == "" {
		return errors.New("must supply -host and -addr")
	}
	if retention < 1 {
		return errors.New("-retention must be at least 1")
	}

	t := &bsync.Target{
		ID:             bsync.TargetID(id),
		Host:           host,
		RetentionDays:  int16(retention),
		UseCompression: compression,
		Enabled:        !disabled,
		SourceAddr:     source,
		BitRate:        bitRate,
	}
	newID, err := c.reg.AddTarget(ctx, t, bsync.Access{Addr: addr, Key: key})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, newID)
	return err
}

func (c maincmd) set(ctx context.Context, id int64, enabled, compression bool, retention int, bitRate int64, source, addr string, key int64, _ []string) error {
	if id == 0 {
		return errors.New("must supply -id")
	}

	// Only flags given on the command line change anything.
	given := make(map[string]bool)
	subcmd.FlagSet(ctx).Visit(func(f *flag.Flag) { given[f.Name] = true })

	if given["retention"] && retention < 1 {
		return errors.New("-retention must be at least 1")
	}

	tid := bsync.TargetID(id)
	err := c.reg.Update(ctx, tid, func(t *bsync.Target) error {
		if given["enabled"] {
			t.Enabled = enabled
		}
		if given["compression"] {
			t.UseCompression = compression
		}
		if given["retention"] {
			t.RetentionDays = int16(retention)
		}
		if given["bitrate"] {
			t.BitRate = bitRate
		}
		if given["source"] {
			t.SourceAddr = source
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "updating target %d", tid)
	}

	if given["addr"] || given["key"] {
		a, err := c.reg.Access(ctx, tid)
		if err != nil {
			return errors.Wrapf(err, "getting access for target %d", tid)
		}
		if given["addr"] {
			a.Addr = addr
		}
		if given["key"] {
			a.Key = key
		}
		return c.reg.SetAccess(ctx, tid, a)
	}
	return nil
}

func (c maincmd) list(ctx context.Context, args []string) error {
	if len(args) > 0 {
		return errors.Errorf("unexpected arguments %v", args)
	}

	h, err := c.reg.ThisHost(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "host %s", h.Name)
	if h.FailoverParent != "" {
		fmt.Fprintf(c.out, " (failover parent %s)", h.FailoverParent)
	}
	fmt.Fprintln(c.out)

	targets, err := c.reg.Targets(ctx)
	if err != nil {
		return err
	}
	for _, t := range targets {
		a, err := c.reg.Access(ctx, t.ID)
		if err != nil {
			return errors.Wrapf(err, "getting access for target %d", t.ID)
		}
		mode := "backup"
		if t.IsFailover() {
			mode = "failover"
		}
		fmt.Fprintf(c.out, "%d %s %s %s retention=%d enabled=%v compression=%v bitrate=%d",
			t.ID, t.Host, a.Addr, mode, t.RetentionDays, t.Enabled, t.UseCompression, t.BitRate)
		if t.SourceAddr != "" {
			fmt.Fprintf(c.out, " source=%s", t.SourceAddr)
		}
		fmt.Fprintln(c.out)

		for _, e := range t.Schedule {
			state := ""
			if !e.Enabled {
				state = " (disabled)"
			}
			fmt.Fprintf(c.out, "  at %02d:%02d%s\n", e.Hour, e.Minute, state)
		}

		settings, err := c.reg.FileSettings(ctx, t.ID)
		if err != nil {
			return err
		}
		for _, s := range settings {
			fmt.Fprintf(c.out, "  %s %s", s.Rule, s.Path)
			if s.Prefix {
				fmt.Fprint(c.out, "*")
			}
			if s.Required {
				fmt.Fprint(c.out, " (required)")
			}
			fmt.Fprintln(c.out)
		}
	}
	return nil
}

func (c maincmd) runNow(ctx context.Context, args []string) error {
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return errors.New("must supply at least one target ID")
	}
	for _, id := range ids {
		if err := c.reg.RequestRunNow(ctx, id); err != nil {
			return errors.Wrapf(err, "requesting pass over target %d", id)
		}
	}
	return nil
}
