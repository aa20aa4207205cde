// Command bsyncctl manages the targets in a replication daemon's registry
// and reads its pass log.
//
// Usage:
//
//	bsyncctl [-config FILE] SUBCOMMAND [ARGS]
//
// Subcommands are init, add-target, set, schedule, require, rule, list, log and run-now.
// A running daemon notices registry changes within its poll interval.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/bobg/subcmd"
	"github.com/pkg/errors"

	"github.com/bobg/bsync"
	"github.com/bobg/bsync/config"
	"github.com/bobg/bsync/passlog"
	_ "github.com/bobg/bsync/passlog/pg"
	_ "github.com/bobg/bsync/passlog/sqlite3"
	"github.com/bobg/bsync/registry/sqlite3"
)

type maincmd struct {
	conf *config.Config
	reg  *sqlite3.Registry
	out  io.Writer
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("bsyncctl", flag.ContinueOnError)
	confPath := fs.String("config", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		return errors.Wrap(err, "parsing args")
	}

	conf, err := config.Load(*confPath)
	if err != nil {
		return err
	}

	db, err := sql.Open("sqlite3", conf.Registry.DSN)
	if err != nil {
		return errors.Wrapf(err, "opening %s", conf.Registry.DSN)
	}
	defer db.Close()

	reg, err := sqlite3.New(ctx, db, conf.Host)
	if err != nil {
		return errors.Wrapf(err, "opening registry %s", conf.Registry.DSN)
	}

	return subcmd.Run(ctx, maincmd{conf: conf, reg: reg, out: out}, fs.Args())
}

func (c maincmd) Subcmds() subcmd.Map {
	return subcmd.Commands(
		"init", c.initHost, subcmd.Params(
			"parent", subcmd.String, "", "failover parent of this host",
		),
		"add-target", c.addTarget, subcmd.Params(
			"id", subcmd.Int64, int64(0), "target ID (default: next unused)",
			"host", subcmd.String, "", "destination host",
			"addr", subcmd.String, "", "address of the remote daemon",
			"key", subcmd.Int64, int64(0), "key for the remote daemon",
			"retention", subcmd.Int, 7, "retention in days (1 for failover)",
			"compression", subcmd.Bool, false, "compress the pass stream",
			"disabled", subcmd.Bool, false, "add the target disabled",
			"source", subcmd.String, "", "local address to connect from",
			"bitrate", subcmd.Int64, int64(0), "bandwidth cap in bits per second (0 for none)",
		),
		"set", c.set, subcmd.Params(
			"id", subcmd.Int64, int64(0), "target ID",
			"enabled", subcmd.Bool, true, "enable or disable the target",
			"compression", subcmd.Bool, false, "compress the pass stream",
			"retention", subcmd.Int, 0, "retention in days (1 for failover)",
			"bitrate", subcmd.Int64, int64(0), "bandwidth cap in bits per second (0 for none)",
			"source", subcmd.String, "", "local address to connect from",
			"addr", subcmd.String, "", "address of the remote daemon",
			"key", subcmd.Int64, int64(0), "key for the remote daemon",
		),
		"schedule", c.schedule, nil,
		"require", c.require, subcmd.Params(
			"id", subcmd.Int64, int64(0), "target ID",
			"off", subcmd.Bool, false, "make the paths no longer required",
		),
		"rule", c.rule, subcmd.Params(
			"id", subcmd.Int64, int64(0), "target ID",
			"rule", subcmd.String, "", fmt.Sprintf("one of %s, %s, %s", bsync.RuleInclude, bsync.RuleSkip, bsync.RuleNoRecurse),
			"prefix", subcmd.Bool, false, "apply the rule to every path beginning with the given one",
			"rm", subcmd.Bool, false, "remove the setting",
		),
		"list", c.list, nil,
		"log", c.log, subcmd.Params(
			"id", subcmd.Int64, int64(0), "target ID",
			"n", subcmd.Int, 10, "number of records (0 for all)",
		),
		"run-now", c.runNow, nil,
	)
}

func (c maincmd) initHost(ctx context.Context, parent string, _ []string) error {
	return c.reg.SetHost(ctx, parent)
}

func (c maincmd) log(ctx context.Context, id int64, n int, _ []string) error {
	if id == 0 {
		return errors.New("must supply -id")
	}

	plog, err := passlog.Create(ctx, c.conf.PassLog.Type, c.conf.PassLogConf())
	if err != nil {
		return errors.Wrap(err, "opening pass log")
	}
	return plog.List(ctx, bsync.TargetID(id), n, func(rec bsync.PassLogRecord) error {
		_, err := fmt.Fprintf(c.out, "%s %s scanned=%d updated=%d bytes=%d successful=%v\n",
			rec.Start.Format("2006-01-02T15:04:05"),
			rec.End.Sub(rec.Start),
			rec.Scanned,
			rec.Updated,
			rec.Bytes,
			rec.Successful,
		)
		return err
	})
}

func parseIDs(args []string) ([]bsync.TargetID, error) {
	var result []bsync.TargetID
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing target ID %s", arg)
		}
		result = append(result, bsync.TargetID(id))
	}
	return result, nil
}
