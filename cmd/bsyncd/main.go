// Command bsyncd is the replication daemon.
//
// Usage:
//
//	bsyncd [-config FILE] ENVIRONMENT
//
// ENVIRONMENT names the kind of source host, e.g. "linux" or "posix".
// The daemon replicates every target in its registry until it receives SIGINT or SIGTERM.
//
// Exit codes:
//
//	0  normal shutdown
//	1  usage or configuration error
//	2  unknown environment
//	3  environment could not be created
//	4  registry, pass log or instance lock could not be opened
package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobg/flock"
	"github.com/pkg/errors"

	"github.com/bobg/bsync/config"
	"github.com/bobg/bsync/daemon"
	"github.com/bobg/bsync/dial"
	"github.com/bobg/bsync/engine"
	"github.com/bobg/bsync/env"
	_ "github.com/bobg/bsync/env/posix"
	"github.com/bobg/bsync/mysqlinfo"
	"github.com/bobg/bsync/passlog"
	"github.com/bobg/bsync/passlog/logging"
	_ "github.com/bobg/bsync/passlog/mem"
	_ "github.com/bobg/bsync/passlog/pg"
	_ "github.com/bobg/bsync/passlog/sqlite3"
	"github.com/bobg/bsync/registry/sqlite3"
)

const (
	exitOK = iota
	exitUsage
	exitUnknownEnv
	exitEnv
	exitAccess
)

// lockTimeout is how long to wait for another instance to release the lock.
const lockTimeout = 5 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stderr))
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("bsyncd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	confPath := fs.String("config", "", "path to config file")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: bsyncd [-config FILE] ENVIRONMENT")
		return exitUsage
	}
	envName := fs.Arg(0)

	conf, err := config.Load(*confPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}
	logger, err := conf.Log.NewLogger(stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitUsage
	}

	if !known(envName) {
		logger.Error("unknown environment", "name", envName, "have", env.Names())
		return exitUnknownEnv
	}

	var locker flock.Locker
	if err := lock(&locker, conf.Lock); err != nil {
		logger.Error("taking instance lock", "err", err)
		return exitAccess
	}
	defer locker.Unlock(conf.Lock)

	reg, closeReg, err := openRegistry(ctx, conf)
	if err != nil {
		logger.Error("opening registry", "err", err)
		return exitAccess
	}
	defer closeReg()

	plog, err := passlog.Create(ctx, conf.PassLog.Type, conf.PassLogConf())
	if err != nil {
		logger.Error("opening pass log", "err", err)
		return exitAccess
	}
	if conf.PassLog.Log {
		plog = logging.New(plog, logger)
	}

	params := env.Params{
		Root:       conf.Environment.Root,
		BatchSize:  conf.Environment.BatchSize,
		SourceAddr: conf.Environment.SourceAddr,
		StatCache:  conf.Environment.StatCache,
		Settings:   reg,
		Logger:     logger,
	}
	if len(conf.MySQL.Servers) > 0 {
		mysql, err := mysqlinfo.Open(conf.MySQL.Servers)
		if err != nil {
			logger.Error("opening mysql servers", "err", err)
			return exitEnv
		}
		defer mysql.Close()
		params.DB = mysql
	}
	e, err := env.Create(ctx, envName, params)
	if err != nil {
		logger.Error("creating environment", "name", envName, "err", err)
		return exitEnv
	}

	dialer := &dial.Dialer{Timeout: conf.Dial.Timeout}
	if conf.Dial.TLS {
		dialer.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	eng := &engine.Engine{
		Env:      e,
		Registry: reg,
		Dialer:   dialer,
		Log:      plog,
		Logger:   logger,
	}
	sup := daemon.NewSupervisor(daemon.Options{
		Registry: reg,
		Log:      plog,
		Passer:   eng,
		Logger:   logger,
	})

	logger.Info("starting", "host", conf.Host, "environment", envName)
	sup.Start(ctx)
	<-ctx.Done()

	logger.Info("stopping")
	sup.Stop()
	logger.Info("stopped")
	return exitOK
}

func known(name string) bool {
	for _, n := range env.Names() {
		if n == name {
			return true
		}
	}
	return false
}

func lock(locker *flock.Locker, path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	f.Close()

	ch := make(chan error, 1)
	go func() { ch <- locker.Lock(path) }()

	timer := time.NewTimer(lockTimeout)
	defer timer.Stop()

	select {
	case err := <-ch:
		return errors.Wrapf(err, "locking %s", path)
	case <-timer.C:
		return errors.Errorf("%s is locked by another instance", path)
	}
}

func openRegistry(ctx context.Context, conf *config.Config) (*sqlite3.Registry, func(), error) {
	db, err := sql.Open("sqlite3", conf.Registry.DSN)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "opening %s", conf.Registry.DSN)
	}
	reg, err := sqlite3.New(ctx, db, conf.Host)
	if err != nil {
		db.Close()
		return nil, nil, errors.Wrapf(err, "opening %s", conf.Registry.DSN)
	}
	reg.Poll = conf.Registry.Poll
	if _, err := reg.ThisHost(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return reg, func() { db.Close() }, nil
}
