// Package engine runs replication passes.
//
// A pass opens a fresh connection to the target's remote daemon,
// sends a header,
// then walks the target's files in batches.
// For each batch the remote daemon replies with one result per file,
// and the engine sends whatever data the results request.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/bobg/bsync"
)

const (
	DefaultBatchSize     = 1000
	DefaultLogAttempts   = 10
	DefaultLogRetryDelay = time.Minute
)

// Engine runs passes.
// It is safe for concurrent use by multiple workers
// as long as its collaborators are.
type Engine struct {
	Env      bsync.Environment
	Registry bsync.Registry
	Dialer   bsync.Dialer
	Log      bsync.PassLog
	Logger   *slog.Logger

	// Now defaults to time.Now.
	Now func() time.Time

	// Sleep defaults to bsync.Sleep.
	Sleep func(context.Context, time.Duration) error

	// LogAttempts and LogRetryDelay govern appending to Log.
	// They default to DefaultLogAttempts and DefaultLogRetryDelay.
	LogAttempts   int
	LogRetryDelay time.Duration
}

// Result is the outcome of a pass that ran to completion.
type Result struct {
	Record bsync.PassLogRecord

	// Missing lists required paths that were not seen during the walk.
	// If it is non-empty, Record.Successful is false.
	Missing []string
}

// Err reports a completed pass that nonetheless failed.
func (r *Result) Err() error {
	if len(r.Missing) > 0 {
		return &MissingPathsError{Paths: r.Missing}
	}
	return nil
}

// MissingPathsError describes required paths absent from a pass.
type MissingPathsError struct {
	Paths []string
}

func (e *MissingPathsError) Error() string {
	return fmt.Sprintf("sent all files found, but %d required path(s) were missing: %s", len(e.Paths), strings.Join(e.Paths, ", "))
}

// Pass runs one pass over t,
// which is the snapshot of the target taken when the pass was decided on.
//
// The environment's PreBackup and Init hooks run first.
// Cleanup always follows a successful Init,
// and PostBackup follows Cleanup unless the pass was abandoned or failed.
//
// If ctx is canceled,
// Pass stops at its next checkpoint,
// closes its connection,
// and returns bsync.ErrAbandoned.
// A record is appended to the pass log for every pass that gets past Init.
func (e *Engine) Pass(ctx context.Context, t *bsync.Target) (*Result, error) {
	logger := e.logger().With("target", t.ID, "pass", uuid.NewString())

	if err := e.Env.PreBackup(ctx, t); err != nil {
		return nil, errors.Wrap(err, "in pre-backup hook")
	}
	if ctx.Err() != nil {
		return nil, bsync.ErrAbandoned
	}
	res, err := e.run(ctx, logger, t)
	if err != nil {
		return res, err
	}
	if ctx.Err() != nil {
		return res, bsync.ErrAbandoned
	}
	if err := e.Env.PostBackup(ctx, t); err != nil {
		return res, errors.Wrap(err, "in post-backup hook")
	}
	return res, nil
}

func (e *Engine) run(ctx context.Context, logger *slog.Logger, t *bsync.Target) (res *Result, err error) {
	if err := e.Env.Init(ctx, t); err != nil {
		return nil, errors.Wrap(err, "in init hook")
	}
	defer func() {
		if cerr := e.Env.Cleanup(context.WithoutCancel(ctx), t); cerr != nil {
			logger.Error("in cleanup hook", "err", cerr)
			if err == nil {
				err = errors.Wrap(cerr, "in cleanup hook")
			}
		}
	}()
	if ctx.Err() != nil {
		return nil, bsync.ErrAbandoned
	}

	p := &pass{
		e:      e,
		ctx:    ctx,
		logger: logger,
		t:      t,
		rec:    bsync.PassLogRecord{Target: t.ID, Start: e.now()},
	}
	logger.Info("starting pass", "host", t.Host, "retention", t.RetentionDays, "compression", t.UseCompression)

	err = p.transfer()
	if err != nil && ctx.Err() != nil {
		err = bsync.ErrAbandoned
	}

	p.rec.End = e.now()
	p.rec.Successful = err == nil && len(p.missing) == 0
	e.appendLog(ctx, logger, p.rec)

	res = &Result{Record: p.rec, Missing: p.missing}
	switch {
	case errors.Is(err, bsync.ErrAbandoned):
		logger.Info("pass abandoned", "scanned", p.rec.Scanned, "updated", p.rec.Updated)
	case err != nil:
		// Logged by the caller.
	default:
		logger.Info("pass complete",
			"scanned", p.rec.Scanned,
			"updated", p.rec.Updated,
			"bytes", p.rec.Bytes,
			"successful", p.rec.Successful,
			"elapsed", p.rec.End.Sub(p.rec.Start),
		)
	}
	return res, err
}

func (e *Engine) appendLog(ctx context.Context, logger *slog.Logger, rec bsync.PassLogRecord) {
	attempts := e.LogAttempts
	if attempts <= 0 {
		attempts = DefaultLogAttempts
	}
	delay := e.LogRetryDelay
	if delay <= 0 {
		delay = DefaultLogRetryDelay
	}

	actx := context.WithoutCancel(ctx)
	for i := 1; ; i++ {
		err := e.Log.Append(actx, rec)
		if err == nil {
			return
		}
		if i >= attempts {
			logger.Error("appending pass log, giving up", "err", err, "attempts", i)
			return
		}
		logger.Error("appending pass log, will retry", "err", err, "attempt", i, "delay", delay)
		if err := e.sleep(ctx, delay); err != nil {
			logger.Warn("abandoning pass log retry", "err", err)
			return
		}
	}
}

func (e *Engine) logger() *slog.Logger {
	l := e.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", "engine")
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if e.Sleep != nil {
		return e.Sleep(ctx, d)
	}
	return bsync.Sleep(ctx, d)
}
