package daemon

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/bobg/bsync"
	"github.com/bobg/bsync/engine"
	"github.com/bobg/bsync/schedule"
)

const (
	// CheckInterval is the sleep between schedule checks.
	CheckInterval = 55 * time.Second

	// A failed pass is followed by a sleep of MinBackoff plus up to BackoffJitter.
	MinBackoff    = 5 * time.Minute
	BackoffJitter = 10 * time.Minute
)

// Passer runs one pass. It is satisfied by *engine.Engine.
type Passer interface {
	Pass(context.Context, *bsync.Target) (*engine.Result, error)
}

// Options are shared by a Supervisor and its workers.
type Options struct {
	Registry bsync.Registry
	Log      bsync.PassLog
	Passer   Passer
	Logger   *slog.Logger

	// Now defaults to time.Now.
	Now func() time.Time

	// Sleep defaults to bsync.Sleep.
	Sleep func(context.Context, time.Duration) error

	// Rand produces a value in [0,n). It defaults to rand.Int63n.
	Rand func(n int64) int64
}

func (o *Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o *Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Options) sleep(ctx context.Context, d time.Duration) error {
	if o.Sleep != nil {
		return o.Sleep(ctx, d)
	}
	return bsync.Sleep(ctx, d)
}

func (o *Options) rand(n int64) int64 {
	if o.Rand != nil {
		return o.Rand(n)
	}
	return rand.Int63n(n)
}

// Worker owns the replication of one target.
type Worker struct {
	id   bsync.TargetID
	opts *Options

	mu      sync.Mutex
	cur     *generation // nil when stopped
	stopped *generation // the most recently stopped run
}

// A generation is one run of a worker's loop,
// from Start to the exit that follows Stop.
// A run-now request belongs to the generation it was made to,
// so a stopped loop that has not yet exited cannot consume it.
type generation struct {
	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}
	runNow bool // guarded by Worker.mu
}

// NewWorker produces a stopped Worker for the given target.
func NewWorker(id bsync.TargetID, opts *Options) *Worker {
	return &Worker{id: id, opts: opts}
}

// Start starts the worker's loop if it is not already running.
// The loop also stops when ctx is canceled.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cur != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	g := &generation{
		cancel: cancel,
		done:   make(chan struct{}),
		wake:   make(chan struct{}, 1),
	}
	w.cur = g
	go w.run(ctx, g)
}

// Stop cancels the running loop, if any, including any pass in progress.
// It does not wait for the loop to exit; see Join.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cur == nil {
		return
	}
	w.cur.cancel()
	w.cur.runNow = false
	w.stopped = w.cur
	w.cur = nil
}

// Join waits until the most recently stopped loop has exited
// and released its connection.
func (w *Worker) Join() {
	w.mu.Lock()
	g := w.stopped
	w.mu.Unlock()

	if g != nil {
		<-g.done
	}
}

// RunNow requests a pass at the next check,
// cutting short the sleep before it.
// It is a no-op if the worker is not running.
func (w *Worker) RunNow() {
	w.mu.Lock()
	defer w.mu.Unlock()

	g := w.cur
	if g == nil {
		return
	}
	g.runNow = true
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

// Running tells whether the worker's loop is running.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cur != nil
}

func (w *Worker) pendingRunNow(g *generation) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return g.runNow
}

func (w *Worker) clearRunNow(g *generation) {
	w.mu.Lock()
	defer w.mu.Unlock()
	g.runNow = false
	select {
	case <-g.wake:
	default:
	}
}

func (w *Worker) run(ctx context.Context, g *generation) {
	defer close(g.done)

	logger := w.opts.logger().With("component", "worker", "target", w.id)
	logger.Debug("worker starting")
	defer logger.Debug("worker exiting")

	for {
		err := w.loop(ctx, g, logger)
		if ctx.Err() != nil {
			return
		}
		logger.Error("checking target", "err", err)
		if err := w.backoff(ctx, logger); err != nil {
			return
		}
	}
}

// loop runs checks until ctx is canceled
// or something other than a pass fails.
// The pass history is loaded from the pass log once
// and then kept from the outcome of the passes this loop runs.
func (w *Worker) loop(ctx context.Context, g *generation, logger *slog.Logger) error {
	history, err := w.history(ctx)
	if err != nil {
		return errors.Wrap(err, "loading pass history")
	}
	logger.Debug("loaded pass history", "last_start", history.LastStart, "last_successful", history.LastSuccessful)

	var check schedule.Check

	for {
		if err := w.wait(ctx, g); err != nil {
			return err
		}

		t, err := w.opts.Registry.Target(ctx, w.id)
		if errors.Is(err, bsync.ErrNotFound) {
			logger.Debug("target removed")
			w.clearRunNow(g)
			continue
		}
		if err != nil {
			return errors.Wrap(err, "getting target")
		}
		if !t.Enabled {
			logger.Debug("target disabled")
			w.clearRunNow(g)
			continue
		}

		host, err := w.opts.Registry.ThisHost(ctx)
		if err != nil {
			return errors.Wrap(err, "getting this host")
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		now := w.opts.now()
		d := schedule.Evaluate(now, schedule.Input{
			Target:         t,
			FailoverParent: host.FailoverParent,
			RunNow:         w.pendingRunNow(g),
			History:        history,
		}, &check)
		if d.Reason == schedule.FailoverParent {
			logger.Warn("refusing to replicate to this host's failover parent", "host", t.Host)
		} else {
			logger.Debug("checked schedule", "run", d.Run, "reason", d.Reason)
		}
		if !d.Run {
			w.clearRunNow(g)
			continue
		}

		history = bsync.PassHistory{LastStart: now}
		res, err := w.opts.Passer.Pass(ctx, t)
		w.clearRunNow(g)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil && res != nil {
			err = res.Err()
		}
		if err != nil {
			logger.Error("pass failed", "reason", d.Reason, "err", err)
			if err := w.backoff(ctx, logger); err != nil {
				return err
			}
			continue
		}
		history.LastSuccessful = true
	}
}

func (w *Worker) history(ctx context.Context) (bsync.PassHistory, error) {
	rec, err := w.opts.Log.Latest(ctx, w.id)
	if errors.Is(err, bsync.ErrNotFound) {
		return bsync.PassHistory{}, nil
	}
	if err != nil {
		return bsync.PassHistory{}, err
	}
	return bsync.History(rec), nil
}

// wait sleeps for CheckInterval unless a run-now request is pending or arrives.
func (w *Worker) wait(ctx context.Context, g *generation) error {
	if w.pendingRunNow(g) {
		return ctx.Err()
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-g.wake:
			cancel()
		case <-sctx.Done():
		}
	}()

	_ = w.opts.sleep(sctx, CheckInterval)
	return ctx.Err()
}

func (w *Worker) backoff(ctx context.Context, logger *slog.Logger) error {
	d := MinBackoff + time.Duration(w.opts.rand(int64(BackoffJitter)))
	logger.Debug("backing off after error", "delay", d)
	_ = w.opts.sleep(ctx, d)
	return ctx.Err()
}
