package daemon

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/bobg/bsync"
)

// StartRetryInterval is the delay between failed initial reconciliations.
const StartRetryInterval = time.Minute

// Supervisor owns the workers of all of a host's targets.
type Supervisor struct {
	opts Options

	mu      sync.Mutex
	ctx     context.Context // workers' parent; nil when not started
	cancel  context.CancelFunc
	done    chan struct{}
	workers map[bsync.TargetID]*Worker
}

// NewSupervisor produces a stopped Supervisor.
func NewSupervisor(opts Options) *Supervisor {
	return &Supervisor{
		opts:    opts,
		workers: make(map[bsync.TargetID]*Worker),
	}
}

// Start starts a worker for each target in the registry
// and then follows the registry's changes until Stop is called or ctx is canceled.
// It does not block.
// If the first reconciliation fails it is retried every StartRetryInterval.
// Start is a no-op if the supervisor is already started.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(s.ctx, s.done)
}

func (s *Supervisor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	logger := s.opts.logger().With("component", "supervisor")

	// Subscribe first so no change between the reconciliation and the loop is missed.
	changes := s.opts.Registry.Watch(ctx)

	for {
		err := s.Reconcile(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return
		}
		logger.Error("starting workers, will retry", "err", err, "delay", StartRetryInterval)
		if err := s.opts.sleep(ctx, StartRetryInterval); err != nil || ctx.Err() != nil {
			return
		}
	}
	s.takeRunNow(ctx, logger)

	for range changes {
		if ctx.Err() != nil {
			return
		}
		if err := s.Reconcile(ctx); err != nil && ctx.Err() == nil {
			logger.Error("reconciling workers", "err", err)
		}
		s.takeRunNow(ctx, logger)
	}
}

// takeRunNow relays run-now requests recorded in the registry by another process.
func (s *Supervisor) takeRunNow(ctx context.Context, logger *slog.Logger) {
	src, ok := s.opts.Registry.(bsync.RunNowSource)
	if !ok {
		return
	}
	ids, err := src.TakeRunNow(ctx)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("taking run-now requests", "err", err)
		}
		return
	}
	for _, id := range ids {
		s.RunNow(id)
	}
}

// Reconcile starts a worker for each target that lacks one,
// and stops and joins the worker of each target no longer in the registry.
// It is called automatically on every registry change.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	targets, err := s.opts.Registry.Targets(ctx)
	if err != nil {
		return errors.Wrap(err, "listing targets")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Ignore changes arriving after Stop.
	if s.ctx == nil {
		return nil
	}

	logger := s.opts.logger().With("component", "supervisor")

	seen := make(map[bsync.TargetID]bool, len(targets))
	for _, t := range targets {
		seen[t.ID] = true
		if _, ok := s.workers[t.ID]; ok {
			continue
		}
		logger.Debug("starting worker", "target", t.ID)
		w := NewWorker(t.ID, &s.opts)
		s.workers[t.ID] = w
		w.Start(s.ctx)
	}

	var removed []*Worker
	for id, w := range s.workers {
		if seen[id] {
			continue
		}
		logger.Debug("stopping worker", "target", id)
		w.Stop()
		removed = append(removed, w)
		delete(s.workers, id)
	}
	joinAll(removed)
	return nil
}

// Stop stops every worker, including any passes in progress,
// and waits for them all to exit.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.ctx == nil {
		s.mu.Unlock()
		return
	}
	s.cancel()
	done := s.done
	s.ctx, s.cancel, s.done = nil, nil, nil

	workers := make([]*Worker, 0, len(s.workers))
	for _, w := range s.workers {
		w.Stop()
		workers = append(workers, w)
	}
	s.workers = make(map[bsync.TargetID]*Worker)
	s.mu.Unlock()

	<-done
	joinAll(workers)
}

// RunNow asks the worker of the given target for an immediate pass.
// It reports whether there is such a worker.
func (s *Supervisor) RunNow(id bsync.TargetID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[id]
	if !ok {
		return false
	}
	w.RunNow()
	return true
}

// Targets lists the targets that have workers.
func (s *Supervisor) Targets() []bsync.TargetID {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]bsync.TargetID, 0, len(s.workers))
	for id := range s.workers {
		result = append(result, id)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

func joinAll(workers []*Worker) {
	var g errgroup.Group
	for _, w := range workers {
		w := w
		g.Go(func() error {
			w.Join()
			return nil
		})
	}
	_ = g.Wait()
}
