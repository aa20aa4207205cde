// Package mem implements an in-memory target registry.
package mem

import (
	"context"
	"sort"
	"sync"

	"github.com/bobg/bsync"
)

var (
	_ bsync.Registry       = &Registry{}
	_ bsync.RunNowSource   = &Registry{}
	_ bsync.SettingsSource = &Registry{}
)

// Registry is a memory-based implementation of a target registry.
// Every change notifies the watchers.
type Registry struct {
	mu       sync.Mutex
	host     bsync.Host
	targets  map[bsync.TargetID]*bsync.Target
	access   map[bsync.TargetID]bsync.Access
	settings map[bsync.TargetID][]bsync.FileSetting
	runNow   []bsync.TargetID
	watchers map[chan struct{}]struct{}
}

// New produces a new Registry for the given host.
func New(host bsync.Host) *Registry {
	return &Registry{
		host:     host,
		targets:  make(map[bsync.TargetID]*bsync.Target),
		access:   make(map[bsync.TargetID]bsync.Access),
		settings: make(map[bsync.TargetID][]bsync.FileSetting),
		watchers: make(map[chan struct{}]struct{}),
	}
}

func (r *Registry) ThisHost(context.Context) (bsync.Host, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.host, nil
}

// SetHost replaces the host description.
func (r *Registry) SetHost(h bsync.Host) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.host = h
	r.notify()
}

// Targets lists the targets in ID order.
func (r *Registry) Targets(context.Context) ([]*bsync.Target, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]*bsync.Target, 0, len(r.targets))
	for _, t := range r.targets {
		result = append(result, t.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (r *Registry) Target(_ context.Context, id bsync.TargetID) (*bsync.Target, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.targets[id]; ok {
		return t.Clone(), nil
	}
	return nil, bsync.ErrNotFound
}

func (r *Registry) Access(_ context.Context, id bsync.TargetID) (bsync.Access, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.access[id]; ok {
		return a, nil
	}
	return bsync.Access{}, bsync.ErrNotFound
}

// Put adds or replaces a target.
func (r *Registry) Put(t *bsync.Target, a bsync.Access) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[t.ID] = t.Clone()
	r.access[t.ID] = a
	r.notify()
}

// Update applies f to a stored target.
func (r *Registry) Update(id bsync.TargetID, f func(*bsync.Target)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.targets[id]
	if !ok {
		return bsync.ErrNotFound
	}
	f(t)
	r.notify()
	return nil
}

// Remove removes a target.
func (r *Registry) Remove(id bsync.TargetID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.targets, id)
	delete(r.access, id)
	delete(r.settings, id)
	r.notify()
}

func (r *Registry) FileSettings(_ context.Context, id bsync.TargetID) ([]bsync.FileSetting, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bsync.FileSetting(nil), r.settings[id]...), nil
}

// SetFileSettings replaces a target's file settings.
func (r *Registry) SetFileSettings(id bsync.TargetID, settings []bsync.FileSetting) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings[id] = append([]bsync.FileSetting(nil), settings...)
	r.notify()
}

// RequestRunNow records a run-now request for TakeRunNow.
func (r *Registry) RequestRunNow(id bsync.TargetID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runNow = append(r.runNow, id)
	r.notify()
}

func (r *Registry) TakeRunNow(context.Context) ([]bsync.TargetID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.runNow
	r.runNow = nil
	return ids, nil
}

func (r *Registry) Watch(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)

	r.mu.Lock()
	r.watchers[ch] = struct{}{}
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(r.watchers, ch)
		r.mu.Unlock()
		close(ch)
	}()
	return ch
}

// Caller must obtain a lock.
func (r *Registry) notify() {
	for ch := range r.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
