// Package posix implements an environment for hosts with POSIX file attributes.
package posix

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/bobg/bsync"
	"github.com/bobg/bsync/env"
	"github.com/bobg/bsync/env/walk"
)

// DefaultStatCache is the stat cache size used when none is configured.
// It holds one default-sized batch.
const DefaultStatCache = 1000

// Env is an environment reading raw attributes with lstat.
// The most recent lookups are cached per target and path,
// so that the attributes sent with a batch entry
// are the ones consulted again when its data is sent;
// a target's entries are dropped at the end of its pass.
type Env struct {
	env.Base

	// Defaults are rules applied before each target's own settings.
	Defaults []bsync.FileSetting

	c *lru.Cache // statKey -> unix.Stat_t

	hits, misses atomic.Int64
}

type statKey struct {
	target bsync.TargetID
	path   string
}

var _ bsync.Environment = &Env{}

// New produces a new Env.
func New(p env.Params, defaults []bsync.FileSetting) (*Env, error) {
	size := p.StatCache
	if size <= 0 {
		size = DefaultStatCache
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, errors.Wrap(err, "creating stat cache")
	}
	if p.Root == "" {
		p.Root = "/"
	}
	return &Env{Base: env.Base{P: p}, Defaults: defaults, c: c}, nil
}

func (e *Env) local(path string) string {
	return filepath.Join(e.P.Root, filepath.FromSlash(walk.FSName(path)))
}

func (e *Env) Filenames(ctx context.Context, t *bsync.Target) (bsync.FilenameIter, error) {
	settings, err := e.FileSettings(ctx, t)
	if err != nil {
		return nil, err
	}
	return walk.New(os.DirFS(e.P.Root), walk.NewRules(e.Defaults, settings)), nil
}

func (e *Env) lstat(t *bsync.Target, path string) (*unix.Stat_t, error) {
	key := statKey{target: t.ID, path: path}
	if got, ok := e.c.Get(key); ok {
		e.hits.Add(1)
		return got.(*unix.Stat_t), nil
	}
	e.misses.Add(1)
	var st unix.Stat_t
	local := e.local(path)
	if err := unix.Lstat(local, &st); err != nil {
		return nil, &fs.PathError{Op: "lstat", Path: local, Err: err}
	}
	e.c.Add(key, &st)
	return &st, nil
}

func (e *Env) Stat(t *bsync.Target, path string) (bsync.FileInfo, error) {
	st, err := e.lstat(t, path)
	if err != nil {
		return bsync.FileInfo{}, err
	}
	return fileInfo(st), nil
}

func (e *Env) Readlink(_ *bsync.Target, path string) (string, error) {
	return os.Readlink(e.local(path))
}

func (e *Env) Open(_ *bsync.Target, path string) (io.ReadCloser, error) {
	f, err := os.Open(e.local(path))
	if err != nil {
		return nil, err
	}
	return f, nil
}

// CacheStats reports how many attribute lookups were served from the cache
// and how many needed an lstat.
func (e *Env) CacheStats() (hits, misses int64) {
	return e.hits.Load(), e.misses.Load()
}

// Cleanup drops the cached attributes of t.
func (e *Env) Cleanup(_ context.Context, t *bsync.Target) error {
	for _, k := range e.c.Keys() {
		if key, ok := k.(statKey); ok && key.target == t.ID {
			e.c.Remove(key)
		}
	}
	if e.P.Logger != nil {
		hits, misses := e.CacheStats()
		e.P.Logger.Debug("stat cache", "target", t.ID, "hits", hits, "misses", misses)
	}
	return nil
}

func init() {
	env.Register("posix", func(_ context.Context, p env.Params) (bsync.Environment, error) {
		return New(p, nil)
	})
	env.Register("linux", func(_ context.Context, p env.Params) (bsync.Environment, error) {
		return New(p, walk.LinuxDefaults())
	})
}
