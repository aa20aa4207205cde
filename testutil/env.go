package testutil

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"strings"
	"sync"

	"github.com/bobg/bsync"
)

// EnvFile is one path of an Env.
type EnvFile struct {
	Info bsync.FileInfo
	Data []byte
	Link string
}

// Env is an in-memory bsync.Environment.
// Paths are walked in the order of Order.
// A path in Order but not in Files is reported as vanished.
type Env struct {
	Files    map[string]*EnvFile
	Order    []string
	Required []string
	Batch    int
	Servers  []bsync.DBServer
	Source   string

	// Hook errors.
	PreErr, InitErr, CleanupErr, PostErr error

	mu    sync.Mutex
	calls []string
}

var _ bsync.Environment = &Env{}

// NewEnv produces an empty Env.
func NewEnv() *Env {
	return &Env{Files: make(map[string]*EnvFile)}
}

// Add adds a path to the end of the walk.
func (e *Env) Add(path string, f EnvFile) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Files[path] = &f
	e.Order = append(e.Order, path)
}

// AddRegular adds a regular file with the given contents.
func (e *Env) AddRegular(path string, data []byte, info bsync.FileInfo) {
	info.Mode |= bsync.ModeRegular
	info.Size = int64(len(data))
	e.Add(path, EnvFile{Info: info, Data: data})
}

// Calls lists the hooks that ran, in order.
func (e *Env) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *Env) call(name string, err error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, name)
	return err
}

func (e *Env) PreBackup(context.Context, *bsync.Target) error  { return e.call("pre", e.PreErr) }
func (e *Env) Init(context.Context, *bsync.Target) error       { return e.call("init", e.InitErr) }
func (e *Env) Cleanup(context.Context, *bsync.Target) error    { return e.call("cleanup", e.CleanupErr) }
func (e *Env) PostBackup(context.Context, *bsync.Target) error { return e.call("post", e.PostErr) }

func (e *Env) Filenames(context.Context, *bsync.Target) (bsync.FilenameIter, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return &sliceIter{paths: append([]string(nil), e.Order...)}, nil
}

func (e *Env) RequiredPaths(context.Context, *bsync.Target) ([]string, error) {
	return e.Required, nil
}

func (e *Env) lookup(op, path string) (*EnvFile, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.Files[strings.TrimSuffix(path, "/")]
	if !ok {
		f, ok = e.Files[path]
	}
	if !ok {
		return nil, &fs.PathError{Op: op, Path: path, Err: fs.ErrNotExist}
	}
	return f, nil
}

func (e *Env) Stat(_ *bsync.Target, path string) (bsync.FileInfo, error) {
	f, err := e.lookup("lstat", path)
	if err != nil {
		return bsync.FileInfo{}, err
	}
	return f.Info, nil
}

func (e *Env) Readlink(_ *bsync.Target, path string) (string, error) {
	f, err := e.lookup("readlink", path)
	if err != nil {
		return "", err
	}
	return f.Link, nil
}

func (e *Env) Open(_ *bsync.Target, path string) (io.ReadCloser, error) {
	f, err := e.lookup("open", path)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(f.Data)), nil
}

func (e *Env) ServerPath(_ *bsync.Target, path string) string {
	return bsync.ServerPath(path, '/')
}

func (e *Env) BatchSize(*bsync.Target) int {
	return e.Batch
}

func (e *Env) DBServers(context.Context, *bsync.Target) ([]bsync.DBServer, error) {
	return e.Servers, nil
}

func (e *Env) DefaultSourceAddr() string {
	return e.Source
}

type sliceIter struct {
	paths []string
}

func (s *sliceIter) Next() (string, error) {
	if len(s.paths) == 0 {
		return "", io.EOF
	}
	p := s.paths[0]
	s.paths = s.paths[1:]
	return p, nil
}
