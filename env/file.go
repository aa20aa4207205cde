package env

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/bobg/bsync"
	"github.com/bobg/bsync/env/walk"
)

// FileEnv is an environment for hosts without POSIX attributes.
// It follows symlinks,
// synthesizes the mode of regular files (0640) and directories (0750),
// reports every other kind of file with mode 0,
// and reports every file as owned by uid and gid 0.
type FileEnv struct {
	Base
}

var _ bsync.Environment = &FileEnv{}

// NewFileEnv produces a FileEnv.
func NewFileEnv(p Params) *FileEnv {
	return &FileEnv{Base: Base{P: p}}
}

func (e *FileEnv) local(path string) string {
	return filepath.Join(e.P.Root, filepath.FromSlash(walk.FSName(path)))
}

func (e *FileEnv) Filenames(ctx context.Context, t *bsync.Target) (bsync.FilenameIter, error) {
	settings, err := e.FileSettings(ctx, t)
	if err != nil {
		return nil, err
	}
	return walk.New(os.DirFS(e.P.Root), walk.NewRules(settings)), nil
}

func (e *FileEnv) Stat(_ *bsync.Target, path string) (bsync.FileInfo, error) {
	info, err := os.Stat(e.local(path))
	if err != nil {
		return bsync.FileInfo{}, err
	}
	fi := bsync.FileInfo{ModTime: info.ModTime()}
	switch {
	case info.IsDir():
		fi.Mode = bsync.ModeDirectory | 0o750
	case info.Mode().IsRegular():
		fi.Mode = bsync.ModeRegular | 0o640
		fi.Size = info.Size()
	}
	return fi, nil
}

func (e *FileEnv) Readlink(_ *bsync.Target, path string) (string, error) {
	return "", unsupported("readlink", path)
}

func (e *FileEnv) Open(_ *bsync.Target, path string) (io.ReadCloser, error) {
	f, err := os.Open(e.local(path))
	if err != nil {
		return nil, err
	}
	return f, nil
}

func init() {
	Register("file", func(_ context.Context, p Params) (bsync.Environment, error) {
		if p.Root == "" {
			return nil, errors.New("no root directory")
		}
		return NewFileEnv(p), nil
	})
}
