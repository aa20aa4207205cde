// Package env holds the registry of source-host environments
// and the behavior they share.
//
// Environments register themselves by name in their init functions;
// the daemon creates the one named on its command line.
package env

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/bobg/bsync"
)

// Params configure an environment.
type Params struct {
	// Root is the local directory that corresponds to "/" on the wire.
	Root string

	BatchSize  int
	SourceAddr string

	// StatCache is the number of attribute lookups an environment may cache.
	StatCache int

	// Settings supplies per-target rules and required paths. It may be nil.
	Settings bsync.SettingsSource

	// DB supplies the database servers replicated in failover mode. It may be nil.
	DB DBLister

	Logger *slog.Logger
}

// DBLister lists co-replicated database servers.
type DBLister interface {
	DBServers(context.Context) ([]bsync.DBServer, error)
}

// Factory creates an environment.
type Factory func(context.Context, Params) (bsync.Environment, error)

var registry = make(map[string]Factory)

func Register(key string, f Factory) {
	registry[key] = f
}

// ErrUnknown is the error Create returns for an unregistered name.
var ErrUnknown = errors.New("unknown environment")

func Create(ctx context.Context, key string, p Params) (bsync.Environment, error) {
	f, ok := registry[key]
	if !ok {
		return nil, errors.Wrapf(ErrUnknown, "%s (have %s)", key, strings.Join(Names(), ", "))
	}
	return f(ctx, p)
}

// Names lists the registered environments.
func Names() []string {
	var result []string
	for k := range registry {
		result = append(result, k)
	}
	sort.Strings(result)
	return result
}

// Base is the part of an environment that does not depend on the local filesystem.
// Its hooks do nothing.
type Base struct {
	P Params
}

func (b *Base) PreBackup(context.Context, *bsync.Target) error  { return nil }
func (b *Base) Init(context.Context, *bsync.Target) error       { return nil }
func (b *Base) Cleanup(context.Context, *bsync.Target) error    { return nil }
func (b *Base) PostBackup(context.Context, *bsync.Target) error { return nil }

func (b *Base) BatchSize(*bsync.Target) int {
	return b.P.BatchSize
}

func (b *Base) DefaultSourceAddr() string {
	return b.P.SourceAddr
}

func (b *Base) DBServers(ctx context.Context, _ *bsync.Target) ([]bsync.DBServer, error) {
	if b.P.DB == nil {
		return nil, nil
	}
	return b.P.DB.DBServers(ctx)
}

// ServerPath maps a walked path, which is already slash-separated, to the wire.
func (b *Base) ServerPath(_ *bsync.Target, path string) string {
	return bsync.ServerPath(path, '/')
}

// FileSettings gets the settings of t, if there is a settings source.
func (b *Base) FileSettings(ctx context.Context, t *bsync.Target) ([]bsync.FileSetting, error) {
	if b.P.Settings == nil {
		return nil, nil
	}
	settings, err := b.P.Settings.FileSettings(ctx, t.ID)
	return settings, errors.Wrapf(err, "getting file settings of target %d", t.ID)
}

// RequiredPaths lists the paths of t's required settings,
// without any trailing slash.
func (b *Base) RequiredPaths(ctx context.Context, t *bsync.Target) ([]string, error) {
	settings, err := b.FileSettings(ctx, t)
	if err != nil {
		return nil, err
	}
	var result []string
	for _, s := range settings {
		if !s.Required {
			continue
		}
		p := s.Path
		if len(p) > 1 {
			p = strings.TrimSuffix(p, "/")
		}
		result = append(result, p)
	}
	return result, nil
}

func (b *Base) Logger() *slog.Logger {
	l := b.P.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", "environment")
}

// ErrUnsupported is returned for operations an environment cannot perform.
var ErrUnsupported = errors.New("not supported")

func unsupported(op, path string) error {
	return errors.Wrap(ErrUnsupported, fmt.Sprintf("%s %s", op, path))
}
