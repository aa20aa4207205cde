package bsync

import (
	"context"
	"io"
	"time"
)

// FileInfo is the local metadata of one path, as sent to the remote daemon.
type FileInfo struct {
	// Mode is the raw POSIX st_mode, including the file-type bits.
	Mode    uint64
	Size    int64
	UID     int64
	GID     int64
	ModTime time.Time

	// Device is the device identifier (st_rdev) of a block or character device.
	Device int64
}

// FilenameIter is a single-pass sequence of paths.
// Next returns io.EOF after the last path.
type FilenameIter interface {
	Next() (string, error)
}

// FileSource supplies the files of a target.
// Methods other than Filenames must be safe for concurrent use by multiple workers.
// Errors satisfying errors.Is(err, fs.ErrNotExist) mean the path vanished,
// which a pass treats as benign.
type FileSource interface {
	// Filenames produces a fresh sequence of paths for one pass over t.
	Filenames(ctx context.Context, t *Target) (FilenameIter, error)

	// RequiredPaths are the paths that must appear in the sequence
	// for a pass over t to succeed.
	RequiredPaths(ctx context.Context, t *Target) ([]string, error)

	Stat(t *Target, path string) (FileInfo, error)
	Readlink(t *Target, path string) (string, error)
	Open(t *Target, path string) (io.ReadCloser, error)

	// ServerPath converts a local path to the form the remote daemon expects.
	ServerPath(t *Target, path string) string
}

// Hooks bracket a pass.
// PreBackup and Init run first.
// Cleanup follows every successful Init,
// and PostBackup follows Cleanup only after a pass that neither failed nor was abandoned.
type Hooks interface {
	PreBackup(ctx context.Context, t *Target) error
	Init(ctx context.Context, t *Target) error
	Cleanup(ctx context.Context, t *Target) error
	PostBackup(ctx context.Context, t *Target) error
}

// Environment is everything a pass needs from the source host.
type Environment interface {
	FileSource
	Hooks

	// BatchSize is the number of entries per protocol batch.
	BatchSize(t *Target) int

	// DBServers lists the database servers replicated alongside t.
	// It is consulted only for failover targets.
	DBServers(ctx context.Context, t *Target) ([]DBServer, error)

	// DefaultSourceAddr is the local address used when a target names none.
	DefaultSourceAddr() string
}

// Host describes the source host.
type Host struct {
	Name string

	// FailoverParent is the host this one fails over onto, if any.
	FailoverParent string
}

// Registry is the source of targets and their configuration.
// It must be safe for concurrent use.
type Registry interface {
	ThisHost(context.Context) (Host, error)

	// Targets lists the targets replicated from this host.
	Targets(context.Context) ([]*Target, error)

	// Target produces the latest snapshot of a target,
	// or ErrNotFound if it was removed.
	Target(context.Context, TargetID) (*Target, error)

	// Access obtains the address and key for one pass to a target.
	Access(context.Context, TargetID) (Access, error)

	// Watch produces a channel that receives a value
	// (coalesced, never blocking the sender)
	// whenever the set of targets or their configuration may have changed.
	// The channel is closed when ctx is canceled.
	Watch(ctx context.Context) <-chan struct{}
}

// RunNowSource is a Registry that can also relay run-now requests
// made by another process.
type RunNowSource interface {
	// TakeRunNow removes and returns the pending run-now requests.
	TakeRunNow(context.Context) ([]TargetID, error)
}

// PassLog is the durable, append-only record of passes.
// It must be safe for concurrent use.
type PassLog interface {
	Append(context.Context, PassLogRecord) error

	// Latest produces the most recent record for a target,
	// or ErrNotFound if there is none.
	Latest(context.Context, TargetID) (*PassLogRecord, error)

	// List calls f for up to limit records of a target, newest first.
	// A limit of zero or less means no limit.
	List(ctx context.Context, id TargetID, limit int, f func(PassLogRecord) error) error
}

// Dialer opens a fresh connection to a remote daemon.
// Closing the connection must unblock any read or write in progress.
type Dialer interface {
	Dial(ctx context.Context, access Access, sourceAddr string) (io.ReadWriteCloser, error)
}
