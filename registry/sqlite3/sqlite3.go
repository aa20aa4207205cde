// Package sqlite3 implements a target registry in a Sqlite3 database.
package sqlite3

import (
	"context"
	"database/sql"
	stderrs "errors"
	"time"

	"github.com/bobg/sqlutil"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/bobg/bsync"
)

var (
	_ bsync.Registry       = &Registry{}
	_ bsync.RunNowSource   = &Registry{}
	_ bsync.SettingsSource = &Registry{}
)

// DefaultPoll is the default interval at which Watch looks for changes.
const DefaultPoll = 10 * time.Second

// Registry is a Sqlite3-based implementation of a target registry.
// It describes the targets of a single source host.
type Registry struct {
	db   *sql.DB
	host string

	// Poll is the interval at which Watch looks for changes.
	// It defaults to DefaultPoll.
	Poll time.Duration
}

// Schema is the SQL that New executes.
// Every change to the target configuration bumps the counter in the revision table,
// which is how Watch detects changes made by other processes.
const Schema = `
CREATE TABLE IF NOT EXISTS hosts (
  name TEXT PRIMARY KEY NOT NULL,
  failover_parent TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS targets (
  id INTEGER PRIMARY KEY,
  host TEXT NOT NULL,
  retention INTEGER NOT NULL,
  compression INTEGER NOT NULL DEFAULT 0,
  enabled INTEGER NOT NULL DEFAULT 1,
  source_addr TEXT NOT NULL DEFAULT '',
  bit_rate INTEGER NOT NULL DEFAULT 0,
  addr TEXT NOT NULL,
  key INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS schedules (
  target INTEGER NOT NULL,
  hour INTEGER NOT NULL,
  minute INTEGER NOT NULL,
  enabled INTEGER NOT NULL DEFAULT 1,
  PRIMARY KEY (target, hour, minute)
);

CREATE TABLE IF NOT EXISTS file_settings (
  target INTEGER NOT NULL,
  path TEXT NOT NULL,
  prefix INTEGER NOT NULL DEFAULT 0,
  rule TEXT NOT NULL,
  required INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (target, path)
);

CREATE TABLE IF NOT EXISTS run_now (
  target INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS revision (
  id INTEGER PRIMARY KEY CHECK (id = 0),
  n INTEGER NOT NULL
);

INSERT OR IGNORE INTO revision (id, n) VALUES (0, 0);

CREATE TRIGGER IF NOT EXISTS hosts_ins AFTER INSERT ON hosts BEGIN UPDATE revision SET n = n + 1; END;
CREATE TRIGGER IF NOT EXISTS hosts_upd AFTER UPDATE ON hosts BEGIN UPDATE revision SET n = n + 1; END;
CREATE TRIGGER IF NOT EXISTS targets_ins AFTER INSERT ON targets BEGIN UPDATE revision SET n = n + 1; END;
CREATE TRIGGER IF NOT EXISTS targets_upd AFTER UPDATE ON targets BEGIN UPDATE revision SET n = n + 1; END;
CREATE TRIGGER IF NOT EXISTS targets_del AFTER DELETE ON targets BEGIN UPDATE revision SET n = n + 1; END;
CREATE TRIGGER IF NOT EXISTS schedules_ins AFTER INSERT ON schedules BEGIN UPDATE revision SET n = n + 1; END;
CREATE TRIGGER IF NOT EXISTS schedules_del AFTER DELETE ON schedules BEGIN UPDATE revision SET n = n + 1; END;
CREATE TRIGGER IF NOT EXISTS file_settings_ins AFTER INSERT ON file_settings BEGIN UPDATE revision SET n = n + 1; END;
CREATE TRIGGER IF NOT EXISTS file_settings_upd AFTER UPDATE ON file_settings BEGIN UPDATE revision SET n = n + 1; END;
CREATE TRIGGER IF NOT EXISTS file_settings_del AFTER DELETE ON file_settings BEGIN UPDATE revision SET n = n + 1; END;
CREATE TRIGGER IF NOT EXISTS run_now_ins AFTER INSERT ON run_now BEGIN UPDATE revision SET n = n + 1; END;
`

// New produces a new Registry for the source host with the given name,
// using `db` for storage.
// It creates the tables in Schema if they do not already exist.
func New(ctx context.Context, db *sql.DB, host string) (*Registry, error) {
	_, err := db.ExecContext(ctx, Schema)
	return &Registry{db: db, host: host}, errors.Wrap(err, "creating schema")
}

// ThisHost produces the description of the source host.
// A host never described with SetHost has no failover parent.
func (r *Registry) ThisHost(ctx context.Context) (bsync.Host, error) {
	const q = `SELECT failover_parent FROM hosts WHERE name = $1`

	h := bsync.Host{Name: r.host}
	err := r.db.QueryRowContext(ctx, q, r.host).Scan(&h.FailoverParent)
	if stderrs.Is(err, sql.ErrNoRows) {
		return h, nil
	}
	return h, errors.Wrap(err, "querying host")
}

// SetHost records the failover parent of the source host.
func (r *Registry) SetHost(ctx context.Context, failoverParent string) error {
	const q = `INSERT INTO hosts (name, failover_parent) VALUES ($1, $2) ON CONFLICT (name) DO UPDATE SET failover_parent = excluded.failover_parent`

	_, err := r.db.ExecContext(ctx, q, r.host, failoverParent)
	return errors.Wrap(err, "updating host")
}

const targetCols = `id, host, retention, compression, enabled, source_addr, bit_rate`

func scanTarget(id int64, host string, retention int16, compression, enabled bool, sourceAddr string, bitRate int64) *bsync.Target {
	return &bsync.Target{
		ID:             bsync.TargetID(id),
		Host:           host,
		RetentionDays:  retention,
		UseCompression: compression,
		Enabled:        enabled,
		SourceAddr:     sourceAddr,
		BitRate:        bitRate,
	}
}

// Targets lists the targets in ID order.
func (r *Registry) Targets(ctx context.Context) ([]*bsync.Target, error) {
	const (
		q1 = `SELECT ` + targetCols + ` FROM targets ORDER BY id`
		q2 = `SELECT target, hour, minute, enabled FROM schedules ORDER BY target, hour, minute`
	)

	var (
		result []*bsync.Target
		byID   = make(map[bsync.TargetID]*bsync.Target)
	)
	err := sqlutil.ForQueryRows(ctx, r.db, q1, func(id int64, host string, retention int16, compression, enabled bool, sourceAddr string, bitRate int64) {
		t := scanTarget(id, host, retention, compression, enabled, sourceAddr, bitRate)
		result = append(result, t)
		byID[t.ID] = t
	})
	if err != nil {
		return nil, errors.Wrap(err, "querying targets")
	}
	err = sqlutil.ForQueryRows(ctx, r.db, q2, func(id int64, hour, minute int, enabled bool) {
		if t, ok := byID[bsync.TargetID(id)]; ok {
			t.Schedule = append(t.Schedule, bsync.ScheduleEntry{Hour: hour, Minute: minute, Enabled: enabled})
		}
	})
	return result, errors.Wrap(err, "querying schedules")
}

// Target produces the latest snapshot of a target.
func (r *Registry) Target(ctx context.Context, id bsync.TargetID) (*bsync.Target, error) {
	return r.target(ctx, r.db, id)
}

type queryer interface {
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

func (r *Registry) target(ctx context.Context, db queryer, id bsync.TargetID) (*bsync.Target, error) {
	const (
		q1 = `SELECT ` + targetCols + ` FROM targets WHERE id = $1`
		q2 = `SELECT hour, minute, enabled FROM schedules WHERE target = $1 ORDER BY hour, minute`
	)

	var (
		tid                  int64
		host, sourceAddr     string
		retention            int16
		compression, enabled bool
		bitRate              int64
	)
	err := db.QueryRowContext(ctx, q1, id).Scan(&tid, &host, &retention, &compression, &enabled, &sourceAddr, &bitRate)
	if stderrs.Is(err, sql.ErrNoRows) {
		return nil, bsync.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "querying target %d", id)
	}
	t := scanTarget(tid, host, retention, compression, enabled, sourceAddr, bitRate)

	err = sqlutil.ForQueryRows(ctx, db, q2, id, func(hour, minute int, enabled bool) {
		t.Schedule = append(t.Schedule, bsync.ScheduleEntry{Hour: hour, Minute: minute, Enabled: enabled})
	})
	return t, errors.Wrapf(err, "querying schedule of target %d", id)
}

// Access produces the address and key of a target's remote daemon.
func (r *Registry) Access(ctx context.Context, id bsync.TargetID) (bsync.Access, error) {
	const q = `SELECT addr, key FROM targets WHERE id = $1`

	var a bsync.Access
	err := r.db.QueryRowContext(ctx, q, id).Scan(&a.Addr, &a.Key)
	if stderrs.Is(err, sql.ErrNoRows) {
		return bsync.Access{}, bsync.ErrNotFound
	}
	return a, errors.Wrapf(err, "querying access for target %d", id)
}

// AddTarget adds a target and its schedule.
// If t.ID is zero a new ID is assigned.
// The ID of the added target is returned.
func (r *Registry) AddTarget(ctx context.Context, t *bsync.Target, a bsync.Access) (bsync.TargetID, error) {
	const q = `INSERT INTO targets (id, host, retention, compression, enabled, source_addr, bit_rate, addr, key) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	var id sql.NullInt64
	if t.ID != 0 {
		id = sql.NullInt64{Int64: int64(t.ID), Valid: true}
	}

	var result bsync.TargetID
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, q, id, t.Host, t.RetentionDays, t.UseCompression, t.Enabled, t.SourceAddr, t.BitRate, a.Addr, a.Key)
		if err != nil {
			return errors.Wrap(err, "inserting target")
		}
		n, err := res.LastInsertId()
		if err != nil {
			return errors.Wrap(err, "getting target ID")
		}
		result = bsync.TargetID(n)
		return writeSchedule(ctx, tx, result, t.Schedule)
	})
	return result, err
}

// Update applies f to the stored target with the given ID.
// Changes to the ID are ignored.
func (r *Registry) Update(ctx context.Context, id bsync.TargetID, f func(*bsync.Target) error) error {
	const q = `UPDATE targets SET host = $1, retention = $2, compression = $3, enabled = $4, source_addr = $5, bit_rate = $6 WHERE id = $7`

	return r.inTx(ctx, func(tx *sql.Tx) error {
		t, err := r.target(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := f(t); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, q, t.Host, t.RetentionDays, t.UseCompression, t.Enabled, t.SourceAddr, t.BitRate, id)
		if err != nil {
			return errors.Wrapf(err, "updating target %d", id)
		}
		return writeSchedule(ctx, tx, id, t.Schedule)
	})
}

// SetAccess replaces the address and key of a target's remote daemon.
func (r *Registry) SetAccess(ctx context.Context, id bsync.TargetID, a bsync.Access) error {
	const q = `UPDATE targets SET addr = $1, key = $2 WHERE id = $3`

	res, err := r.db.ExecContext(ctx, q, a.Addr, a.Key, id)
	if err != nil {
		return errors.Wrapf(err, "updating access for target %d", id)
	}
	return mustAffect(res)
}

// Remove removes a target with its schedule and file settings.
func (r *Registry) Remove(ctx context.Context, id bsync.TargetID) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM targets WHERE id = $1`, id)
		if err != nil {
			return errors.Wrapf(err, "deleting target %d", id)
		}
		if err := mustAffect(res); err != nil {
			return err
		}
		for _, q := range []string{
			`DELETE FROM schedules WHERE target = $1`,
			`DELETE FROM file_settings WHERE target = $1`,
			`DELETE FROM run_now WHERE target = $1`,
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return errors.Wrapf(err, "deleting from target %d", id)
			}
		}
		return nil
	})
}

func writeSchedule(ctx context.Context, tx *sql.Tx, id bsync.TargetID, sched []bsync.ScheduleEntry) error {
	const q = `INSERT INTO schedules (target, hour, minute, enabled) VALUES ($1, $2, $3, $4) ON CONFLICT (target, hour, minute) DO UPDATE SET enabled = excluded.enabled`

	if _, err := tx.ExecContext(ctx, `DELETE FROM schedules WHERE target = $1`, id); err != nil {
		return errors.Wrapf(err, "clearing schedule of target %d", id)
	}
	for _, e := range sched {
		if _, err := tx.ExecContext(ctx, q, id, e.Hour, e.Minute, e.Enabled); err != nil {
			return errors.Wrapf(err, "adding %02d:%02d to schedule of target %d", e.Hour, e.Minute, id)
		}
	}
	return nil
}

// FileSettings produces a target's file settings in path order.
func (r *Registry) FileSettings(ctx context.Context, id bsync.TargetID) ([]bsync.FileSetting, error) {
	const q = `SELECT path, prefix, rule, required FROM file_settings WHERE target = $1 ORDER BY path`

	var result []bsync.FileSetting
	err := sqlutil.ForQueryRows(ctx, r.db, q, id, func(path string, prefix bool, rulestr string, required bool) error {
		rule, ok := bsync.ParsePathRule(rulestr)
		if !ok {
			return errors.Errorf("unknown rule %q for %s", rulestr, path)
		}
		result = append(result, bsync.FileSetting{Path: path, Prefix: prefix, Rule: rule, Required: required})
		return nil
	})
	return result, errors.Wrapf(err, "querying file settings of target %d", id)
}

// SetFileSetting adds or replaces a target's setting for one path.
func (r *Registry) SetFileSetting(ctx context.Context, id bsync.TargetID, s bsync.FileSetting) error {
	const q = `INSERT INTO file_settings (target, path, prefix, rule, required) VALUES ($1, $2, $3, $4, $5)
    ON CONFLICT (target, path) DO UPDATE SET prefix = excluded.prefix, rule = excluded.rule, required = excluded.required`

	_, err := r.db.ExecContext(ctx, q, id, s.Path, s.Prefix, s.Rule.String(), s.Required)
	return errors.Wrapf(err, "setting %s for target %d", s.Path, id)
}

// RemoveFileSetting removes a target's setting for one path.
func (r *Registry) RemoveFileSetting(ctx context.Context, id bsync.TargetID, path string) error {
	const q = `DELETE FROM file_settings WHERE target = $1 AND path = $2`

	res, err := r.db.ExecContext(ctx, q, id, path)
	if err != nil {
		return errors.Wrapf(err, "removing %s for target %d", path, id)
	}
	return mustAffect(res)
}

// RequestRunNow records a request for an immediate pass over a target,
// to be picked up by TakeRunNow in the daemon process.
func (r *Registry) RequestRunNow(ctx context.Context, id bsync.TargetID) error {
	if _, err := r.Access(ctx, id); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO run_now (target) VALUES ($1)`, id)
	return errors.Wrapf(err, "requesting pass over target %d", id)
}

// TakeRunNow removes and returns the pending run-now requests.
func (r *Registry) TakeRunNow(ctx context.Context) ([]bsync.TargetID, error) {
	var result []bsync.TargetID
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		err := sqlutil.ForQueryRows(ctx, tx, `SELECT DISTINCT target FROM run_now ORDER BY target`, func(id int64) {
			result = append(result, bsync.TargetID(id))
		})
		if err != nil {
			return errors.Wrap(err, "querying run-now requests")
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM run_now`)
		return errors.Wrap(err, "clearing run-now requests")
	})
	return result, err
}

// Watch polls the revision counter every r.Poll.
func (r *Registry) Watch(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)

	poll := r.Poll
	if poll <= 0 {
		poll = DefaultPoll
	}

	last, _ := r.revision(ctx)

	go func() {
		defer close(ch)

		ticker := time.NewTicker(poll)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			n, err := r.revision(ctx)
			if err != nil || n == last {
				continue
			}
			last = n
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}()
	return ch
}

func (r *Registry) revision(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT n FROM revision WHERE id = 0`).Scan(&n)
	return n, err
}

func (r *Registry) inTx(ctx context.Context, f func(*sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	if err := f(tx); err != nil {
		tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "committing transaction")
}

func mustAffect(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "counting affected rows")
	}
	if n == 0 {
		return bsync.ErrNotFound
	}
	return nil
}
