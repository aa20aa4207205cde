// Package pg implements a pass log in a Postgresql database.
package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/bobg/sqlutil"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/bobg/bsync"
	"github.com/bobg/bsync/passlog"
)

var _ bsync.PassLog = &Log{}

// Log is a Postgresql-based pass log.
type Log struct {
	db *sql.DB
}

// Schema is the SQL that New executes.
// It creates the `passes` table if it does not exist.
// (If it does exist, it must have the columns described here.)
const Schema = `
CREATE TABLE IF NOT EXISTS passes (
  id BIGSERIAL PRIMARY KEY,
  target BIGINT NOT NULL,
  started TIMESTAMP WITH TIME ZONE NOT NULL,
  ended TIMESTAMP WITH TIME ZONE NOT NULL,
  scanned BIGINT NOT NULL,
  updated BIGINT NOT NULL,
  bytes BIGINT NOT NULL,
  successful BOOLEAN NOT NULL
);

CREATE INDEX IF NOT EXISTS passes_target ON passes (target, id);
`

// New produces a new Log using `db` for storage.
func New(ctx context.Context, db *sql.DB) (*Log, error) {
	_, err := db.ExecContext(ctx, Schema)
	return &Log{db: db}, errors.Wrap(err, "creating schema")
}

// Append adds a record to the log.
func (l *Log) Append(ctx context.Context, rec bsync.PassLogRecord) error {
	const q = `INSERT INTO passes (target, started, ended, scanned, updated, bytes, successful) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := l.db.ExecContext(ctx, q, rec.Target, rec.Start, rec.End, rec.Scanned, rec.Updated, rec.Bytes, rec.Successful)
	return errors.Wrapf(err, "appending record for target %d", rec.Target)
}

// Latest produces the most recently appended record for a target.
func (l *Log) Latest(ctx context.Context, id bsync.TargetID) (*bsync.PassLogRecord, error) {
	var result *bsync.PassLogRecord
	err := l.List(ctx, id, 1, func(rec bsync.PassLogRecord) error {
		result = &rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, bsync.ErrNotFound
	}
	return result, nil
}

// List calls f for up to limit records of a target, newest first.
func (l *Log) List(ctx context.Context, id bsync.TargetID, limit int, f func(bsync.PassLogRecord) error) error {
	const q = `SELECT started, ended, scanned, updated, bytes, successful FROM passes WHERE target = $1 ORDER BY id DESC LIMIT $2`

	// LIMIT NULL is no limit.
	var lim sql.NullInt64
	if limit > 0 {
		lim = sql.NullInt64{Int64: int64(limit), Valid: true}
	}
	return sqlutil.ForQueryRows(ctx, l.db, q, id, lim, func(start, end time.Time, scanned, updated, bytes int64, successful bool) error {
		return f(bsync.PassLogRecord{
			Target:     id,
			Start:      start,
			End:        end,
			Scanned:    scanned,
			Updated:    updated,
			Bytes:      bytes,
			Successful: successful,
		})
	})
}

func init() {
	passlog.Register("postgres", func(ctx context.Context, conf map[string]interface{}) (bsync.PassLog, error) {
		conn, ok := conf["conn"].(string)
		if !ok {
			return nil, errors.New(`missing "conn" parameter`)
		}
		db, err := sql.Open("postgres", conn)
		if err != nil {
			return nil, errors.Wrap(err, "opening db")
		}
		return New(ctx, db)
	})
}
