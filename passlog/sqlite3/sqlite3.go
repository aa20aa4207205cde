// Package sqlite3 implements a pass log in a Sqlite3 database.
package sqlite3

import (
	"context"
	"database/sql"
	"time"

	"github.com/bobg/sqlutil"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/bobg/bsync"
	"github.com/bobg/bsync/passlog"
)

var _ bsync.PassLog = &Log{}

// Log is a Sqlite3-based pass log.
type Log struct {
	db *sql.DB
}

// Schema is the SQL that New executes.
// Records are ordered by id, which follows the order of appending.
const Schema = `
CREATE TABLE IF NOT EXISTS passes (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  target INTEGER NOT NULL,
  started TEXT NOT NULL,
  ended TEXT NOT NULL,
  scanned INTEGER NOT NULL,
  updated INTEGER NOT NULL,
  bytes INTEGER NOT NULL,
  successful INTEGER NOT NULL
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

	_, err := l.db.ExecContext(ctx, q, rec.Target, formatTime(rec.Start), formatTime(rec.End), rec.Scanned, rec.Updated, rec.Bytes, rec.Successful)
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

	if limit <= 0 {
		limit = -1
	}
	return sqlutil.ForQueryRows(ctx, l.db, q, id, limit, func(startstr, endstr string, scanned, updated, bytes int64, successful bool) error {
		start, err := parseTime(startstr)
		if err != nil {
			return err
		}
		end, err := parseTime(endstr)
		if err != nil {
			return err
		}
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

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	return t, errors.Wrapf(err, "parsing time %s", s)
}

func init() {
	passlog.Register("sqlite3", func(ctx context.Context, conf map[string]interface{}) (bsync.PassLog, error) {
		conn, ok := conf["conn"].(string)
		if !ok {
			return nil, errors.New(`missing "conn" parameter`)
		}
		db, err := sql.Open("sqlite3", conn)
		if err != nil {
			return nil, errors.Wrap(err, "opening db")
		}
		return New(ctx, db)
	})
}
