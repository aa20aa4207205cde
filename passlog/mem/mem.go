// Package mem implements an in-memory pass log.
package mem

import (
	"context"
	"sync"

	"github.com/bobg/bsync"
	"github.com/bobg/bsync/passlog"
)

var _ bsync.PassLog = &Log{}

// Log is a memory-based implementation of a pass log.
type Log struct {
	mu      sync.Mutex
	records map[bsync.TargetID][]bsync.PassLogRecord
}

// New produces a new Log.
func New() *Log {
	return &Log{records: make(map[bsync.TargetID][]bsync.PassLogRecord)}
}

func (l *Log) Append(_ context.Context, rec bsync.PassLogRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[rec.Target] = append(l.records[rec.Target], rec)
	return nil
}

func (l *Log) Latest(_ context.Context, id bsync.TargetID) (*bsync.PassLogRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	recs := l.records[id]
	if len(recs) == 0 {
		return nil, bsync.ErrNotFound
	}
	rec := recs[len(recs)-1]
	return &rec, nil
}

func (l *Log) List(_ context.Context, id bsync.TargetID, limit int, f func(bsync.PassLogRecord) error) error {
	l.mu.Lock()
	recs := append([]bsync.PassLogRecord(nil), l.records[id]...)
	l.mu.Unlock()

	for i, n := len(recs)-1, 0; i >= 0 && (limit <= 0 || n < limit); i, n = i-1, n+1 {
		if err := f(recs[i]); err != nil {
			return err
		}
	}
	return nil
}

func init() {
	passlog.Register("mem", func(context.Context, map[string]interface{}) (bsync.PassLog, error) {
		return New(), nil
	})
}
