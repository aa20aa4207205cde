// Package logging implements a pass log that delegates everything to a nested pass log,
// logging operations as they happen.
package logging

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/bobg/bsync"
	"github.com/bobg/bsync/passlog"
)

var _ bsync.PassLog = &Log{}

type Log struct {
	l      bsync.PassLog
	logger *slog.Logger
}

// New wraps l.
// A nil logger means slog.Default().
func New(l bsync.PassLog, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{l: l, logger: logger.With("component", "passlog")}
}

func (l *Log) Append(ctx context.Context, rec bsync.PassLogRecord) error {
	err := l.l.Append(ctx, rec)
	if err != nil {
		l.logger.Error("Append", "target", rec.Target, "err", err)
	} else {
		l.logger.Info("Append", "target", rec.Target, "start", rec.Start, "successful", rec.Successful)
	}
	return err
}

func (l *Log) Latest(ctx context.Context, id bsync.TargetID) (*bsync.PassLogRecord, error) {
	rec, err := l.l.Latest(ctx, id)
	switch {
	case errors.Is(err, bsync.ErrNotFound):
		l.logger.Info("Latest: none", "target", id)
	case err != nil:
		l.logger.Error("Latest", "target", id, "err", err)
	default:
		l.logger.Info("Latest", "target", id, "start", rec.Start, "successful", rec.Successful)
	}
	return rec, err
}

func (l *Log) List(ctx context.Context, id bsync.TargetID, limit int, f func(bsync.PassLogRecord) error) error {
	l.logger.Info("List", "target", id, "limit", limit)
	return l.l.List(ctx, id, limit, func(rec bsync.PassLogRecord) error {
		err := f(rec)
		if err != nil {
			l.logger.Error("  in List", "target", id, "start", rec.Start, "err", err)
		} else {
			l.logger.Debug("  List", "target", id, "start", rec.Start)
		}
		return err
	})
}

func init() {
	passlog.Register("logging", func(ctx context.Context, conf map[string]interface{}) (bsync.PassLog, error) {
		nested, ok := conf["nested"].(map[string]interface{})
		if !ok {
			return nil, errors.New(`missing "nested" parameter`)
		}
		nestedType, ok := nested["type"].(string)
		if !ok {
			return nil, errors.New(`"nested" parameter missing "type"`)
		}
		nestedLog, err := passlog.Create(ctx, nestedType, nested)
		if err != nil {
			return nil, errors.Wrap(err, "creating nested pass log")
		}
		return New(nestedLog, nil), nil
	})
}
