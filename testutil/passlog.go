package testutil

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bobg/bsync"
)

// PassLog permits testing a PassLog implementation
// by appending records to it and reading them back.
// The log must start out empty.
func PassLog(ctx context.Context, t *testing.T, log bsync.PassLog) {
	var (
		t1 = time.Date(1977, 8, 5, 12, 0, 0, 0, time.UTC)
		t2 = t1.Add(time.Hour)
		t3 = t2.Add(time.Hour)

		r1 = bsync.PassLogRecord{Target: 1, Start: t1, End: t1.Add(time.Minute), Scanned: 10, Updated: 2, Bytes: 1000, Successful: true}
		r2 = bsync.PassLogRecord{Target: 1, Start: t2, End: t2.Add(time.Minute), Scanned: 11, Updated: 0, Bytes: 80, Successful: false}
		r3 = bsync.PassLogRecord{Target: 1, Start: t3, End: t3.Add(time.Second), Scanned: 11, Updated: 1, Bytes: 200, Successful: true}
		r4 = bsync.PassLogRecord{Target: 2, Start: t2, End: t3, Scanned: 5, Updated: 5, Bytes: 1 << 40, Successful: true}
	)

	if _, err := log.Latest(ctx, 1); !errors.Is(err, bsync.ErrNotFound) {
		t.Fatalf("got error %v from empty log, want %v", err, bsync.ErrNotFound)
	}

	for _, r := range []bsync.PassLogRecord{r1, r2, r4, r3} {
		if err := log.Append(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	cases := []struct {
		id    bsync.TargetID
		limit int
		want  []bsync.PassLogRecord
	}{
		{id: 1, limit: 0, want: []bsync.PassLogRecord{r3, r2, r1}},
		{id: 1, limit: 2, want: []bsync.PassLogRecord{r3, r2}},
		{id: 1, limit: 10, want: []bsync.PassLogRecord{r3, r2, r1}},
		{id: 2, limit: 0, want: []bsync.PassLogRecord{r4}},
		{id: 3, limit: 0},
	}

	for i, c := range cases {
		t.Run(fmt.Sprintf("case_%02d", i+1), func(t *testing.T) {
			var got []bsync.PassLogRecord
			err := log.List(ctx, c.id, c.limit, func(rec bsync.PassLogRecord) error {
				got = append(got, rec)
				return nil
			})
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(c.want, got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}

	latest, err := log.Latest(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(r3, *latest); diff != "" {
		t.Errorf("latest mismatch (-want +got):\n%s", diff)
	}

	// An error from the callback stops the listing.
	stop := errors.New("stop")
	var n int
	err = log.List(ctx, 1, 0, func(bsync.PassLogRecord) error {
		n++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Errorf("got error %v, want %v", err, stop)
	}
	if n != 1 {
		t.Errorf("callback called %d times, want 1", n)
	}
}
