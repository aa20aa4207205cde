package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bobg/bsync"
	"github.com/bobg/bsync/testutil"
)

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	err := withTestRegistry(ctx, func(r *Registry) error {
		want := []*bsync.Target{
			{
				ID:             1,
				Host:           "backup.example.com",
				RetentionDays:  7,
				UseCompression: true,
				Enabled:        true,
				BitRate:        8000000,
				Schedule: []bsync.ScheduleEntry{
					{Hour: 1, Minute: 30, Enabled: true},
					{Hour: 13, Minute: 0, Enabled: false},
				},
			},
			{
				ID:            2,
				Host:          "failover.example.com",
				RetentionDays: 1,
				SourceAddr:    "10.0.0.5",
			},
		}
		for i, tgt := range want {
			id, err := r.AddTarget(ctx, tgt, bsync.Access{Addr: tgt.Host + ":1234", Key: int64(i + 100)})
			if err != nil {
				return err
			}
			if id != tgt.ID {
				t.Errorf("got ID %d, want %d", id, tgt.ID)
			}
		}

		testutil.Registry(ctx, t, r, want, 3)

		a, err := r.Access(ctx, 2)
		if err != nil {
			return err
		}
		if diff := cmp.Diff(bsync.Access{Addr: "failover.example.com:1234", Key: 101}, a); diff != "" {
			t.Errorf("access mismatch (-want +got):\n%s", diff)
		}
		if _, err := r.Access(ctx, 3); !errors.Is(err, bsync.ErrNotFound) {
			t.Errorf("got %v for absent access, want %v", err, bsync.ErrNotFound)
		}

		err = r.Update(ctx, 1, func(tgt *bsync.Target) error {
			tgt.Enabled = false
			tgt.Schedule = tgt.Schedule[:1]
			return nil
		})
		if err != nil {
			return err
		}
		want[0].Enabled = false
		want[0].Schedule = want[0].Schedule[:1]

		if err := r.Remove(ctx, 2); err != nil {
			return err
		}
		testutil.Registry(ctx, t, r, want[:1], 2)

		if err := r.Remove(ctx, 2); !errors.Is(err, bsync.ErrNotFound) {
			t.Errorf("got %v removing absent target, want %v", err, bsync.ErrNotFound)
		}
		if err := r.Update(ctx, 2, func(*bsync.Target) error { return nil }); !errors.Is(err, bsync.ErrNotFound) {
			t.Errorf("got %v updating absent target, want %v", err, bsync.ErrNotFound)
		}

		// An ID is assigned when none is given.
		id, err := r.AddTarget(ctx, &bsync.Target{Host: "other.example.com", RetentionDays: 3}, bsync.Access{Addr: "other.example.com:1234"})
		if err != nil {
			return err
		}
		if id <= 1 {
			t.Errorf("got new ID %d", id)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestHost(t *testing.T) {
	ctx := context.Background()
	err := withTestRegistry(ctx, func(r *Registry) error {
		h, err := r.ThisHost(ctx)
		if err != nil {
			return err
		}
		if diff := cmp.Diff(bsync.Host{Name: "source.example.com"}, h); diff != "" {
			t.Errorf("host mismatch (-want +got):\n%s", diff)
		}

		for _, parent := range []string{"parent.example.com", "parent2.example.com"} {
			if err := r.SetHost(ctx, parent); err != nil {
				return err
			}
			h, err = r.ThisHost(ctx)
			if err != nil {
				return err
			}
			if diff := cmp.Diff(bsync.Host{Name: "source.example.com", FailoverParent: parent}, h); diff != "" {
				t.Errorf("host mismatch (-want +got):\n%s", diff)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestFileSettings(t *testing.T) {
	ctx := context.Background()
	err := withTestRegistry(ctx, func(r *Registry) error {
		settings := []bsync.FileSetting{
			{Path: "/var/lib/mysql/", Rule: bsync.RuleInclude, Required: true},
			{Path: "/tmp/", Prefix: true, Rule: bsync.RuleSkip},
			{Path: "/home/", Rule: bsync.RuleNoRecurse},
		}
		for _, s := range settings {
			if err := r.SetFileSetting(ctx, 1, s); err != nil {
				return err
			}
		}
		// Replaces the earlier setting.
		if err := r.SetFileSetting(ctx, 1, bsync.FileSetting{Path: "/home/", Rule: bsync.RuleInclude}); err != nil {
			return err
		}
		if err := r.SetFileSetting(ctx, 2, bsync.FileSetting{Path: "/", Rule: bsync.RuleSkip}); err != nil {
			return err
		}

		got, err := r.FileSettings(ctx, 1)
		if err != nil {
			return err
		}
		want := []bsync.FileSetting{
			{Path: "/home/", Rule: bsync.RuleInclude},
			{Path: "/tmp/", Prefix: true, Rule: bsync.RuleSkip},
			{Path: "/var/lib/mysql/", Rule: bsync.RuleInclude, Required: true},
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("settings mismatch (-want +got):\n%s", diff)
		}

		if err := r.RemoveFileSetting(ctx, 1, "/tmp/"); err != nil {
			return err
		}
		if err := r.RemoveFileSetting(ctx, 1, "/tmp/"); !errors.Is(err, bsync.ErrNotFound) {
			t.Errorf("got %v removing absent setting, want %v", err, bsync.ErrNotFound)
		}
		got, err = r.FileSettings(ctx, 1)
		if err != nil {
			return err
		}
		if len(got) != 2 {
			t.Errorf("got %d settings after removal, want 2", len(got))
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRunNow(t *testing.T) {
	ctx := context.Background()
	err := withTestRegistry(ctx, func(r *Registry) error {
		for _, id := range []bsync.TargetID{1, 2} {
			if _, err := r.AddTarget(ctx, &bsync.Target{ID: id, Host: "h", RetentionDays: 2}, bsync.Access{}); err != nil {
				return err
			}
		}
		for _, id := range []bsync.TargetID{2, 1, 2} {
			if err := r.RequestRunNow(ctx, id); err != nil {
				return err
			}
		}
		if err := r.RequestRunNow(ctx, 3); !errors.Is(err, bsync.ErrNotFound) {
			t.Errorf("got %v requesting absent target, want %v", err, bsync.ErrNotFound)
		}

		got, err := r.TakeRunNow(ctx)
		if err != nil {
			return err
		}
		if diff := cmp.Diff([]bsync.TargetID{1, 2}, got); diff != "" {
			t.Errorf("run-now mismatch (-want +got):\n%s", diff)
		}

		got, err = r.TakeRunNow(ctx)
		if err != nil {
			return err
		}
		if len(got) != 0 {
			t.Errorf("got %v after taking all requests", got)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := withTestRegistry(ctx, func(r *Registry) error {
		r.Poll = 10 * time.Millisecond
		ch := r.Watch(ctx)

		if _, err := r.AddTarget(ctx, &bsync.Target{Host: "h", RetentionDays: 2}, bsync.Access{}); err != nil {
			return err
		}
		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			t.Fatal("no change notification after adding a target")
		}

		cancel()
		for range ch {
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func withTestRegistry(ctx context.Context, fn func(*Registry) error) error {
	f, err := os.CreateTemp("", "bsyncsqlite3test")
	if err != nil {
		return err
	}

	tmpfile := f.Name()
	f.Close()
	defer os.Remove(tmpfile)

	db, err := sql.Open("sqlite3", tmpfile)
	if err != nil {
		return err
	}
	defer db.Close()

	r, err := New(ctx, db, "source.example.com")
	if err != nil {
		return err
	}

	return fn(r)
}
