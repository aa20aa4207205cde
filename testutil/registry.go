package testutil

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/bobg/bsync"
)

// Registry permits testing a Registry implementation
// by comparing its contents with the targets it is known to hold.
// The ID absent must not belong to any target.
func Registry(ctx context.Context, t *testing.T, reg bsync.Registry, want []*bsync.Target, absent bsync.TargetID) {
	got, err := reg.Targets(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("targets mismatch (-want +got):\n%s", diff)
	}

	for _, w := range want {
		g, err := reg.Target(ctx, w.ID)
		if err != nil {
			t.Fatalf("target %d: %s", w.ID, err)
		}
		if diff := cmp.Diff(w, g, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("target %d mismatch (-want +got):\n%s", w.ID, diff)
		}

		// Snapshots must not alias the registry's state.
		g.Host = "changed"
		g2, err := reg.Target(ctx, w.ID)
		if err != nil {
			t.Fatal(err)
		}
		if g2.Host != w.Host {
			t.Errorf("target %d host changed via snapshot to %q", w.ID, g2.Host)
		}
	}

	if _, err := reg.Target(ctx, absent); !errors.Is(err, bsync.ErrNotFound) {
		t.Errorf("got error %v for absent target, want %v", err, bsync.ErrNotFound)
	}
}
