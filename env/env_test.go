package env

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/bobg/bsync"
	regmem "github.com/bobg/bsync/registry/mem"
)

func TestCreateUnknown(t *testing.T) {
	_, err := Create(context.Background(), "vms", Params{})
	if !errors.Is(err, ErrUnknown) {
		t.Errorf("got error %v, want %v", err, ErrUnknown)
	}
}

type fakeDB []bsync.DBServer

func (db fakeDB) DBServers(context.Context) ([]bsync.DBServer, error) {
	return db, nil
}

func TestBase(t *testing.T) {
	ctx := context.Background()
	reg := regmem.New(bsync.Host{})
	reg.SetFileSettings(1, []bsync.FileSetting{
		{Path: "/", Required: true},
		{Path: "/home/", Required: true},
		{Path: "/tmp/", Rule: bsync.RuleSkip},
		{Path: "/etc/passwd", Required: true},
	})
	target := &bsync.Target{ID: 1}

	b := &Base{P: Params{Settings: reg, SourceAddr: "10.1.1.1", DB: fakeDB{{Name: "mysql", Version: "5.7.44"}}}}

	required, err := b.RequiredPaths(ctx, target)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"/", "/home", "/etc/passwd"}, required); diff != "" {
		t.Errorf("required mismatch (-want +got):\n%s", diff)
	}

	servers, err := b.DBServers(ctx, target)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]bsync.DBServer{{Name: "mysql", Version: "5.7.44"}}, servers); diff != "" {
		t.Errorf("servers mismatch (-want +got):\n%s", diff)
	}
	if got := b.DefaultSourceAddr(); got != "10.1.1.1" {
		t.Errorf("got source address %q", got)
	}

	var empty Base
	if servers, err := empty.DBServers(ctx, target); err != nil || servers != nil {
		t.Errorf("got %v, %v from base without database", servers, err)
	}
	if required, err := empty.RequiredPaths(ctx, target); err != nil || required != nil {
		t.Errorf("got %v, %v from base without settings", required, err)
	}
}

func TestFileEnv(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "docs"), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "docs", "a.txt"), []byte("hello"), 0o600); err != nil {
		t.Fatal(err)
	}

	e, err := Create(context.Background(), "file", Params{Root: root})
	if err != nil {
		t.Fatal(err)
	}
	target := &bsync.Target{ID: 1}

	cases := []struct {
		path     string
		wantMode uint64
		wantSize int64
	}{
		{path: "/", wantMode: bsync.ModeDirectory | 0o750},
		{path: "/docs/", wantMode: bsync.ModeDirectory | 0o750},
		{path: "/docs/a.txt", wantMode: bsync.ModeRegular | 0o640, wantSize: 5},
	}
	for _, c := range cases {
		info, err := e.Stat(target, c.path)
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode != c.wantMode || info.Size != c.wantSize || info.UID != 0 || info.GID != 0 {
			t.Errorf("%s: got %+v", c.path, info)
		}
	}

	if _, err := e.Readlink(target, "/docs/a.txt"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("got error %v from readlink, want %v", err, ErrUnsupported)
	}

	if _, err := Create(context.Background(), "file", Params{}); err == nil {
		t.Error("created file environment without root")
	}
}
