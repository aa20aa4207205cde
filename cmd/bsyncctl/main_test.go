package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bobg/subcmd"
	"github.com/google/go-cmp/cmp"
)

func TestCommands(t *testing.T) {
	var (
		ctx  = context.Background()
		dir  = t.TempDir()
		conf = filepath.Join(dir, "bsync.yaml")
	)
	err := os.WriteFile(conf, []byte(fmt.Sprintf("host: source.example.com\nregistry:\n  dsn: %[1]s/bsync.db\npasslog:\n  dsn: %[1]s/bsync.db\n", dir)), 0644)
	if err != nil {
		t.Fatal(err)
	}

	bsyncctl := func(args ...string) string {
		t.Helper()
		out := new(bytes.Buffer)
		if err := run(ctx, append([]string{"-config", conf}, args...), out); err != nil {
			t.Fatalf("%s: %s", strings.Join(args, " "), err)
		}
		return out.String()
	}

	bsyncctl("init", "-parent", "parent.example.com")
	if got := bsyncctl("add-target", "-host", "backup.example.com", "-addr", "backup.example.com:1234", "-key", "42", "-compression"); got != "1\n" {
		t.Errorf("got ID %q, want 1", got)
	}
	if got := bsyncctl("add-target", "-host", "f.example.com", "-addr", "f.example.com:1234", "-retention", "1", "-source", "10.0.0.5"); got != "2\n" {
		t.Errorf("got ID %q, want 2", got)
	}
	bsyncctl("schedule", "add", "-id", "1", "13:00", "01:30")
	bsyncctl("schedule", "add", "-id", "1", "-disabled", "02:00")
	bsyncctl("schedule", "rm", "-id", "1", "13:00")
	bsyncctl("rule", "-id", "1", "-rule", "include", "/etc/")
	bsyncctl("require", "-id", "1", "/etc/")
	bsyncctl("rule", "-id", "1", "-rule", "skip", "-prefix", "/tmp/")
	bsyncctl("rule", "-id", "1", "-rule", "no-recurse", "/home/")
	bsyncctl("rule", "-id", "1", "-rm", "/home/")
	bsyncctl("set", "-id", "1", "-enabled=false", "-bitrate", "1000")
	bsyncctl("run-now", "2")

	want := `host source.example.com (failover parent parent.example.com)
1 backup.example.com backup.example.com:1234 backup retention=7 enabled=false compression=true bitrate=1000
  at 01:30
  at 02:00 (disabled)
  include /etc/ (required)
  skip /tmp/*
2 f.example.com f.example.com:1234 failover retention=1 enabled=true compression=false bitrate=0 source=10.0.0.5
`
	if diff := cmp.Diff(want, bsyncctl("list")); diff != "" {
		t.Errorf("list mismatch (-want +got):\n%s", diff)
	}

	if got := bsyncctl("log", "-id", "1"); got != "" {
		t.Errorf("got log output %q for a target with no passes", got)
	}

	for _, args := range [][]string{
		{"bogus"},
		{"set", "-id", "3", "-enabled=false"},
		{"set", "-id", "1", "-retention", "0"},
		{"schedule", "rm", "-id", "1", "13:00"},
		{"schedule", "add", "-id", "1", "25:00"},
		{"rule", "-id", "1", "-rule", "bogus", "/x"},
		{"run-now", "3"},
		{"add-target", "-host", "h"},
		{"add-target", "-host", "h", "-addr", "h:1", "-retention", "x"},
		{"init", "-nosuch"},
		{"list", "extra"},
		{"schedule"},
		{"schedule", "add", "-id", "1"},
	} {
		if err := run(ctx, append([]string{"-config", conf}, args...), new(bytes.Buffer)); err == nil {
			t.Errorf("%s: got no error", strings.Join(args, " "))
		}
	}
}

func TestSubcommandErrors(t *testing.T) {
	var (
		ctx  = context.Background()
		dir  = t.TempDir()
		conf = filepath.Join(dir, "bsync.yaml")
	)
	err := os.WriteFile(conf, []byte(fmt.Sprintf("host: source.example.com\nregistry:\n  dsn: %s/bsync.db\n", dir)), 0644)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		args []string
		want error
	}{
		{args: nil, want: subcmd.ErrNoArgs},
		{args: []string{"bogus"}, want: subcmd.ErrUnknown},
		{args: []string{"schedule", "bogus"}, want: subcmd.ErrUnknown},
		{args: []string{"schedule"}, want: subcmd.ErrNoArgs},
	}
	for _, tc := range cases {
		t.Run(strings.Join(tc.args, "_"), func(t *testing.T) {
			err := run(ctx, append([]string{"-config", conf}, tc.args...), new(bytes.Buffer))
			if !errors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}
}
