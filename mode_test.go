package bsync

import "testing"

func TestServerPath(t *testing.T) {
	cases := []struct {
		path string
		sep  byte
		want string
	}{
		{"/etc/passwd", '/', "/etc/passwd"},
		{"etc/passwd", '/', "/etc/passwd"},
		{"", '/', "/"},
		{`C:\Users\x`, '\\', "/C:/Users/x"},
		{`\boot.ini`, '\\', "/boot.ini"},
	}
	for _, c := range cases {
		if got := ServerPath(c.path, c.sep); got != c.want {
			t.Errorf("ServerPath(%q, %q) = %q, want %q", c.path, c.sep, got, c.want)
		}
	}
}

func TestModes(t *testing.T) {
	cases := []struct {
		mode                               uint64
		regular, dir, symlink, socket, dev bool
	}{
		{ModeRegular | 0o644, true, false, false, false, false},
		{ModeDirectory | 0o755, false, true, false, false, false},
		{ModeSymlink | 0o777, false, false, true, false, false},
		{ModeSocket | 0o755, false, false, false, true, false},
		{ModeCharDev | 0o600, false, false, false, false, true},
		{ModeBlockDev | 0o660, false, false, false, false, true},
		{ModeFIFO | 0o600, false, false, false, false, false},
	}
	for _, c := range cases {
		if IsRegular(c.mode) != c.regular || IsDirectory(c.mode) != c.dir || IsSymlink(c.mode) != c.symlink || IsSocket(c.mode) != c.socket || IsDevice(c.mode) != c.dev {
			t.Errorf("mode %o classified wrong", c.mode)
		}
	}
}
