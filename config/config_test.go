package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/bobg/bsync/mysqlinfo"
)

func TestDefaults(t *testing.T) {
	host, err := os.Hostname()
	if err != nil {
		t.Fatal(err)
	}

	got, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	want := &Config{
		Host:        host,
		Registry:    RegistryConfig{Type: "sqlite3", DSN: "bsync.db", Poll: 10 * time.Second},
		PassLog:     PassLogConfig{Type: "sqlite3", DSN: "bsync.db"},
		Environment: EnvironmentConfig{Root: "/", BatchSize: 1000, StatCache: 1000},
		Dial:        DialConfig{Timeout: 30 * time.Second},
		Lock:        "bsyncd.lock",
		Log:         LogConfig{Level: "info"},
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

const testConfig = `
host: source.example.com
registry:
  dsn: /var/lib/bsync/registry.db
  poll: 2s
passlog:
  type: postgres
  dsn: postgres://bsync@localhost/bsync
  log: true
environment:
  batch_size: 250
  source_addr: 10.0.0.5
mysql:
  servers:
    - name: mysql
      dsn: root@tcp(127.0.0.1:3306)/
    - name: mysql-5.7
      dsn: root@tcp(127.0.0.1:3307)/
dial:
  tls: true
log:
  level: debug
  json: true
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bsyncd.yaml")
	if err := os.WriteFile(path, []byte(testConfig), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BSYNC_LOCK", "/run/bsyncd.lock")
	t.Setenv("BSYNC_ENVIRONMENT_STAT_CACHE", "64")

	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	want := &Config{
		Host:     "source.example.com",
		Registry: RegistryConfig{Type: "sqlite3", DSN: "/var/lib/bsync/registry.db", Poll: 2 * time.Second},
		PassLog:  PassLogConfig{Type: "postgres", DSN: "postgres://bsync@localhost/bsync", Log: true},
		Environment: EnvironmentConfig{
			Root:       "/",
			BatchSize:  250,
			SourceAddr: "10.0.0.5",
			StatCache:  64,
		},
		MySQL: MySQLConfig{Servers: []mysqlinfo.Config{
			{Name: "mysql", DSN: "root@tcp(127.0.0.1:3306)/"},
			{Name: "mysql-5.7", DSN: "root@tcp(127.0.0.1:3307)/"},
		}},
		Dial: DialConfig{TLS: true, Timeout: 30 * time.Second},
		Lock: "/run/bsyncd.lock",
		Log:  LogConfig{Level: "debug", JSON: true},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff(map[string]interface{}{"conn": "postgres://bsync@localhost/bsync"}, got.PassLogConf()); diff != "" {
		t.Errorf("pass log conf mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("got no error")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c, err := Load("")
		if err != nil {
			t.Fatal(err)
		}
		return c
	}

	cases := []struct {
		name string
		f    func(*Config)
	}{
		{name: "no_host", f: func(c *Config) { c.Host = "" }},
		{name: "registry_type", f: func(c *Config) { c.Registry.Type = "mem" }},
		{name: "registry_poll", f: func(c *Config) { c.Registry.Poll = 0 }},
		{name: "passlog_type", f: func(c *Config) { c.PassLog.Type = "bogus" }},
		{name: "passlog_dsn", f: func(c *Config) { c.PassLog.DSN = "" }},
		{name: "batch_size", f: func(c *Config) { c.Environment.BatchSize = 0 }},
		{name: "stat_cache", f: func(c *Config) { c.Environment.StatCache = -1 }},
		{name: "mysql_server", f: func(c *Config) { c.MySQL.Servers = []mysqlinfo.Config{{Name: "mysql"}} }},
		{name: "dial_timeout", f: func(c *Config) { c.Dial.Timeout = 0 }},
		{name: "lock", f: func(c *Config) { c.Lock = "" }},
		{name: "log_level", f: func(c *Config) { c.Log.Level = "loud" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := valid()
			tc.f(c)
			if err := c.Validate(); err == nil {
				t.Error("got no error")
			}
		})
	}

	// A mem pass log needs no DSN.
	c := valid()
	c.PassLog = PassLogConfig{Type: "mem"}
	if err := c.Validate(); err != nil {
		t.Error(err)
	}
}

func TestNewLogger(t *testing.T) {
	cases := []struct {
		conf LogConfig
		want string
	}{
		{conf: LogConfig{Level: "info"}, want: "level=INFO msg=hello"},
		{conf: LogConfig{Level: "warn"}, want: ""},
		{conf: LogConfig{Level: "debug", JSON: true}, want: `"msg":"hello"`},
	}
	for _, c := range cases {
		buf := new(bytes.Buffer)
		l, err := c.conf.NewLogger(buf)
		if err != nil {
			t.Fatal(err)
		}
		l.Info("hello")
		if c.want == "" {
			if buf.Len() != 0 {
				t.Errorf("%+v: got output %q", c.conf, buf)
			}
			continue
		}
		if !strings.Contains(buf.String(), c.want) {
			t.Errorf("%+v: output %q lacks %q", c.conf, buf, c.want)
		}
	}
}
