// Package config loads the configuration of the replication daemon.
package config

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/bobg/bsync/mysqlinfo"
)

// EnvPrefix prefixes the environment variables that override configuration keys.
// Key "registry.dsn" is overridden by BSYNC_REGISTRY_DSN.
const EnvPrefix = "BSYNC"

type Config struct {
	Host        string            `mapstructure:"host"`
	Registry    RegistryConfig    `mapstructure:"registry"`
	PassLog     PassLogConfig     `mapstructure:"passlog"`
	Environment EnvironmentConfig `mapstructure:"environment"`
	MySQL       MySQLConfig       `mapstructure:"mysql"`
	Dial        DialConfig        `mapstructure:"dial"`
	Lock        string            `mapstructure:"lock"`
	Log         LogConfig         `mapstructure:"log"`
}

type RegistryConfig struct {
	Type string        `mapstructure:"type"`
	DSN  string        `mapstructure:"dsn"`
	Poll time.Duration `mapstructure:"poll"`
}

type PassLogConfig struct {
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`

	// Log wraps the pass log in one that logs every operation.
	Log bool `mapstructure:"log"`
}

type EnvironmentConfig struct {
	Root       string `mapstructure:"root"`
	BatchSize  int    `mapstructure:"batch_size"`
	SourceAddr string `mapstructure:"source_addr"`
	StatCache  int    `mapstructure:"stat_cache"`
}

type MySQLConfig struct {
	Servers []mysqlinfo.Config `mapstructure:"servers"`
}

type DialConfig struct {
	TLS     bool          `mapstructure:"tls"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// Load reads the configuration file at path, if path is not empty,
// applies overrides from the environment,
// and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := setDefaults(v); err != nil {
		return nil, err
	}

	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "reading %s", path)
		}
	}

	c := new(Config)
	if err := v.Unmarshal(c); err != nil {
		return nil, errors.Wrap(err, "decoding configuration")
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Wrap(err, "validating configuration")
	}
	return c, nil
}

func setDefaults(v *viper.Viper) error {
	host, err := os.Hostname()
	if err != nil {
		return errors.Wrap(err, "getting hostname")
	}
	v.SetDefault("host", host)
	v.SetDefault("registry.type", "sqlite3")
	v.SetDefault("registry.dsn", "bsync.db")
	v.SetDefault("registry.poll", 10*time.Second)
	v.SetDefault("passlog.type", "sqlite3")
	v.SetDefault("passlog.dsn", "bsync.db")
	v.SetDefault("passlog.log", false)
	v.SetDefault("environment.root", "/")
	v.SetDefault("environment.batch_size", 1000)
	v.SetDefault("environment.source_addr", "")
	v.SetDefault("environment.stat_cache", 1000)
	v.SetDefault("mysql.servers", []mysqlinfo.Config{})
	v.SetDefault("dial.tls", false)
	v.SetDefault("dial.timeout", 30*time.Second)
	v.SetDefault("lock", "bsyncd.lock")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	return nil
}

// Validate checks c for missing or out-of-range values.
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("host is required")
	}
	if c.Registry.Type != "sqlite3" {
		return errors.Errorf("unknown registry type %q", c.Registry.Type)
	}
	if c.Registry.DSN == "" {
		return errors.New("registry.dsn is required")
	}
	if c.Registry.Poll <= 0 {
		return errors.New("registry.poll must be greater than 0")
	}
	switch c.PassLog.Type {
	case "sqlite3", "postgres":
		if c.PassLog.DSN == "" {
			return errors.Errorf("passlog.dsn is required for type %s", c.PassLog.Type)
		}
	case "mem":
	default:
		return errors.Errorf("unknown passlog type %q", c.PassLog.Type)
	}
	if c.Environment.BatchSize <= 0 {
		return errors.New("environment.batch_size must be greater than 0")
	}
	if c.Environment.StatCache <= 0 {
		return errors.New("environment.stat_cache must be greater than 0")
	}
	for _, s := range c.MySQL.Servers {
		if s.Name == "" || s.DSN == "" {
			return errors.New("mysql server name and dsn must not be empty")
		}
	}
	if c.Dial.Timeout <= 0 {
		return errors.New("dial.timeout must be greater than 0")
	}
	if c.Lock == "" {
		return errors.New("lock is required")
	}
	if _, err := c.Log.level(); err != nil {
		return err
	}
	return nil
}

// PassLogConf is the backend configuration for passlog.Create.
func (c *Config) PassLogConf() map[string]interface{} {
	return map[string]interface{}{"conn": c.PassLog.DSN}
}

func (c LogConfig) level() (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(c.Level))
	return l, errors.Wrapf(err, "parsing log.level %q", c.Level)
}

// NewLogger produces a logger writing to w at the configured level,
// as JSON or as text.
func (c LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := c.level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.JSON {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
