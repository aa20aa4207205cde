// Package mysqlinfo discovers the MySQL servers replicated alongside a failover target.
//
// The remote daemon uses their names and minor versions
// to prepare matching servers on the failover host.
package mysqlinfo

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/bobg/bsync"
)

// Config names one MySQL server and says how to reach it.
type Config struct {
	Name string `mapstructure:"name"`
	DSN  string `mapstructure:"dsn"`
}

// Server is one MySQL server.
type Server struct {
	Name string
	DB   *gorm.DB
}

// Lister reports the minor versions of a fixed list of MySQL servers.
type Lister struct {
	Servers []Server
}

// Open connects to each configured server.
// Connections are made lazily by the driver,
// so an unreachable server is reported by DBServers, not here.
func Open(confs []Config) (*Lister, error) {
	l := new(Lister)
	for _, c := range confs {
		db, err := gorm.Open(mysql.New(mysql.Config{DSN: c.DSN, SkipInitializeWithVersion: true}), &gorm.Config{
			Logger:               logger.Default.LogMode(logger.Silent),
			DisableAutomaticPing: true,
		})
		if err != nil {
			l.Close()
			return nil, errors.Wrapf(err, "opening mysql server %s", c.Name)
		}
		l.Servers = append(l.Servers, Server{Name: c.Name, DB: db})
	}
	return l, nil
}

// DBServers queries every server for its version.
func (l *Lister) DBServers(ctx context.Context) ([]bsync.DBServer, error) {
	result := make([]bsync.DBServer, 0, len(l.Servers))
	for _, s := range l.Servers {
		var version string
		if err := s.DB.WithContext(ctx).Raw("SELECT VERSION()").Scan(&version).Error; err != nil {
			return nil, errors.Wrapf(err, "querying version of mysql server %s", s.Name)
		}
		minor, err := MinorVersion(version)
		if err != nil {
			return nil, errors.Wrapf(err, "mysql server %s", s.Name)
		}
		result = append(result, bsync.DBServer{Name: s.Name, Version: minor})
	}
	return result, nil
}

// MinorVersion reduces a server version like "8.0.36-log" to "8.0".
func MinorVersion(version string) (string, error) {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", errors.Errorf("unexpected version %q", version)
	}
	minor := parts[1]
	if i := strings.IndexFunc(minor, func(r rune) bool { return r < '0' || r > '9' }); i == 0 {
		return "", errors.Errorf("unexpected version %q", version)
	} else if i > 0 {
		minor = minor[:i]
	}
	return parts[0] + "." + minor, nil
}

// Close closes the connections to all servers.
func (l *Lister) Close() error {
	var first error
	for _, s := range l.Servers {
		sqlDB, err := s.DB.DB()
		if err == nil {
			err = sqlDB.Close()
		}
		if err != nil && first == nil {
			first = errors.Wrapf(err, "closing mysql server %s", s.Name)
		}
	}
	return first
}
