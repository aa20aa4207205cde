package mysqlinfo

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/go-cmp/cmp"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/bobg/bsync"
)

func mockServer(t *testing.T, name string) (Server, sqlmock.Sqlmock) {
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { mockDB.Close() })

	dialector := mysql.New(mysql.Config{
		Conn:                      mockDB,
		SkipInitializeWithVersion: true,
	})
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatal(err)
	}
	return Server{Name: name, DB: db}, mock
}

var versionQuery = regexp.QuoteMeta("SELECT VERSION()")

func TestDBServers(t *testing.T) {
	var (
		s1, m1 = mockServer(t, "mysql")
		s2, m2 = mockServer(t, "mysql-5.7")
	)
	m1.ExpectQuery(versionQuery).WillReturnRows(sqlmock.NewRows([]string{"VERSION()"}).AddRow("8.0.36-log"))
	m2.ExpectQuery(versionQuery).WillReturnRows(sqlmock.NewRows([]string{"VERSION()"}).AddRow("5.7.44"))

	l := &Lister{Servers: []Server{s1, s2}}
	got, err := l.DBServers(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []bsync.DBServer{
		{Name: "mysql", Version: "8.0"},
		{Name: "mysql-5.7", Version: "5.7"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
	for _, m := range []sqlmock.Sqlmock{m1, m2} {
		if err := m.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	}
}

func TestDBServersError(t *testing.T) {
	s, m := mockServer(t, "mysql")
	m.ExpectQuery(versionQuery).WillReturnError(context.DeadlineExceeded)

	l := &Lister{Servers: []Server{s}}
	if _, err := l.DBServers(context.Background()); err == nil {
		t.Error("got no error")
	}
}

func TestMinorVersion(t *testing.T) {
	cases := []struct {
		version string
		want    string
		wantErr bool
	}{
		{version: "8.0.36-log", want: "8.0"},
		{version: "5.7.44", want: "5.7"},
		{version: "10.11.6-MariaDB", want: "10.11"},
		{version: "5.1-beta", want: "5.1"},
		{version: "8", wantErr: true},
		{version: "8.x", wantErr: true},
		{version: "", wantErr: true},
	}
	for _, c := range cases {
		t.Run(c.version, func(t *testing.T) {
			got, err := MinorVersion(c.version)
			if c.wantErr {
				if err == nil {
					t.Errorf("got %q, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != c.want {
				t.Errorf("got %q, want %q", got, c.want)
			}
		})
	}
}
