package pg

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/bobg/bsync/testutil"
)

func TestLog(t *testing.T) {
	withLog(t, func(ctx context.Context, l *Log) {
		testutil.PassLog(ctx, t, l)
	})
}

const connVar = "BSYNC_PG_TESTING_CONN"

// withLog runs f on a Log in a freshly emptied passes table.
func withLog(t *testing.T, f func(context.Context, *Log)) {
	connstr := os.Getenv(connVar)
	if connstr == "" {
		t.Skipf("to run %s, set %s to a valid Postgresql connection string", t.Name(), connVar)
	}

	db, err := sql.Open("postgres", connstr)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	ctx := context.Background()
	l, err := New(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM passes`); err != nil {
		t.Fatal(err)
	}

	f(ctx, l)
}
