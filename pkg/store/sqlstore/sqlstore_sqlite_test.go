package sqlstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/wilhg/schemeadapter/pkg/store"
	"github.com/wilhg/schemeadapter/pkg/store/storetest"
)

func openSQLite(t *testing.T, name string) *Store {
	t.Helper()
	ctx := context.Background()
	st, err := Open(ctx, fmt.Sprintf("sqlite:file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)&_fk=1", name))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	return st
}

func TestSQLiteConformance(t *testing.T) {
	n := 0
	storetest.Run(t, func(t *testing.T) store.LogStore {
		n++
		return openSQLite(t, fmt.Sprintf("conformance%d", n))
	})
}

func TestSQLiteMigrateIsIdempotent(t *testing.T) {
	st := openSQLite(t, "migrate")
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestParseDSN(t *testing.T) {
	cases := []struct {
		in      string
		driver  string
		dialect string
		wantErr bool
	}{
		{in: "sqlite:file:x?mode=memory", driver: "sqlite3", dialect: "sqlite3"},
		{in: "postgres://u:p@localhost:5432/db?sslmode=disable", driver: "pgx", dialect: "postgres"},
		{in: "host=localhost user=u dbname=db", driver: "pgx", dialect: "postgres"},
		{in: "mysql://localhost/db", wantErr: true},
		{in: "nonsense", wantErr: true},
	}
	for _, c := range cases {
		drv, _, dia, err := parseDSN(c.in)
		if c.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", c.in, err)
		}
		if drv != c.driver || dia != c.dialect {
			t.Fatalf("%s: driver=%s dialect=%s", c.in, drv, dia)
		}
	}
}
