package database

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/beanstalker/fulfillment/pkg/fulfillment"
)

func TestResolveDriver(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	testCases := []struct {
		name       string
		dsn        string
		wantDriver string
		wantPath   string
	}{
		{name: "postgres", dsn: "postgres://user@localhost/db", wantDriver: DriverPostgres},
		{name: "postgresql", dsn: "postgresql://user@localhost/db", wantDriver: DriverPostgres},
		{name: "sqlite url", dsn: "sqlite://" + filepath.Join(dir, "a", "store.db"), wantDriver: DriverSQLite, wantPath: filepath.Join(dir, "a", "store.db")},
		{name: "plain path", dsn: filepath.Join(dir, "b.db"), wantDriver: DriverSQLite, wantPath: filepath.Join(dir, "b.db")},
		{name: "memory", dsn: ":memory:", wantDriver: DriverSQLite, wantPath: ":memory:"},
		{name: "sqlite url dot relative", dsn: "sqlite://./data/x.db", wantDriver: DriverSQLite, wantPath: filepath.Join("data", "x.db")},
		{name: "sqlite url bare relative", dsn: "sqlite://cache/y.db", wantDriver: DriverSQLite, wantPath: filepath.Join("cache", "y.db")},
		{name: "sqlite url default file", dsn: "sqlite://", wantDriver: DriverSQLite, wantPath: defaultSQLiteFile},
		{name: "sqlite url query", dsn: "sqlite://" + filepath.Join(dir, "c.db") + "?_pragma=busy_timeout(5000)", wantDriver: DriverSQLite, wantPath: filepath.Join(dir, "c.db")},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			driver, path, err := ResolveDriver(testCase.dsn)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if driver != testCase.wantDriver || path != testCase.wantPath {
				t.Fatalf("got (%s, %s), want (%s, %s)", driver, path, testCase.wantDriver, testCase.wantPath)
			}
		})
	}
	if _, _, err := ResolveDriver("  "); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported for an empty dsn, got %v", err)
	}
	if _, _, err := ResolveDriver("mysql://user@localhost/db"); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported for an unknown scheme, got %v", err)
	}
	if info, err := os.Stat(filepath.Join(dir, "data")); err != nil || !info.IsDir() {
		t.Fatalf("expected the relative sqlite directory under the working directory: %v", err)
	}
}

func TestOpenRejectsUnsupportedBackends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	if _, err := Open(context.Background(), path, BackendPGX); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected pgx on sqlite to be rejected, got %v", err)
	}
	if _, err := Open(context.Background(), path, "mongo"); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected unknown backend to be rejected, got %v", err)
	}
}

func TestOpenSQLiteMigratesSchema(t *testing.T) {
	handle, err := Open(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "store.db"), "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = handle.Close() })
	if handle.Driver != DriverSQLite || handle.Backend != BackendGORM {
		t.Fatalf("unexpected handle %s/%s", handle.Driver, handle.Backend)
	}
	if err := handle.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	accountID, _ := fulfillment.NewAccountID("54")
	if err := handle.Store.CreateAccount(context.Background(), fulfillment.Account{AccountID: accountID, Username: "bean"}); err != nil {
		t.Fatalf("create account: %v", err)
	}
	account, err := handle.Store.GetAccount(context.Background(), accountID)
	if err != nil || account.Username != "bean" {
		t.Fatalf("unexpected account %+v %v", account, err)
	}
}

func TestOpenSQLiteEnforcesOneActiveMapping(t *testing.T) {
	handle, err := Open(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "store.db"), BackendGORM)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = handle.Close() })
	accountID, _ := fulfillment.NewAccountID("54")
	for index, raw := range []string{"$RCAnonymousID:a", "$RCAnonymousID:b"} {
		anonymousID, _ := fulfillment.NewAnonymousID(raw)
		err := handle.Store.InsertMapping(context.Background(), fulfillment.AnonymousMapping{AnonymousID: anonymousID, AccountID: accountID, Active: true})
		if index == 0 && err != nil {
			t.Fatalf("insert: %v", err)
		}
		if index == 1 && !errors.Is(err, fulfillment.ErrMappingConflict) {
			t.Fatalf("expected ErrMappingConflict, got %v", err)
		}
	}
}
