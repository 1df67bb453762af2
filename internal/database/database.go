// Package database opens the fulfillment store selected by configuration.
package database

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/beanstalker/fulfillment/internal/store/gormstore"
	"github.com/beanstalker/fulfillment/internal/store/pgstore"
	"github.com/beanstalker/fulfillment/pkg/fulfillment"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Supported drivers and store backends.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	BackendGORM = "gorm"
	BackendPGX  = "pgx"

	defaultSQLiteFile = "fulfillment.db"
)

// ErrUnsupported marks a driver/backend combination that cannot be opened.
var ErrUnsupported = errors.New("unsupported database configuration")

// Handle is an opened store together with its health probe and cleanup.
type Handle struct {
	Store   fulfillment.Store
	Driver  string
	Backend string
	ping    func(ctx context.Context) error
	close   func() error
}

// Ping reports whether the database answers.
func (handle *Handle) Ping(ctx context.Context) error {
	if handle == nil || handle.ping == nil {
		return errors.New("database not open")
	}
	return handle.ping(ctx)
}

// Close releases the connections.
func (handle *Handle) Close() error {
	if handle == nil || handle.close == nil {
		return nil
	}
	return handle.close()
}

// Open connects to dsn with the requested backend and prepares the schema.
// The pgx backend requires a PostgreSQL dsn.
func Open(ctx context.Context, dsn string, backend string) (*Handle, error) {
	driver, sqlitePath, err := ResolveDriver(dsn)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendGORM:
		return openGORM(ctx, dsn, driver, sqlitePath)
	case BackendPGX:
		if driver != DriverPostgres {
			return nil, fmt.Errorf("%w: the %s backend needs a postgres url", ErrUnsupported, BackendPGX)
		}
		return openPGX(ctx, dsn)
	default:
		return nil, fmt.Errorf("%w: store backend %q", ErrUnsupported, backend)
	}
}

func openGORM(ctx context.Context, dsn string, driver string, sqlitePath string) (*Handle, error) {
	var (
		db  *gorm.DB
		err error
	)
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	switch driver {
	case DriverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	case DriverSQLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath), cfg)
	default:
		return nil, fmt.Errorf("%w: database scheme %q", ErrUnsupported, driver)
	}
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := gormstore.Migrate(ctx, db); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return &Handle{
		Store:   gormstore.New(db),
		Driver:  driver,
		Backend: BackendGORM,
		ping:    sqlDB.PingContext,
		close:   sqlDB.Close,
	}, nil
}

func openPGX(ctx context.Context, dsn string) (*Handle, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgx pool: %w", err)
	}
	store := pgstore.New(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Handle{
		Store:   store,
		Driver:  DriverPostgres,
		Backend: BackendPGX,
		ping:    pool.Ping,
		close: func() error {
			pool.Close()
			return nil
		},
	}, nil
}

// ResolveDriver classifies dsn and returns the sqlite file location when the
// dsn names one. Values without a scheme are sqlite file paths.
// sqlite:///abs/x.db is absolute while sqlite://./x.db and sqlite://x.db are
// relative to the working directory.
func ResolveDriver(dsn string) (string, string, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return "", "", fmt.Errorf("%w: database url is required", ErrUnsupported)
	}
	scheme, location, hasScheme := strings.Cut(trimmed, "://")
	if !hasScheme {
		sqlitePath, err := prepareSQLiteFile(trimmed)
		return DriverSQLite, sqlitePath, err
	}
	switch strings.ToLower(scheme) {
	case "postgres", "postgresql":
		return DriverPostgres, "", nil
	case DriverSQLite:
		location, _, _ = strings.Cut(location, "?")
		unescaped, err := url.PathUnescape(location)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		sqlitePath, err := prepareSQLiteFile(unescaped)
		return DriverSQLite, sqlitePath, err
	default:
		return "", "", fmt.Errorf("%w: database scheme %q", ErrUnsupported, scheme)
	}
}

// prepareSQLiteFile cleans the location and creates its parent directory.
func prepareSQLiteFile(location string) (string, error) {
	switch location {
	case ":memory:":
		return location, nil
	case "", "/":
		location = defaultSQLiteFile
	}
	cleaned := filepath.Clean(location)
	if err := os.MkdirAll(filepath.Dir(cleaned), 0o755); err != nil {
		return "", fmt.Errorf("sqlite directory: %w", err)
	}
	return cleaned, nil
}
