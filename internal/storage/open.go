package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Supported database drivers.
const (
	DriverSQLite = "sqlite"
	DriverPGX    = "pgx"
	DriverPQ     = "pq"
)

// Open connects to the database named by driver and dsn, verifies the
// connection and ensures the schema exists. For DriverSQLite, dsn is a
// file path.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*Store, error) {
	var (
		store *Store
		err   error
	)
	switch driver {
	case DriverSQLite:
		store, err = openSQLite(ctx, dsn, opts...)
	case DriverPGX:
		store, err = openPGX(ctx, dsn, opts...)
	case DriverPQ:
		store, err = openPQ(ctx, dsn, opts...)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		return nil, err
	}

	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// NewStoreFromPGXPool wraps an existing pool. The schema is not touched.
func NewStoreFromPGXPool(pool *pgxpool.Pool, opts ...Option) (*Store, error) {
	return newStore(&pgxAdapter{pool: pool}, "postgres", opts...)
}

// NewStoreFromSQLX wraps an existing sqlx handle. dialect is a goqu dialect
// name such as "sqlite3" or "postgres".
func NewStoreFromSQLX(db *sqlx.DB, dialect string, opts ...Option) (*Store, error) {
	return newStore(&sqlxAdapter{db: db}, dialect, opts...)
}

func openSQLite(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	pragmas := url.Values{}
	for _, p := range []string{"journal_mode(WAL)", "synchronous(NORMAL)", "busy_timeout(5000)", "foreign_keys(ON)"} {
		pragmas.Add("_pragma", p)
	}
	dsn := path
	if !strings.Contains(path, "?") {
		dsn = "file:" + path + "?" + pragmas.Encode()
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(4)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return NewStoreFromSQLX(db, "sqlite3", opts...)
}

func openPGX(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewStoreFromPGXPool(pool, opts...)
}

func openPQ(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewStoreFromSQLX(db, "postgres", opts...)
}
