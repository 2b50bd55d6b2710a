package storage

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
)

// dbAdapter is the subset of database operations the store needs.
// Queries arrive fully rendered by goqu, so no bind args are passed.
type dbAdapter interface {
	Query(ctx context.Context, query string) (dbRows, error)
	Exec(ctx context.Context, query string) (dbResult, error)
	Close() error
}

type dbRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

type dbResult interface {
	RowsAffected() (int64, error)
}

// pgxAdapter implements dbAdapter for pgxpool.Pool.
type pgxAdapter struct {
	pool *pgxpool.Pool
}

func (p *pgxAdapter) Query(ctx context.Context, query string) (dbRows, error) {
	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return &pgxRows{rows: rows}, nil
}

func (p *pgxAdapter) Exec(ctx context.Context, query string) (dbResult, error) {
	tag, err := p.pool.Exec(ctx, query)
	if err != nil {
		return nil, err
	}
	return pgxResult{tag: tag}, nil
}

func (p *pgxAdapter) Close() error {
	p.pool.Close()
	return nil
}

type pgxRows struct {
	rows pgx.Rows
}

func (p *pgxRows) Next() bool             { return p.rows.Next() }
func (p *pgxRows) Scan(dest ...any) error { return p.rows.Scan(dest...) }
func (p *pgxRows) Err() error             { return p.rows.Err() }

func (p *pgxRows) Close() error {
	p.rows.Close()
	return nil
}

type pgxResult struct {
	tag pgconn.CommandTag
}

func (p pgxResult) RowsAffected() (int64, error) {
	return p.tag.RowsAffected(), nil
}

// sqlxAdapter implements dbAdapter for sqlx.DB. It backs both the SQLite
// and the lib/pq drivers.
type sqlxAdapter struct {
	db *sqlx.DB
}

func (s *sqlxAdapter) Query(ctx context.Context, query string) (dbRows, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	return &stdRows{rows: rows}, nil
}

func (s *sqlxAdapter) Exec(ctx context.Context, query string) (dbResult, error) {
	return s.db.ExecContext(ctx, query)
}

func (s *sqlxAdapter) Close() error {
	return s.db.Close()
}

type stdRows struct {
	rows *sql.Rows
}

func (s *stdRows) Next() bool             { return s.rows.Next() }
func (s *stdRows) Scan(dest ...any) error { return s.rows.Scan(dest...) }
func (s *stdRows) Err() error             { return s.rows.Err() }
func (s *stdRows) Close() error           { return s.rows.Close() }
