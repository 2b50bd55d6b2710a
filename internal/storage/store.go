package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coffersTech/mapwatch/internal/model"
	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
)

const (
	defaultReadingsTable = "readings"
	defaultServersTable  = "servers"
)

const (
	logMsgAppend   = "snapshot stored"
	logMsgPurge    = "expired readings deleted"
	logMsgQuery    = "snapshot stream opened"
	logMsgSchema   = "schema ensured"
	logAttrServer  = "server"
	logAttrWorld   = "world"
	logAttrTs      = "ts"
	logAttrCount   = "count"
	logAttrCutoff  = "cutoff"
	logAttrQuery   = "query"
	logAttrDialect = "dialect"
)

var (
	ErrUnknownServer = errors.New("unknown server")
	ErrEmptyPayload  = errors.New("empty payload")
	ErrBuildingQuery = errors.New("building query failed")
)

// Logger is the logging surface the storage layer writes to.
// *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Option configures a Store.
type Option func(*Store) error

// WithTableName overrides the readings table name.
func WithTableName(name string) Option {
	return func(s *Store) error {
		if name == "" {
			return errors.New("table name must not be empty")
		}
		s.readings = name
		return nil
	}
}

// WithLogger routes store diagnostics to logger.
func WithLogger(logger Logger) Option {
	return func(s *Store) error {
		if logger != nil {
			s.logger = logger
		}
		return nil
	}
}

// ServerStats summarizes the stored snapshots of one server.
type ServerStats struct {
	Server    string    `json:"server"`
	Snapshots int64     `json:"snapshots"`
	Oldest    time.Time `json:"oldest,omitzero"`
	Newest    time.Time `json:"newest,omitzero"`
}

// Store persists map update snapshots in a SQL database and serves them
// back as ordered streams.
type Store struct {
	db          dbAdapter
	dialect     goqu.DialectWrapper
	dialectName string
	readings    string
	servers     string
	logger      Logger

	mu        sync.RWMutex
	serverIDs map[string]int64
}

func newStore(db dbAdapter, dialect string, opts ...Option) (*Store, error) {
	s := &Store{
		db:          db,
		dialect:     goqu.Dialect(dialect),
		dialectName: dialect,
		readings:    defaultReadingsTable,
		servers:     defaultServersTable,
		logger:      nopLogger{},
		serverIDs:   make(map[string]int64),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the servers and readings tables if they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range s.schema() {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	s.logger.Debug(logMsgSchema, logAttrDialect, s.dialectName)
	return nil
}

func (s *Store) schema() []string {
	id, ref := "INTEGER PRIMARY KEY AUTOINCREMENT", "INTEGER"
	if s.dialectName == "postgres" {
		id, ref = "BIGSERIAL PRIMARY KEY", "BIGINT"
	}
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id %s,
	name TEXT NOT NULL UNIQUE
)`, s.servers, id),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id %s,
	server_id %s NOT NULL REFERENCES %s(id),
	world TEXT NOT NULL DEFAULT '',
	ts BIGINT NOT NULL,
	payload TEXT NOT NULL
)`, s.readings, id, ref, s.servers),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_server_ts ON %s (server_id, ts)`, s.readings, s.readings),
	}
}

// OpenSnapshots streams the snapshots of server with start <= ts <= end,
// oldest first. It implements engine.Source.
func (s *Store) OpenSnapshots(ctx context.Context, server string, start, end time.Time) (model.SnapshotIterator, error) {
	id, err := s.serverID(ctx, server)
	if errors.Is(err, ErrUnknownServer) {
		return nil, errors.Join(model.ErrInvalidQuery, err)
	}
	if err != nil {
		return nil, errors.Join(model.ErrSourceUnavailable, err)
	}

	query, _, err := s.dialect.From(s.readings).
		Select("ts", "payload").
		Where(
			goqu.C("server_id").Eq(id),
			goqu.C("ts").Gte(start.Unix()),
			goqu.C("ts").Lte(end.Unix()),
		).
		Order(goqu.C("ts").Asc(), goqu.C("id").Asc()).
		ToSQL()
	if err != nil {
		return nil, errors.Join(ErrBuildingQuery, err)
	}

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Join(model.ErrSourceUnavailable, err)
	}
	s.logger.Debug(logMsgQuery, logAttrServer, server, logAttrQuery, query)

	return &rowIterator{rows: rows}, nil
}

// Append stores one snapshot, registering the server on first use.
func (s *Store) Append(ctx context.Context, server, world string, ts time.Time, payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyPayload
	}
	id, err := s.ensureServer(ctx, server)
	if err != nil {
		return err
	}

	insert, _, err := s.dialect.Insert(s.readings).Rows(goqu.Record{
		"server_id": id,
		"world":     world,
		"ts":        ts.Unix(),
		"payload":   string(payload),
	}).ToSQL()
	if err != nil {
		return errors.Join(ErrBuildingQuery, err)
	}
	if _, err := s.db.Exec(ctx, insert); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	s.logger.Debug(logMsgAppend, logAttrServer, server, logAttrWorld, world, logAttrTs, ts.Unix())
	return nil
}

// DeleteBefore removes every snapshot at or before cutoff and returns the
// number of rows deleted.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	del, _, err := s.dialect.Delete(s.readings).Where(goqu.C("ts").Lte(cutoff.Unix())).ToSQL()
	if err != nil {
		return 0, errors.Join(ErrBuildingQuery, err)
	}
	res, err := s.db.Exec(ctx, del)
	if err != nil {
		return 0, fmt.Errorf("delete readings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	s.logger.Info(logMsgPurge, logAttrCount, n, logAttrCutoff, cutoff.UTC().Format(time.RFC3339))
	return n, nil
}

// Servers lists the registered server names in order.
func (s *Store) Servers(ctx context.Context) ([]string, error) {
	query, _, err := s.dialect.From(s.servers).Select("name").Order(goqu.C("name").Asc()).ToSQL()
	if err != nil {
		return nil, errors.Join(ErrBuildingQuery, err)
	}
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Join(model.ErrSourceUnavailable, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Stats reports the snapshot count and time span per server.
func (s *Store) Stats(ctx context.Context) ([]ServerStats, error) {
	query, _, err := s.dialect.From(goqu.T(s.servers).As("s")).
		LeftJoin(goqu.T(s.readings).As("r"), goqu.On(goqu.I("r.server_id").Eq(goqu.I("s.id")))).
		Select(
			goqu.I("s.name"),
			goqu.COUNT(goqu.I("r.id")),
			goqu.MIN(goqu.I("r.ts")),
			goqu.MAX(goqu.I("r.ts")),
		).
		GroupBy(goqu.I("s.name")).
		Order(goqu.I("s.name").Asc()).
		ToSQL()
	if err != nil {
		return nil, errors.Join(ErrBuildingQuery, err)
	}

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Join(model.ErrSourceUnavailable, err)
	}
	defer rows.Close()

	var stats []ServerStats
	for rows.Next() {
		var (
			st             ServerStats
			oldest, newest sql.NullInt64
		)
		if err := rows.Scan(&st.Server, &st.Snapshots, &oldest, &newest); err != nil {
			return nil, err
		}
		if oldest.Valid {
			st.Oldest = time.Unix(oldest.Int64, 0).UTC()
		}
		if newest.Valid {
			st.Newest = time.Unix(newest.Int64, 0).UTC()
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

func normalizeServer(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (s *Store) serverID(ctx context.Context, server string) (int64, error) {
	name := normalizeServer(server)

	s.mu.RLock()
	id, ok := s.serverIDs[name]
	s.mu.RUnlock()
	if ok {
		return id, nil
	}

	query, _, err := s.dialect.From(s.servers).Select("id").Where(goqu.C("name").Eq(name)).ToSQL()
	if err != nil {
		return 0, errors.Join(ErrBuildingQuery, err)
	}
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %q", ErrUnknownServer, server)
	}
	if err := rows.Scan(&id); err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.serverIDs[name] = id
	s.mu.Unlock()
	return id, nil
}

func (s *Store) ensureServer(ctx context.Context, server string) (int64, error) {
	name := normalizeServer(server)
	if name == "" {
		return 0, fmt.Errorf("%w: empty name", ErrUnknownServer)
	}

	id, err := s.serverID(ctx, name)
	if err == nil || !errors.Is(err, ErrUnknownServer) {
		return id, err
	}

	insert, _, err := s.dialect.Insert(s.servers).
		Rows(goqu.Record{"name": name}).
		OnConflict(goqu.DoNothing()).
		ToSQL()
	if err != nil {
		return 0, errors.Join(ErrBuildingQuery, err)
	}
	if _, err := s.db.Exec(ctx, insert); err != nil {
		return 0, fmt.Errorf("register server: %w", err)
	}
	return s.serverID(ctx, name)
}

// rowIterator adapts a result set of (ts, payload) rows to model.SnapshotIterator.
type rowIterator struct {
	rows dbRows
	curr model.Snapshot
	err  error
}

func (it *rowIterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		if it.err == nil {
			if err := it.rows.Err(); err != nil {
				it.err = errors.Join(model.ErrSourceUnavailable, err)
			}
		}
		return false
	}

	var (
		ts      int64
		payload string
	)
	if err := it.rows.Scan(&ts, &payload); err != nil {
		it.err = errors.Join(model.ErrSourceUnavailable, err)
		return false
	}
	it.curr = model.Snapshot{Timestamp: time.Unix(ts, 0).UTC(), Payload: []byte(payload)}
	return true
}

func (it *rowIterator) Snapshot() model.Snapshot { return it.curr }
func (it *rowIterator) Error() error             { return it.err }
func (it *rowIterator) Close() error             { return it.rows.Close() }
