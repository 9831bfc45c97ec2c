// Package postgres provides a Postgres-backed Backend using the pgx
// database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"pericia/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the backend interface.
var _ domain.Backend = (*Store)(nil)

const (
	defaultDriver = "pgx"
	// DefaultDSN is used when no DSN is configured.
	DefaultDSN = "postgres://localhost/pericia?sslmode=disable"
	versionKey = "schema_version"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS pericia_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS pericia_collections (
		name TEXT PRIMARY KEY
	)`,
	`CREATE TABLE IF NOT EXISTS pericia_documents (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		payload BYTEA NOT NULL,
		PRIMARY KEY (collection, id)
	)`,
}

// Store persists documents to Postgres tables.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back to DefaultDSN)
// and ensures the tables exist.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = DefaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	for _, ddl := range schemaDDL {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("execute ddl: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Load reads the full state.
func (s *Store) Load(ctx context.Context) (domain.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := domain.NewState()

	meta, err := s.db.QueryContext(ctx, `SELECT key, value FROM pericia_meta`)
	if err != nil {
		return domain.State{}, fmt.Errorf("select meta: %w", err)
	}
	for meta.Next() {
		var key, value string
		if err := meta.Scan(&key, &value); err != nil {
			_ = meta.Close()
			return domain.State{}, fmt.Errorf("scan meta: %w", err)
		}
		if key != versionKey {
			continue
		}
		v, convErr := strconv.Atoi(value)
		if convErr != nil {
			_ = meta.Close()
			return domain.State{}, fmt.Errorf("decode version %q: %w", value, convErr)
		}
		state.Version = v
	}
	if err := closeRows(meta, "meta"); err != nil {
		return domain.State{}, err
	}

	names, err := s.db.QueryContext(ctx, `SELECT name FROM pericia_collections`)
	if err != nil {
		return domain.State{}, fmt.Errorf("select collections: %w", err)
	}
	for names.Next() {
		var name string
		if err := names.Scan(&name); err != nil {
			_ = names.Close()
			return domain.State{}, fmt.Errorf("scan collection: %w", err)
		}
		state.Collections[domain.Collection(name)] = make(map[string][]byte)
	}
	if err := closeRows(names, "collections"); err != nil {
		return domain.State{}, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT collection, id, payload FROM pericia_documents`)
	if err != nil {
		return domain.State{}, fmt.Errorf("select documents: %w", err)
	}
	for rows.Next() {
		var (
			collection, id string
			payload        []byte
		)
		if err := rows.Scan(&collection, &id, &payload); err != nil {
			_ = rows.Close()
			return domain.State{}, fmt.Errorf("scan document: %w", err)
		}
		docs, ok := state.Collections[domain.Collection(collection)]
		if !ok {
			docs = make(map[string][]byte)
			state.Collections[domain.Collection(collection)] = docs
		}
		docs[id] = payload
	}
	if err := closeRows(rows, "documents"); err != nil {
		return domain.State{}, err
	}
	return state, nil
}

func closeRows(rows *sql.Rows, label string) error {
	iterErr := rows.Err()
	closeErr := rows.Close()
	if err := errors.Join(iterErr, closeErr); err != nil {
		return fmt.Errorf("iterate %s: %w", label, err)
	}
	return nil
}

// Commit writes the batch inside a single SQL transaction.
func (s *Store) Commit(ctx context.Context, batch domain.Batch) error {
	if batch.Empty() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if batch.Version != 0 {
		if _, err := tx.ExecContext(ctx, `INSERT INTO pericia_meta(key, value) VALUES($1, $2) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, versionKey, strconv.Itoa(batch.Version)); err != nil {
			return fmt.Errorf("upsert version: %w", err)
		}
	}
	for _, c := range batch.Ensure {
		if _, err := tx.ExecContext(ctx, `INSERT INTO pericia_collections(name) VALUES($1) ON CONFLICT (name) DO NOTHING`, string(c)); err != nil {
			return fmt.Errorf("ensure collection %s: %w", c, err)
		}
	}
	for _, m := range batch.Mutations {
		if m.Delete {
			if _, err := tx.ExecContext(ctx, `DELETE FROM pericia_documents WHERE collection = $1 AND id = $2`, string(m.Collection), m.ID); err != nil {
				return fmt.Errorf("delete %s/%s: %w", m.Collection, m.ID, err)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO pericia_documents(collection, id, payload) VALUES($1, $2, $3) ON CONFLICT (collection, id) DO UPDATE SET payload = EXCLUDED.payload`, string(m.Collection), m.ID, m.Doc); err != nil {
			return fmt.Errorf("upsert %s/%s: %w", m.Collection, m.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
