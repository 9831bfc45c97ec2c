// Package sqlite provides the default embedded Backend on top of the pure-Go
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"pericia/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the backend interface.
var _ domain.Backend = (*Store)(nil)

// DefaultPath is the database file used when no path is configured.
const DefaultPath = "pericia.db"

const versionKey = "schema_version"

// Store persists documents to three SQLite tables: schema metadata, declared
// collections and one row per document.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewStore opens (or creates) the SQLite database at path.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, ddl := range []string{
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
			payload BLOB NOT NULL,
			PRIMARY KEY (collection, id)
		)`,
	} {
		if _, err := db.Exec(ddl); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create tables: %w", err)
		}
	}
	return &Store{db: db, path: path}, nil
}

// Load reads the full state.
func (s *Store) Load(ctx context.Context) (domain.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := domain.NewState()

	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM pericia_meta WHERE key = ?`, versionKey).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return domain.State{}, fmt.Errorf("select version: %w", err)
	default:
		v, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return domain.State{}, fmt.Errorf("decode version %q: %w", raw, convErr)
		}
		state.Version = v
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
	if err := names.Err(); err != nil {
		_ = names.Close()
		return domain.State{}, fmt.Errorf("iterate collections: %w", err)
	}
	_ = names.Close()

	rows, err := s.db.QueryContext(ctx, `SELECT collection, id, payload FROM pericia_documents`)
	if err != nil {
		return domain.State{}, fmt.Errorf("select documents: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			collection, id string
			payload        []byte
		)
		if err := rows.Scan(&collection, &id, &payload); err != nil {
			return domain.State{}, fmt.Errorf("scan document: %w", err)
		}
		docs, ok := state.Collections[domain.Collection(collection)]
		if !ok {
			docs = make(map[string][]byte)
			state.Collections[domain.Collection(collection)] = docs
		}
		docs[id] = payload
	}
	if err := rows.Err(); err != nil {
		return domain.State{}, fmt.Errorf("iterate documents: %w", err)
	}
	return state, nil
}

// Commit writes the batch inside a single SQL transaction.
func (s *Store) Commit(ctx context.Context, batch domain.Batch) (retErr error) {
	if batch.Empty() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if batch.Version != 0 {
		if _, err := tx.ExecContext(ctx, `INSERT INTO pericia_meta(key, value) VALUES(?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`, versionKey, strconv.Itoa(batch.Version)); err != nil {
			return fmt.Errorf("upsert version: %w", err)
		}
	}
	for _, c := range batch.Ensure {
		if _, err := tx.ExecContext(ctx, `INSERT INTO pericia_collections(name) VALUES(?) ON CONFLICT(name) DO NOTHING`, string(c)); err != nil {
			return fmt.Errorf("ensure collection %s: %w", c, err)
		}
	}
	for _, m := range batch.Mutations {
		if m.Delete {
			if _, err := tx.ExecContext(ctx, `DELETE FROM pericia_documents WHERE collection = ? AND id = ?`, string(m.Collection), m.ID); err != nil {
				return fmt.Errorf("delete %s/%s: %w", m.Collection, m.ID, err)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO pericia_documents(collection, id, payload) VALUES(?, ?, ?) ON CONFLICT(collection, id) DO UPDATE SET payload = excluded.payload`, string(m.Collection), m.ID, m.Doc); err != nil {
			return fmt.Errorf("upsert %s/%s: %w", m.Collection, m.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
