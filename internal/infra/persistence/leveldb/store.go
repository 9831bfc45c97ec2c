// Package leveldb provides a Backend on top of goleveldb. Every commit is a
// single synced leveldb.Batch, which the engine applies atomically.
package leveldb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	goleveldb "github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"pericia/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the backend interface.
var _ domain.Backend = (*Store)(nil)

// DefaultPath is the database directory used when no path is configured.
const DefaultPath = "pericia.ldb"

// Key layout:
//
//	m/version          schema version
//	c/<collection>     declared namespace marker
//	d/<collection>/<id> document payload
const (
	versionKey       = "m/version"
	collectionPrefix = "c/"
	documentPrefix   = "d/"
)

// Store persists documents in a LevelDB directory.
type Store struct {
	db   *goleveldb.DB
	mu   sync.Mutex
	path string
}

// NewStore opens (or creates) the LevelDB directory at path.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}
	db, err := goleveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

func documentKey(c domain.Collection, id string) []byte {
	return []byte(documentPrefix + string(c) + "/" + id)
}

// Load reads the full state from a consistent snapshot.
func (s *Store) Load(ctx context.Context) (domain.State, error) {
	if err := ctx.Err(); err != nil {
		return domain.State{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, err := s.db.GetSnapshot()
	if err != nil {
		return domain.State{}, fmt.Errorf("snapshot: %w", err)
	}
	defer snap.Release()

	state := domain.NewState()
	raw, err := snap.Get([]byte(versionKey), nil)
	switch {
	case errors.Is(err, goleveldb.ErrNotFound):
	case err != nil:
		return domain.State{}, fmt.Errorf("get version: %w", err)
	default:
		v, convErr := strconv.Atoi(string(raw))
		if convErr != nil {
			return domain.State{}, fmt.Errorf("decode version %q: %w", raw, convErr)
		}
		state.Version = v
	}

	iter := snap.NewIterator(util.BytesPrefix([]byte(collectionPrefix)), nil)
	for iter.Next() {
		name := strings.TrimPrefix(string(iter.Key()), collectionPrefix)
		state.Collections[domain.Collection(name)] = make(map[string][]byte)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return domain.State{}, fmt.Errorf("iterate collections: %w", err)
	}

	iter = snap.NewIterator(util.BytesPrefix([]byte(documentPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		rest := strings.TrimPrefix(string(iter.Key()), documentPrefix)
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 {
			return domain.State{}, fmt.Errorf("malformed document key %q", iter.Key())
		}
		c := domain.Collection(parts[0])
		docs, ok := state.Collections[c]
		if !ok {
			docs = make(map[string][]byte)
			state.Collections[c] = docs
		}
		docs[parts[1]] = append([]byte(nil), iter.Value()...)
	}
	if err := iter.Error(); err != nil {
		return domain.State{}, fmt.Errorf("iterate documents: %w", err)
	}
	return state, nil
}

// Commit writes the batch with a single synced leveldb batch.
func (s *Store) Commit(ctx context.Context, batch domain.Batch) error {
	if batch.Empty() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	wb := new(goleveldb.Batch)
	if batch.Version != 0 {
		wb.Put([]byte(versionKey), []byte(strconv.Itoa(batch.Version)))
	}
	for _, c := range batch.Ensure {
		wb.Put([]byte(collectionPrefix+string(c)), nil)
	}
	for _, m := range batch.Mutations {
		if strings.Contains(string(m.Collection), "/") {
			return fmt.Errorf("invalid collection name %q", m.Collection)
		}
		if m.Delete {
			wb.Delete(documentKey(m.Collection, m.ID))
			continue
		}
		wb.Put(documentKey(m.Collection, m.ID), m.Doc)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Write(wb, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("write batch: %w", err)
	}
	return nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// Path returns the configured directory.
func (s *Store) Path() string { return s.path }
