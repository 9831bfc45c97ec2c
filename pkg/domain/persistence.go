package domain

import (
	"context"
	"time"
)

// State is the full durable content of the store: the schema version and one
// namespace of raw JSON documents per collection.
type State struct {
	Version     int
	Collections map[Collection]map[string][]byte
}

// NewState returns an empty state at version 0.
func NewState() State {
	return State{Collections: make(map[Collection]map[string][]byte)}
}

// Clone deep-copies the state.
func (s State) Clone() State {
	out := State{Version: s.Version, Collections: make(map[Collection]map[string][]byte, len(s.Collections))}
	for name, docs := range s.Collections {
		copied := make(map[string][]byte, len(docs))
		for id, doc := range docs {
			copied[id] = append([]byte(nil), doc...)
		}
		out.Collections[name] = copied
	}
	return out
}

// Mutation writes or deletes one document.
type Mutation struct {
	Collection Collection
	ID         string
	Doc        []byte
	Delete     bool
}

// Batch is the unit a Backend commits atomically. Version zero leaves the
// stored schema version unchanged.
type Batch struct {
	Version   int
	Ensure    []Collection
	Mutations []Mutation
}

// Empty reports whether committing the batch would be a no-op.
func (b Batch) Empty() bool {
	return b.Version == 0 && len(b.Ensure) == 0 && len(b.Mutations) == 0
}

// Backend is a durable substrate for the store. Commit must apply the whole
// batch or nothing.
type Backend interface {
	Load(ctx context.Context) (State, error)
	Commit(ctx context.Context, batch Batch) error
	Close() error
}

// Reader is read-only access to one consistent view of the store.
type Reader interface {
	Get(c Collection, id string) ([]byte, bool)
	// Scan returns ids of c in ascending order with their documents.
	Scan(c Collection, fn func(id string, doc []byte) error) error
	ScanPrefix(c Collection, prefix string, fn func(id string, doc []byte) error) error
	HasCollection(c Collection) bool
}

// Tx is a mutable unit of work. Writes become visible to other callers only
// after the enclosing transaction commits.
type Tx interface {
	Reader
	Put(c Collection, id string, doc []byte) error
	Delete(c Collection, id string) error
	EnsureCollection(c Collection)
	// Now is the transaction clock; every timestamp written in one
	// transaction shares it.
	Now() time.Time
}
