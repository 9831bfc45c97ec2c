// Package memory provides an in-memory Backend used for tests, ephemeral
// runs and as the staging area for snapshot imports.
package memory

import (
	"context"
	"sync"

	"pericia/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store satisfies the backend interface.
var _ domain.Backend = (*Store)(nil)

// Store keeps the committed state in process memory.
type Store struct {
	mu      sync.RWMutex
	state   domain.State
	commits int
	closed  bool
}

// NewStore returns an empty memory backend.
func NewStore() *Store {
	return &Store{state: domain.NewState()}
}

// NewStoreFromState seeds a memory backend with a copy of state.
func NewStoreFromState(state domain.State) *Store {
	s := NewStore()
	s.ImportState(state)
	return s
}

// Load returns a deep copy of the committed state.
func (s *Store) Load(_ context.Context) (domain.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return domain.State{}, domain.ErrStoreClosed
	}
	return s.state.Clone(), nil
}

// Commit applies the batch to a clone of the state and swaps it in.
func (s *Store) Commit(_ context.Context, batch domain.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrStoreClosed
	}
	next := s.state.Clone()
	Apply(&next, batch)
	s.state = next
	s.commits++
	return nil
}

// Close marks the backend closed. Further calls fail.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ExportState returns a deep copy of the current state.
func (s *Store) ExportState() domain.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// ImportState replaces the current state with a copy of state.
func (s *Store) ImportState(state domain.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state.Clone()
}

// Commits reports how many batches were committed.
func (s *Store) Commits() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commits
}

// Apply folds batch into state in place.
func Apply(state *domain.State, batch domain.Batch) {
	if state.Collections == nil {
		state.Collections = make(map[domain.Collection]map[string][]byte)
	}
	if batch.Version != 0 {
		state.Version = batch.Version
	}
	for _, c := range batch.Ensure {
		if _, ok := state.Collections[c]; !ok {
			state.Collections[c] = make(map[string][]byte)
		}
	}
	for _, m := range batch.Mutations {
		docs, ok := state.Collections[m.Collection]
		if !ok {
			docs = make(map[string][]byte)
			state.Collections[m.Collection] = docs
		}
		if m.Delete {
			delete(docs, m.ID)
			continue
		}
		docs[m.ID] = append([]byte(nil), m.Doc...)
	}
}
