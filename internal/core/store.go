package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pericia/internal/schema"
	"pericia/pkg/domain"
)

// Phase is the lifecycle position of a Store.
type Phase int

// Store lifecycle phases. Mutations are accepted only while ready.
const (
	PhaseOpening Phase = iota
	PhaseReady
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseOpening:
		return "opening"
	case PhaseReady:
		return "ready"
	case PhaseClosed:
		return "closed"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// ErrNewerSchema is wrapped in a MigrationError when the stored data was
// written by a newer schema than this build understands.
var ErrNewerSchema = errors.New("stored schema is newer than supported")

// Option customises a Store at open.
type Option func(*options)

type options struct {
	now     func() time.Time
	logger  *slog.Logger
	metrics *Metrics
}

func defaultOptions() options {
	return options{
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default(),
	}
}

// WithClock overrides the transaction clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics attaches a prometheus metrics sink.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// Store is the transactional document store shared by every component. It
// holds the committed state in memory and writes every transaction through
// to its Backend as one atomic batch.
type Store struct {
	mu       sync.RWMutex
	backend  domain.Backend
	registry *schema.Registry
	state    domain.State
	phase    Phase
	opts     options
}

// Open loads the backend, upgrades the schema when needed and returns a
// ready store. Upgrade steps and the new version are committed in one batch;
// when anything fails nothing is persisted and a MigrationError is returned.
func Open(ctx context.Context, backend domain.Backend, registry *schema.Registry, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, errors.New("core: nil backend")
	}
	if registry == nil {
		registry = schema.Default()
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	s := &Store{backend: backend, registry: registry, phase: PhaseOpening, opts: o}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	state, err := backend.Load(ctx)
	if err != nil {
		return nil, domain.StorageIOError{Op: "load", Err: err}
	}
	current := registry.CurrentVersion()
	if state.Version > current {
		return nil, domain.MigrationError{From: state.Version, To: current, Err: ErrNewerSchema}
	}

	tx := newTxn(state, o.now(), false)
	if err := registry.Upgrade(tx, state.Version, current); err != nil {
		var me domain.MigrationError
		if errors.As(err, &me) {
			return nil, me
		}
		return nil, domain.MigrationError{From: state.Version, To: current, Err: err}
	}
	for _, c := range registry.RequiredCollections() {
		tx.EnsureCollection(c)
	}
	batch := tx.batch()
	if state.Version != current {
		batch.Version = current
	}
	if !batch.Empty() {
		if err := backend.Commit(ctx, batch); err != nil {
			return nil, domain.MigrationError{From: state.Version, To: current, Err: domain.StorageIOError{Op: "commit", Err: err}}
		}
		o.logger.Info("schema upgraded", "from", state.Version, "to", current, "mutations", len(batch.Mutations))
	}
	s.state = tx.merged()
	s.state.Version = current
	s.phase = PhaseReady
	s.opts.metrics.observeState(s.state)
	return s, nil
}

// Phase reports the lifecycle phase.
func (s *Store) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// Version returns the schema version of the committed state.
func (s *Store) Version() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Version
}

// Registry returns the schema registry the store was opened with.
func (s *Store) Registry() *schema.Registry { return s.registry }

// Logger returns the store logger for components sharing it.
func (s *Store) Logger() *slog.Logger { return s.opts.logger }

// Metrics returns the attached metrics sink, possibly nil.
func (s *Store) Metrics() *Metrics { return s.opts.metrics }

// Now returns the store clock reading.
func (s *Store) Now() time.Time { return s.opts.now() }

func (s *Store) checkReadyLocked() error {
	switch s.phase {
	case PhaseReady:
		return nil
	case PhaseClosed:
		return domain.ErrStoreClosed
	default:
		return domain.ErrStoreNotReady
	}
}

// RunInTransaction executes fn against a copy-on-write view of the committed
// state and commits its writes atomically. A context that is already done
// skips the transaction; once the backend commit starts it runs to completion.
// Backend failures are reported as StorageIOError and leave the state as it was.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx domain.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReadyLocked(); err != nil {
		return err
	}

	tx := newTxn(s.state, s.opts.now(), true)
	if err := fn(tx); err != nil {
		return err
	}
	batch := tx.batch()
	if batch.Empty() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	started := time.Now()
	err := s.backend.Commit(context.WithoutCancel(ctx), batch)
	s.opts.metrics.observeCommit(time.Since(started), err)
	if err != nil {
		s.opts.logger.Error("commit failed", "mutations", len(batch.Mutations), "error", err)
		return domain.StorageIOError{Op: "commit", Err: err}
	}
	s.state = tx.merged()
	s.opts.metrics.observeState(s.state)
	return nil
}

// View runs fn against the committed state. fn may call back into the store.
func (s *Store) View(ctx context.Context, fn func(r domain.Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	if err := s.checkReadyLocked(); err != nil {
		s.mu.RUnlock()
		return err
	}
	state := s.state
	s.mu.RUnlock()
	return fn(newTxn(state, s.opts.now(), true))
}

// Export returns a deep copy of the committed state.
func (s *Store) Export(ctx context.Context) (domain.State, error) {
	if err := ctx.Err(); err != nil {
		return domain.State{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkReadyLocked(); err != nil {
		return domain.State{}, err
	}
	return s.state.Clone(), nil
}

// Close moves the store to closed and releases the backend. Closing twice is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseClosed {
		return nil
	}
	s.phase = PhaseClosed
	if err := s.backend.Close(); err != nil {
		return domain.StorageIOError{Op: "close", Err: err}
	}
	return nil
}
