// Package drafts buffers provisional edits of case records. Edits are
// coalesced in memory and written by a debounced flush, so bursts of
// keystrokes cost one durable write; Promote turns a draft into a committed
// record and deletes it in the same transaction.
package drafts

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/google/uuid"

	"pericia/internal/casefile"
	"pericia/internal/core"
	"pericia/pkg/domain"
	"pericia/pkg/logger"
)

// DefaultDelay is the quiet period after the last edit before a flush.
const DefaultDelay = 500 * time.Millisecond

// ErrClosed is returned by a Manager after Close.
var ErrClosed = errors.New("draft manager closed")

// Manager owns the autosave buffer. One Manager should serve a store.
type Manager struct {
	store  *core.Store
	repo   *casefile.Repository
	delay  time.Duration
	newID  func() string
	logger *slog.Logger

	// flushMu orders flushes and promotions so an older pending patch can
	// never land after a newer one.
	flushMu sync.Mutex

	mu         sync.Mutex
	pending    map[string]domain.Patch
	debouncers map[string]func(func())
	closed     bool
}

// Option customises a Manager.
type Option func(*Manager)

// WithDelay sets the debounce quiet period. Zero disables automatic flushes.
func WithDelay(d time.Duration) Option {
	return func(m *Manager) { m.delay = d }
}

// WithIDGenerator overrides draft id generation.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) {
		if gen != nil {
			m.newID = gen
		}
	}
}

// NewManager builds a manager promoting drafts through repo.
func NewManager(repo *casefile.Repository, opts ...Option) *Manager {
	m := &Manager{
		store:      repo.Store(),
		repo:       repo,
		delay:      DefaultDelay,
		newID:      uuid.NewString,
		logger:     repo.Store().Logger(),
		pending:    make(map[string]domain.Patch),
		debouncers: make(map[string]func(func())),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) checkOpen() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Start creates and persists an empty draft. A non-empty caseID links the
// draft to an existing record, which must exist.
func (m *Manager) Start(ctx context.Context, caseID string) (domain.Draft, error) {
	if err := m.checkOpen(); err != nil {
		return domain.Draft{}, err
	}
	var draft domain.Draft
	err := m.store.RunInTransaction(ctx, func(tx domain.Tx) error {
		if caseID != "" {
			if _, ok := tx.Get(domain.CollectionCases, caseID); !ok {
				return domain.NotFoundError{Collection: domain.CollectionCases, ID: caseID}
			}
		}
		draft = domain.Draft{
			ID:        m.newID(),
			CaseID:    caseID,
			CreatedAt: tx.Now(),
			UpdatedAt: tx.Now(),
		}
		return core.PutDoc(tx, domain.CollectionDrafts, draft.ID, draft)
	})
	return draft, err
}

// Edit layers patch over the draft's unflushed edits and schedules a flush.
func (m *Manager) Edit(ctx context.Context, draftID string, patch domain.Patch) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	err := m.store.View(ctx, func(r domain.Reader) error {
		if _, ok := r.Get(domain.CollectionDrafts, draftID); !ok {
			return domain.NotFoundError{Collection: domain.CollectionDrafts, ID: draftID}
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.pending[draftID] = m.pending[draftID].Merge(patch)
	if m.delay <= 0 {
		return nil
	}
	fire, ok := m.debouncers[draftID]
	if !ok {
		fire = debounce.New(m.delay)
		m.debouncers[draftID] = fire
	}
	fire(func() { m.flushInBackground(draftID) })
	return nil
}

func (m *Manager) flushInBackground(draftID string) {
	ctx := logger.WithDraft(context.Background(), draftID)
	if err := m.Flush(ctx, draftID); err != nil {
		logger.From(ctx, m.logger).Error("draft autosave failed", "error", err)
	}
}

// take removes and returns the unflushed patch of draftID.
func (m *Manager) take(draftID string) (domain.Patch, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[draftID]
	delete(m.pending, draftID)
	return p, ok
}

// restore puts back a patch whose write failed, under any newer edits.
func (m *Manager) restore(draftID string, p domain.Patch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if newer, ok := m.pending[draftID]; ok {
		p = p.Merge(newer)
	}
	m.pending[draftID] = p
}

// cancel stops the draft's timer. bep/debounce has no stop, so the pending
// call is replaced by a no-op.
func (m *Manager) cancel(draftID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fire, ok := m.debouncers[draftID]; ok {
		fire(func() {})
		delete(m.debouncers, draftID)
	}
}

// Flush writes the draft's unflushed edits. A draft removed in the meantime
// is dropped silently.
func (m *Manager) Flush(ctx context.Context, draftID string) error {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()
	patch, ok := m.take(draftID)
	if !ok {
		return nil
	}
	err := m.store.RunInTransaction(ctx, func(tx domain.Tx) error {
		draft, found, err := core.GetDoc[domain.Draft](tx, domain.CollectionDrafts, draftID)
		if err != nil || !found {
			return err
		}
		draft.Patch = draft.Patch.Merge(patch)
		draft.Revision++
		draft.UpdatedAt = tx.Now()
		return core.PutDoc(tx, domain.CollectionDrafts, draft.ID, draft)
	})
	m.store.Metrics().ObserveDraftFlush(err)
	if err != nil {
		m.restore(draftID, patch)
		return err
	}
	return nil
}

// FlushAll flushes every draft with unflushed edits.
func (m *Manager) FlushAll(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	var errs []error
	for _, id := range ids {
		if err := m.Flush(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Get returns the draft with its unflushed edits applied. Revision counts
// durable writes only.
func (m *Manager) Get(ctx context.Context, draftID string) (domain.Draft, error) {
	var draft domain.Draft
	err := m.store.View(ctx, func(r domain.Reader) error {
		var err error
		draft, err = core.MustGetDoc[domain.Draft](r, domain.CollectionDrafts, draftID)
		return err
	})
	if err != nil {
		return domain.Draft{}, err
	}
	m.mu.Lock()
	if p, ok := m.pending[draftID]; ok {
		draft.Patch = draft.Patch.Merge(p)
	}
	m.mu.Unlock()
	return draft, nil
}

// List returns the persisted drafts, most recently updated first.
func (m *Manager) List(ctx context.Context) ([]domain.Draft, error) {
	var out []domain.Draft
	err := m.store.View(ctx, func(r domain.Reader) error {
		var err error
		out, err = core.ListDocs[domain.Draft](r, domain.CollectionDrafts)
		return err
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, err
}

// Preview shows the record the draft would produce: the linked record, or a
// blank one, with the draft applied. Status is left as stored.
func (m *Manager) Preview(ctx context.Context, draftID string) (domain.CaseRecord, error) {
	draft, err := m.Get(ctx, draftID)
	if err != nil {
		return domain.CaseRecord{}, err
	}
	rec := domain.CaseRecord{Documents: []domain.DocumentRef{}}
	if draft.CaseID != "" {
		if rec, err = m.repo.Get(ctx, draft.CaseID); err != nil {
			return domain.CaseRecord{}, err
		}
	}
	if err := draft.Patch.Apply(&rec); err != nil {
		return domain.CaseRecord{}, err
	}
	return rec, nil
}

// Promote commits the draft as a record update, or as a new record when the
// draft is not linked, and deletes the draft in the same transaction. On
// failure the draft and its unflushed edits are kept.
func (m *Manager) Promote(ctx context.Context, draftID string) (domain.CaseRecord, error) {
	if err := m.checkOpen(); err != nil {
		return domain.CaseRecord{}, err
	}
	m.flushMu.Lock()
	defer m.flushMu.Unlock()
	pending, hadPending := m.take(draftID)

	actor := logger.Actor(ctx)
	var rec domain.CaseRecord
	err := m.store.RunInTransaction(ctx, func(tx domain.Tx) error {
		draft, err := core.MustGetDoc[domain.Draft](tx, domain.CollectionDrafts, draftID)
		if err != nil {
			return err
		}
		patch := draft.Patch.Merge(pending)
		if draft.CaseID != "" {
			rec, err = m.repo.UpdateInTx(tx, draft.CaseID, patch, actor)
		} else {
			rec, err = m.repo.CreateInTx(tx, patch.CreateInput(), actor)
		}
		if err != nil {
			return err
		}
		return tx.Delete(domain.CollectionDrafts, draftID)
	})
	if err != nil {
		if hadPending {
			m.restore(draftID, pending)
		}
		return domain.CaseRecord{}, err
	}
	m.cancel(draftID)
	logger.From(logger.WithCase(logger.WithDraft(ctx, draftID), rec.ID), m.logger).Info("draft promoted", "status", rec.Status)
	return rec, nil
}

// Discard deletes the draft and its unflushed edits. A missing draft is not an error.
func (m *Manager) Discard(ctx context.Context, draftID string) error {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()
	m.take(draftID)
	m.cancel(draftID)
	return m.store.RunInTransaction(ctx, func(tx domain.Tx) error {
		return tx.Delete(domain.CollectionDrafts, draftID)
	})
}

// Close flushes every pending edit and stops the timers. Later calls are no-ops.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	err := m.FlushAll(ctx)
	m.mu.Lock()
	ids := make([]string, 0, len(m.debouncers))
	for id := range m.debouncers {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.cancel(id)
	}
	return err
}
