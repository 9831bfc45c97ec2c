// Package casefile implements the record repository: creation, partial
// updates driven by the status machine, document references and the
// financial views over case records.
package casefile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"pericia/internal/core"
	"pericia/internal/history"
	"pericia/pkg/domain"
	"pericia/pkg/logger"
)

// Repository exposes transactional operations over case records. Every
// mutation writes the record and its history entry in one commit.
type Repository struct {
	store  *core.Store
	newID  func() string
	logger *slog.Logger
}

// Option customises a Repository.
type Option func(*Repository)

// WithIDGenerator overrides record and document id generation.
func WithIDGenerator(gen func() string) Option {
	return func(r *Repository) {
		if gen != nil {
			r.newID = gen
		}
	}
}

// NewRepository constructs a repository backed by the supplied store.
func NewRepository(store *core.Store, opts ...Option) *Repository {
	r := &Repository{store: store, newID: uuid.NewString, logger: store.Logger()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store returns the underlying store.
func (r *Repository) Store() *core.Store { return r.store }

// Create validates in and persists a new record with its creation history entry.
func (r *Repository) Create(ctx context.Context, in domain.CreateInput) (domain.CaseRecord, error) {
	var created domain.CaseRecord
	err := r.store.RunInTransaction(ctx, func(tx domain.Tx) error {
		var err error
		created, err = r.CreateInTx(tx, in, logger.Actor(ctx))
		return err
	})
	if err != nil {
		return domain.CaseRecord{}, err
	}
	logger.From(logger.WithCase(ctx, created.ID), r.logger).Info("case created", "status", created.Status)
	return created, nil
}

// CreateInTx is Create inside a caller-owned transaction.
func (r *Repository) CreateInTx(tx domain.Tx, in domain.CreateInput, actor string) (domain.CaseRecord, error) {
	rec := domain.CaseRecord{
		ID:            r.newID(),
		PaymentStatus: domain.PaymentPending,
		Documents:     []domain.DocumentRef{},
	}
	if err := in.Patch().Apply(&rec); err != nil {
		return domain.CaseRecord{}, err
	}
	rec.Status = domain.InitialStatus(rec.ScheduledDate)
	if in.Finalize {
		rec.Status = domain.StatusCompleted
	}
	rec.CreatedAt = tx.Now()
	rec.UpdatedAt = rec.CreatedAt
	if err := core.PutDoc(tx, domain.CollectionCases, rec.ID, rec); err != nil {
		return domain.CaseRecord{}, err
	}
	if _, err := history.Record(tx, nil, rec, actor); err != nil {
		return domain.CaseRecord{}, err
	}
	return rec, nil
}

// Update applies the fields present in patch. Any content-bearing patch moves
// AwaitingSchedule or Scheduled records to InProgress; Finalize moves any
// record to Completed; Completed records keep their status.
func (r *Repository) Update(ctx context.Context, id string, patch domain.Patch) (domain.CaseRecord, error) {
	var updated domain.CaseRecord
	err := r.store.RunInTransaction(ctx, func(tx domain.Tx) error {
		var err error
		updated, err = r.UpdateInTx(tx, id, patch, logger.Actor(ctx))
		return err
	})
	return updated, err
}

// UpdateInTx is Update inside a caller-owned transaction.
func (r *Repository) UpdateInTx(tx domain.Tx, id string, patch domain.Patch, actor string) (domain.CaseRecord, error) {
	return r.mutate(tx, id, actor, func(rec *domain.CaseRecord) (bool, bool, error) {
		if err := patch.Apply(rec); err != nil {
			return false, false, err
		}
		return !patch.IsEmpty(), patch.Finalize, nil
	})
}

// Finalize forces the record to Completed.
func (r *Repository) Finalize(ctx context.Context, id string) (domain.CaseRecord, error) {
	return r.Update(ctx, id, domain.Patch{Finalize: true})
}

// Touch signals a content update without field changes, advancing
// AwaitingSchedule or Scheduled records to InProgress.
func (r *Repository) Touch(ctx context.Context, id string) (domain.CaseRecord, error) {
	var updated domain.CaseRecord
	err := r.store.RunInTransaction(ctx, func(tx domain.Tx) error {
		var err error
		updated, err = r.mutate(tx, id, logger.Actor(ctx), func(*domain.CaseRecord) (bool, bool, error) {
			return true, false, nil
		})
		return err
	})
	return updated, err
}

// mutate loads id, lets fn change it and reports whether the change carried
// content and a finalize intent. Unchanged records are not rewritten and get
// no history entry.
func (r *Repository) mutate(tx domain.Tx, id, actor string, fn func(rec *domain.CaseRecord) (content, finalize bool, err error)) (domain.CaseRecord, error) {
	before, err := core.MustGetDoc[domain.CaseRecord](tx, domain.CollectionCases, id)
	if err != nil {
		return domain.CaseRecord{}, err
	}
	after := before.Clone()
	content, finalize, err := fn(&after)
	if err != nil {
		return domain.CaseRecord{}, err
	}
	after.ID = before.ID
	after.CreatedAt = before.CreatedAt
	after.Status = domain.NextStatus(before.Status, content, finalize)

	changes, err := history.Diff(&before, after)
	if err != nil {
		return domain.CaseRecord{}, err
	}
	if len(changes) == 0 {
		return before, nil
	}
	after.UpdatedAt = tx.Now()
	if err := core.PutDoc(tx, domain.CollectionCases, after.ID, after); err != nil {
		return domain.CaseRecord{}, err
	}
	if _, err := history.Record(tx, &before, after, actor); err != nil {
		return domain.CaseRecord{}, err
	}
	return after, nil
}

// Get returns the record id.
func (r *Repository) Get(ctx context.Context, id string) (domain.CaseRecord, error) {
	var rec domain.CaseRecord
	err := r.store.View(ctx, func(rd domain.Reader) error {
		var err error
		rec, err = core.MustGetDoc[domain.CaseRecord](rd, domain.CollectionCases, id)
		return err
	})
	return rec, err
}

// Delete removes the record and its drafts and returns the document
// references the caller must release. History is retained. The id is queued
// in the sync state so the next mirror run removes the remote copy.
func (r *Repository) Delete(ctx context.Context, id string) ([]domain.DocumentRef, error) {
	var refs []domain.DocumentRef
	err := r.store.RunInTransaction(ctx, func(tx domain.Tx) error {
		rec, err := core.MustGetDoc[domain.CaseRecord](tx, domain.CollectionCases, id)
		if err != nil {
			return err
		}
		refs = rec.Documents
		var drafts []string
		err = tx.Scan(domain.CollectionDrafts, func(draftID string, raw []byte) error {
			var d struct {
				CaseID string `json:"case_id"`
			}
			if err := json.Unmarshal(raw, &d); err != nil {
				return fmt.Errorf("decode draft %s: %w", draftID, err)
			}
			if d.CaseID == id {
				drafts = append(drafts, draftID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, draftID := range drafts {
			if err := tx.Delete(domain.CollectionDrafts, draftID); err != nil {
				return err
			}
		}
		if err := tx.Delete(domain.CollectionCases, id); err != nil {
			return err
		}
		return tombstone(tx, id)
	})
	if err != nil {
		return nil, err
	}
	logger.From(logger.WithCase(ctx, id), r.logger).Info("case deleted", "documents", len(refs))
	return refs, nil
}

func tombstone(tx domain.Tx, id string) error {
	st, _, err := core.GetDoc[domain.SyncState](tx, domain.CollectionSettings, domain.SyncStateID)
	if err != nil {
		return err
	}
	st.ID = domain.SyncStateID
	if slices.Contains(st.Deleted, id) {
		return nil
	}
	st.Deleted = append(st.Deleted, id)
	return core.PutDoc(tx, domain.CollectionSettings, domain.SyncStateID, st)
}

// AttachDocument appends ref to the record's document list. Attachments are
// not report content and leave the status alone.
func (r *Repository) AttachDocument(ctx context.Context, caseID string, ref domain.DocumentRef) (domain.DocumentRef, error) {
	err := r.store.RunInTransaction(ctx, func(tx domain.Tx) error {
		_, err := r.mutate(tx, caseID, logger.Actor(ctx), func(rec *domain.CaseRecord) (bool, bool, error) {
			if ref.ID == "" {
				ref.ID = r.newID()
			}
			if ref.Token == "" {
				return false, false, domain.ValidationError{Field: "token", Message: "must not be empty"}
			}
			for _, existing := range rec.Documents {
				if existing.ID == ref.ID {
					return false, false, domain.ValidationError{Field: "document_id", Message: fmt.Sprintf("%s already attached", ref.ID)}
				}
			}
			ref.CaseID = caseID
			if ref.UploadedAt.IsZero() {
				ref.UploadedAt = tx.Now()
			}
			rec.Documents = append(rec.Documents, ref)
			return false, false, nil
		})
		return err
	})
	if err != nil {
		return domain.DocumentRef{}, err
	}
	return ref, nil
}

// RemoveDocument drops docID from the record. Removing an absent reference
// is not an error; the returned bool reports whether anything was removed.
func (r *Repository) RemoveDocument(ctx context.Context, caseID, docID string) (domain.DocumentRef, bool, error) {
	var (
		removed domain.DocumentRef
		found   bool
	)
	err := r.store.RunInTransaction(ctx, func(tx domain.Tx) error {
		found = false
		_, err := r.mutate(tx, caseID, logger.Actor(ctx), func(rec *domain.CaseRecord) (bool, bool, error) {
			kept := rec.Documents[:0:0]
			for _, d := range rec.Documents {
				if d.ID == docID && !found {
					removed, found = d, true
					continue
				}
				kept = append(kept, d)
			}
			rec.Documents = kept
			return false, false, nil
		})
		return err
	})
	if err != nil {
		return domain.DocumentRef{}, false, err
	}
	return removed, found, nil
}
