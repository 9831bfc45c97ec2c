package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"

	"pericia/internal/core"
	"pericia/pkg/domain"
)

// RecordPusher is the record-service side of a mirror.
type RecordPusher interface {
	PushRecord(ctx context.Context, rec domain.CaseRecord) error
	DeleteRecord(ctx context.Context, id string) error
}

// RecordFetcher reads single records back from the record service.
type RecordFetcher interface {
	FetchRecord(ctx context.Context, id string) (domain.CaseRecord, error)
}

// MirrorReport counts what one mirror run delivered.
type MirrorReport struct {
	Pushed  int `json:"pushed"`
	Deleted int `json:"deleted"`
}

// SyncState returns the stored mirror watermark; the zero value when the
// store has never been mirrored.
func (b *Bridge) SyncState(ctx context.Context) (domain.SyncState, error) {
	var st domain.SyncState
	err := b.store.View(ctx, func(r domain.Reader) error {
		var err error
		st, _, err = core.GetDoc[domain.SyncState](r, domain.CollectionSettings, domain.SyncStateID)
		return err
	})
	st.ID = domain.SyncStateID
	return st, err
}

// Mirror sends pending deletions, then pushes every record modified after
// the watermark, oldest first, and advances the watermark past what was
// delivered. On a failure the run stops: unacknowledged deletions stay
// queued and the watermark stops before the failed record so the next run
// retries both.
func (b *Bridge) Mirror(ctx context.Context, pusher RecordPusher) (MirrorReport, error) {
	st, err := b.SyncState(ctx)
	if err != nil {
		return MirrorReport{}, err
	}
	var (
		pending []domain.CaseRecord
		live    = make(map[string]struct{})
	)
	err = b.store.View(ctx, func(r domain.Reader) error {
		all, err := core.ListDocs[domain.CaseRecord](r, domain.CollectionCases)
		if err != nil {
			return err
		}
		for _, rec := range all {
			live[rec.ID] = struct{}{}
			if rec.UpdatedAt.After(st.Watermark) {
				pending = append(pending, rec)
			}
		}
		return nil
	})
	if err != nil {
		return MirrorReport{}, err
	}
	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].UpdatedAt.Equal(pending[j].UpdatedAt) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].UpdatedAt.Before(pending[j].UpdatedAt)
	})

	var (
		report  MirrorReport
		acked   []string
		failure error
	)
	for _, id := range st.Deleted {
		// a record imported again after its deletion is pushed, not deleted
		if _, ok := live[id]; ok {
			acked = append(acked, id)
			continue
		}
		if err := pusher.DeleteRecord(ctx, id); err != nil {
			failure = fmt.Errorf("delete record %s: %w", id, err)
			break
		}
		acked = append(acked, id)
		report.Deleted++
	}

	watermark := st.Watermark
	if failure == nil {
		for i, rec := range pending {
			if err := pusher.PushRecord(ctx, rec); err != nil {
				failure = fmt.Errorf("push record %s: %w", rec.ID, err)
				break
			}
			report.Pushed++
			// records sharing a timestamp must all land before the watermark moves past it
			if i+1 == len(pending) || pending[i+1].UpdatedAt.After(rec.UpdatedAt) {
				watermark = rec.UpdatedAt
			}
		}
	}

	if report.Pushed > 0 || len(acked) > 0 {
		err := b.store.RunInTransaction(context.WithoutCancel(ctx), func(tx domain.Tx) error {
			// re-read: deletions may have been queued while the run was in flight
			cur, _, err := core.GetDoc[domain.SyncState](tx, domain.CollectionSettings, domain.SyncStateID)
			if err != nil {
				return err
			}
			cur.ID = domain.SyncStateID
			cur.Watermark = watermark
			cur.LastPushed = report.Pushed
			cur.LastDeleted = report.Deleted
			cur.Deleted = slices.DeleteFunc(cur.Deleted, func(id string) bool { return slices.Contains(acked, id) })
			return core.PutDoc(tx, domain.CollectionSettings, domain.SyncStateID, cur)
		})
		if err != nil {
			return report, err
		}
	}
	if failure != nil {
		b.logger.Warn("mirror interrupted", "pushed", report.Pushed, "deleted", report.Deleted, "error", failure)
		return report, failure
	}
	if report.Pushed > 0 || report.Deleted > 0 {
		b.logger.Info("mirror complete", "pushed", report.Pushed, "deleted", report.Deleted, "watermark", watermark)
	}
	return report, nil
}

// Pull fetches one record from the record service and imports it, replacing
// the local copy. The fetched record goes through the same checks as any
// snapshot import.
func (b *Bridge) Pull(ctx context.Context, fetcher RecordFetcher, id string) (ImportReport, error) {
	rec, err := fetcher.FetchRecord(ctx, id)
	if err != nil {
		return ImportReport{}, err
	}
	if rec.ID != id {
		return ImportReport{}, domain.ImportError{Reason: fmt.Sprintf("record service returned id %q for %q", rec.ID, id)}
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return ImportReport{}, fmt.Errorf("encode record %s: %w", id, err)
	}
	return b.ImportAll(ctx, Snapshot{
		SchemaVersion: b.store.Registry().CurrentVersion(),
		Collections:   map[domain.Collection][]json.RawMessage{domain.CollectionCases: {raw}},
	})
}
