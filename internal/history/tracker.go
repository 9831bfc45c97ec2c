// Package history keeps the append-only audit log of case record mutations.
// Entries are written inside the transaction that mutates the record, so a
// record never exists without its history.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"pericia/internal/core"
	"pericia/pkg/domain"
)

// seqWidth pads sequence numbers so lexical id order equals append order.
const seqWidth = 20

// EntryID returns the storage key of the seq-th entry of caseID.
func EntryID(caseID string, seq int) string {
	return fmt.Sprintf("%s/%0*d", caseID, seqWidth, seq)
}

func entryPrefix(caseID string) string { return caseID + "/" }

// ignoredFields never count as changes: they move on every write.
var ignoredFields = map[string]struct{}{
	"updated_at": {},
}

// Tracker appends and reads history entries.
type Tracker struct {
	store *core.Store
}

// NewTracker binds a tracker to store.
func NewTracker(store *core.Store) *Tracker {
	return &Tracker{store: store}
}

// Diff returns the previous value of every top-level field that differs
// between before and after. A nil before yields an empty map.
func Diff(before *domain.CaseRecord, after domain.CaseRecord) (map[string]any, error) {
	changes := make(map[string]any)
	if before == nil {
		return changes, nil
	}
	prev, err := fields(*before)
	if err != nil {
		return nil, err
	}
	next, err := fields(after)
	if err != nil {
		return nil, err
	}
	for name, old := range prev {
		if _, skip := ignoredFields[name]; skip {
			continue
		}
		if nv, ok := next[name]; !ok || !reflect.DeepEqual(old, nv) {
			changes[name] = old
		}
	}
	for name := range next {
		if _, skip := ignoredFields[name]; skip {
			continue
		}
		if _, ok := prev[name]; !ok {
			changes[name] = nil
		}
	}
	return changes, nil
}

func fields(rec domain.CaseRecord) (map[string]any, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Record appends exactly one entry describing the mutation before -> after.
// before is nil for a creation.
func Record(tx domain.Tx, before *domain.CaseRecord, after domain.CaseRecord, actor string) (domain.HistoryEntry, error) {
	changes, err := Diff(before, after)
	if err != nil {
		return domain.HistoryEntry{}, fmt.Errorf("diff case %s: %w", after.ID, err)
	}
	seq, err := lastSeq(tx, after.ID)
	if err != nil {
		return domain.HistoryEntry{}, err
	}
	entry := domain.HistoryEntry{
		ID:        EntryID(after.ID, seq+1),
		CaseID:    after.ID,
		Seq:       seq + 1,
		NewStatus: after.Status,
		Changes:   changes,
		Timestamp: tx.Now(),
		Actor:     actor,
	}
	if before != nil {
		entry.PriorStatus = before.Status
	}
	if err := core.PutDoc(tx, domain.CollectionHistory, entry.ID, entry); err != nil {
		return domain.HistoryEntry{}, err
	}
	return entry, nil
}

func lastSeq(r domain.Reader, caseID string) (int, error) {
	last := 0
	prefix := entryPrefix(caseID)
	err := r.ScanPrefix(domain.CollectionHistory, prefix, func(id string, _ []byte) error {
		rest := strings.TrimPrefix(id, prefix)
		if strings.Contains(rest, "/") {
			return nil
		}
		n, err := strconv.Atoi(rest)
		if err != nil {
			return nil
		}
		if n > last {
			last = n
		}
		return nil
	})
	return last, err
}

// EntriesFor returns the entries of caseID, oldest first.
func (t *Tracker) EntriesFor(ctx context.Context, caseID string) ([]domain.HistoryEntry, error) {
	var out []domain.HistoryEntry
	err := t.store.View(ctx, func(r domain.Reader) error {
		var err error
		out, err = EntriesFor(r, caseID)
		return err
	})
	return out, err
}

// EntriesFor reads the entries of caseID from r, oldest first.
func EntriesFor(r domain.Reader, caseID string) ([]domain.HistoryEntry, error) {
	entries, err := core.ListDocsPrefix[domain.HistoryEntry](r, domain.CollectionHistory, entryPrefix(caseID))
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if e.CaseID == caseID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Prune deletes entries recorded before cutoff across all cases and reports
// how many were removed. It is never called from a mutation path.
func (t *Tracker) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	removed := 0
	err := t.store.RunInTransaction(ctx, func(tx domain.Tx) error {
		removed = 0
		var stale []string
		err := tx.Scan(domain.CollectionHistory, func(id string, raw []byte) error {
			var e domain.HistoryEntry
			if err := json.Unmarshal(raw, &e); err != nil {
				return fmt.Errorf("decode history %s: %w", id, err)
			}
			if e.Timestamp.Before(cutoff) {
				stale = append(stale, id)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, id := range stale {
			if err := tx.Delete(domain.CollectionHistory, id); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}
