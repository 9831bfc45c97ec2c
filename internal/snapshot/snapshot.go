// Package snapshot serializes the whole store to a portable document and
// restores it. Export is deterministic: collections are sorted by name and
// documents by id, so an unmodified store exports byte-identical snapshots.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"pericia/internal/core"
	"pericia/internal/infra/persistence/memory"
	"pericia/pkg/domain"
)

// Snapshot is the portable form of the store.
type Snapshot struct {
	SchemaVersion int                                     `json:"schema_version"`
	Collections   map[domain.Collection][]json.RawMessage `json:"collections"`
}

// Marshal renders snap in its canonical indented form.
func (s Snapshot) Marshal() ([]byte, error) {
	if s.Collections == nil {
		s.Collections = map[domain.Collection][]json.RawMessage{}
	}
	return json.MarshalIndent(s, "", "  ")
}

// Parse decodes a snapshot document. Malformed input is an ImportError.
func Parse(data []byte) (Snapshot, error) {
	var snap Snapshot
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&snap); err != nil {
		return Snapshot{}, domain.ImportError{Reason: "malformed snapshot", Err: err}
	}
	return snap, nil
}

// CollectionReport counts what an import did to one collection.
type CollectionReport struct {
	Inserted  int `json:"inserted"`
	Replaced  int `json:"replaced"`
	Unchanged int `json:"unchanged"`
}

// ImportReport summarises a successful import.
type ImportReport struct {
	FromVersion int                                    `json:"from_version"`
	ToVersion   int                                    `json:"to_version"`
	Collections map[domain.Collection]CollectionReport `json:"collections"`
	// Attachments counts blobs put back by Restore.
	Attachments int                                    `json:"attachments_restored,omitempty"`
}

// Upgraded reports whether the snapshot went through schema upgrade steps.
func (r ImportReport) Upgraded() bool { return r.FromVersion != r.ToVersion }

// Bridge exports and imports snapshots of one store.
type Bridge struct {
	store  *core.Store
	logger *slog.Logger
}

// NewBridge binds a bridge to store.
func NewBridge(store *core.Store) *Bridge {
	return &Bridge{store: store, logger: store.Logger()}
}

// ExportAll captures every collection tagged with the current schema version.
func (b *Bridge) ExportAll(ctx context.Context) (Snapshot, error) {
	state, err := b.store.Export(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return fromState(state), nil
}

func fromState(state domain.State) Snapshot {
	snap := Snapshot{SchemaVersion: state.Version, Collections: make(map[domain.Collection][]json.RawMessage, len(state.Collections))}
	for name, docs := range state.Collections {
		ids := make([]string, 0, len(docs))
		for id := range docs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		list := make([]json.RawMessage, 0, len(ids))
		for _, id := range ids {
			list = append(list, json.RawMessage(docs[id]))
		}
		snap.Collections[name] = list
	}
	return snap
}

// toState keys every document by its id. snap must have passed validate.
func toState(snap Snapshot) domain.State {
	state := domain.State{Version: snap.SchemaVersion, Collections: make(map[domain.Collection]map[string][]byte, len(snap.Collections))}
	for name, docs := range snap.Collections {
		m := make(map[string][]byte, len(docs))
		for _, doc := range docs {
			id, _ := docID(doc)
			m[id] = compact(doc)
		}
		state.Collections[name] = m
	}
	return state
}

func compact(doc json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, doc); err != nil {
		return append([]byte(nil), doc...)
	}
	return buf.Bytes()
}

func docID(doc json.RawMessage) (string, error) {
	var head map[string]json.RawMessage
	if err := json.Unmarshal(doc, &head); err != nil {
		return "", fmt.Errorf("document is not a JSON object: %w", err)
	}
	if head == nil {
		return "", fmt.Errorf("document is not a JSON object")
	}
	raw, ok := head["id"]
	if !ok {
		return "", fmt.Errorf("document has no id")
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil || id == "" {
		return "", fmt.Errorf("document id must be a non-empty string")
	}
	return id, nil
}

// validate checks the whole snapshot before anything is written.
func (b *Bridge) validate(snap Snapshot) error {
	current := b.store.Registry().CurrentVersion()
	switch {
	case snap.SchemaVersion < 1:
		return domain.ImportError{Reason: fmt.Sprintf("unsupported schema version %d", snap.SchemaVersion)}
	case snap.SchemaVersion > current:
		return domain.ImportError{Reason: fmt.Sprintf("snapshot schema v%d is newer than supported v%d", snap.SchemaVersion, current)}
	}
	for name, docs := range snap.Collections {
		if !domain.IsKnownCollection(name) {
			return domain.ImportError{Reason: fmt.Sprintf("unknown collection %q", name)}
		}
		seen := make(map[string]struct{}, len(docs))
		for i, doc := range docs {
			id, err := docID(doc)
			if err != nil {
				return domain.ImportError{Reason: fmt.Sprintf("%s[%d]", name, i), Err: err}
			}
			if _, dup := seen[id]; dup {
				return domain.ImportError{Reason: fmt.Sprintf("%s: duplicate id %q", name, id)}
			}
			seen[id] = struct{}{}
		}
	}
	return nil
}

// upgrade runs an older snapshot through the registry steps in a throwaway
// in-memory store and returns the resulting state.
func (b *Bridge) upgrade(ctx context.Context, snap Snapshot) (domain.State, error) {
	state := toState(snap)
	if snap.SchemaVersion == b.store.Registry().CurrentVersion() {
		return state, nil
	}
	staging, err := core.Open(ctx, memory.NewStoreFromState(state), b.store.Registry(),
		core.WithClock(b.store.Now), core.WithLogger(b.logger))
	if err != nil {
		return domain.State{}, domain.ImportError{Reason: fmt.Sprintf("upgrade from v%d", snap.SchemaVersion), Err: err}
	}
	defer staging.Close()
	upgraded, err := staging.Export(ctx)
	if err != nil {
		return domain.State{}, domain.ImportError{Reason: "read upgraded snapshot", Err: err}
	}
	// only collections the snapshot carried are merged back
	for name := range upgraded.Collections {
		if _, ok := snap.Collections[name]; !ok {
			delete(upgraded.Collections, name)
		}
	}
	return upgraded, nil
}

// ImportAll merges snap into the store, replacing documents by id. The
// snapshot is validated, upgraded when older, and every document decoded
// into its type before the store is touched; any failure leaves the store
// as it was.
func (b *Bridge) ImportAll(ctx context.Context, snap Snapshot) (report ImportReport, err error) {
	defer func() { b.store.Metrics().ObserveImport(err) }()
	if err := b.validate(snap); err != nil {
		return ImportReport{}, err
	}
	state, err := b.upgrade(ctx, snap)
	if err != nil {
		return ImportReport{}, err
	}
	if err := checkDocuments(state); err != nil {
		return ImportReport{}, err
	}

	names := make([]domain.Collection, 0, len(state.Collections))
	for name := range state.Collections {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	report = ImportReport{FromVersion: snap.SchemaVersion, ToVersion: b.store.Registry().CurrentVersion()}
	err = b.store.RunInTransaction(ctx, func(tx domain.Tx) error {
		report.Collections = make(map[domain.Collection]CollectionReport, len(names))
		for _, name := range names {
			docs := state.Collections[name]
			ids := make([]string, 0, len(docs))
			for id := range docs {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			var cr CollectionReport
			for _, id := range ids {
				existing, ok := tx.Get(name, id)
				switch {
				case !ok:
					cr.Inserted++
				case bytes.Equal(existing, docs[id]):
					cr.Unchanged++
					continue
				default:
					cr.Replaced++
				}
				if err := tx.Put(name, id, docs[id]); err != nil {
					return err
				}
			}
			report.Collections[name] = cr
		}
		return nil
	})
	if err != nil {
		return ImportReport{}, err
	}
	b.logger.Info("snapshot imported", "from_version", report.FromVersion, "to_version", report.ToVersion, "collections", len(names))
	return report, nil
}
