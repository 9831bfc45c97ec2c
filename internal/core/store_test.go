package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"pericia/internal/infra/persistence/memory"
	"pericia/pkg/domain"
)

type flakyBackend struct {
	*memory.Store
	failCommit error
	failLoad   error
}

func (f *flakyBackend) Load(ctx context.Context) (domain.State, error) {
	if f.failLoad != nil {
		return domain.State{}, f.failLoad
	}
	return f.Store.Load(ctx)
}

func (f *flakyBackend) Commit(ctx context.Context, batch domain.Batch) error {
	if f.failCommit != nil {
		return f.failCommit
	}
	return f.Store.Commit(ctx, batch)
}

var testClock = func() time.Time { return time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC) }

func openMemory(t *testing.T, opts ...Option) (*Store, *flakyBackend) {
	t.Helper()
	backend := &flakyBackend{Store: memory.NewStore()}
	opts = append([]Option{WithClock(testClock)}, opts...)
	store, err := Open(context.Background(), backend, nil, opts...)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, backend
}

func TestStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store, _ := openMemory(t)
	if store.Phase() != PhaseReady {
		t.Fatalf("expected ready, got %s", store.Phase())
	}
	if store.Version() != store.Registry().CurrentVersion() {
		t.Fatalf("expected current version, got %d", store.Version())
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second close must be a no-op, got %v", err)
	}
	if store.Phase() != PhaseClosed {
		t.Fatalf("expected closed, got %s", store.Phase())
	}
	err := store.RunInTransaction(ctx, func(domain.Tx) error { return nil })
	if !errors.Is(err, domain.ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed, got %v", err)
	}
	if err := store.View(ctx, func(domain.Reader) error { return nil }); !errors.Is(err, domain.ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed from View, got %v", err)
	}
}

func TestOpenRejectsNewerSchema(t *testing.T) {
	state := domain.NewState()
	state.Version = 99
	backend := memory.NewStoreFromState(state)
	_, err := Open(context.Background(), backend, nil)
	var me domain.MigrationError
	if !errors.As(err, &me) || !errors.Is(err, ErrNewerSchema) {
		t.Fatalf("expected MigrationError wrapping ErrNewerSchema, got %v", err)
	}
	if backend.Commits() != 0 {
		t.Fatalf("nothing may be written on a newer schema")
	}
}

func TestOpenCommitFailureIsMigrationError(t *testing.T) {
	boom := errors.New("disk full")
	backend := &flakyBackend{Store: memory.NewStore(), failCommit: boom}
	_, err := Open(context.Background(), backend, nil)
	var me domain.MigrationError
	if !errors.As(err, &me) {
		t.Fatalf("expected MigrationError, got %v", err)
	}
	var ioErr domain.StorageIOError
	if !errors.As(err, &ioErr) || !errors.Is(err, boom) {
		t.Fatalf("expected wrapped StorageIOError, got %v", err)
	}
	if backend.ExportState().Version != 0 {
		t.Fatalf("version must stay at 0")
	}
}

func TestOpenLoadFailureIsStorageIOError(t *testing.T) {
	backend := &flakyBackend{Store: memory.NewStore(), failLoad: errors.New("unreadable")}
	_, err := Open(context.Background(), backend, nil)
	var ioErr domain.StorageIOError
	if !errors.As(err, &ioErr) || ioErr.Op != "load" {
		t.Fatalf("expected load StorageIOError, got %v", err)
	}
}

func TestOpenIsNoopWhenCurrent(t *testing.T) {
	ctx := context.Background()
	backend := memory.NewStore()
	first, err := Open(ctx, backend, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer first.Close()
	before := backend.Commits()
	second, err := Open(ctx, backend, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	if backend.Commits() != before {
		t.Fatalf("reopening a current store must not commit")
	}
}

func TestRunInTransactionCommitsAcrossCollections(t *testing.T) {
	ctx := context.Background()
	store, backend := openMemory(t)
	err := store.RunInTransaction(ctx, func(tx domain.Tx) error {
		if err := tx.Put(domain.CollectionCases, "c1", []byte(`{"id":"c1"}`)); err != nil {
			return err
		}
		return tx.Put(domain.CollectionHistory, "c1/1", []byte(`{"id":"c1/1"}`))
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	state := backend.ExportState()
	if _, ok := state.Collections[domain.CollectionCases]["c1"]; !ok {
		t.Fatalf("case not persisted")
	}
	if _, ok := state.Collections[domain.CollectionHistory]["c1/1"]; !ok {
		t.Fatalf("history not persisted")
	}
}

func TestRunInTransactionCallbackErrorDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	store, backend := openMemory(t)
	commits := backend.Commits()
	sentinel := errors.New("abort")
	err := store.RunInTransaction(ctx, func(tx domain.Tx) error {
		_ = tx.Put(domain.CollectionCases, "c1", []byte(`{}`))
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if backend.Commits() != commits {
		t.Fatalf("aborted transaction reached the backend")
	}
	_ = store.View(ctx, func(r domain.Reader) error {
		if _, ok := r.Get(domain.CollectionCases, "c1"); ok {
			t.Fatalf("aborted write is visible")
		}
		return nil
	})
}

func TestRunInTransactionBackendFailureLeavesState(t *testing.T) {
	ctx := context.Background()
	store, backend := openMemory(t)
	backend.failCommit = errors.New("io")
	err := store.RunInTransaction(ctx, func(tx domain.Tx) error {
		return tx.Put(domain.CollectionCases, "c1", []byte(`{}`))
	})
	var ioErr domain.StorageIOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("expected StorageIOError, got %v", err)
	}
	_ = store.View(ctx, func(r domain.Reader) error {
		if _, ok := r.Get(domain.CollectionCases, "c1"); ok {
			t.Fatalf("failed commit is visible")
		}
		return nil
	})
}

func TestRunInTransactionSkipsCancelledContext(t *testing.T) {
	store, backend := openMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := store.RunInTransaction(ctx, func(domain.Tx) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) || called {
		t.Fatalf("expected skipped transaction, got err=%v called=%v", err, called)
	}

	commits := backend.Commits()
	ctx2, cancel2 := context.WithCancel(context.Background())
	err = store.RunInTransaction(ctx2, func(tx domain.Tx) error {
		cancel2()
		return tx.Put(domain.CollectionCases, "late", []byte(`{}`))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation before commit, got %v", err)
	}
	if backend.Commits() != commits {
		t.Fatalf("cancelled transaction reached the backend")
	}
}

func TestRunInTransactionRejectsUndeclaredCollection(t *testing.T) {
	store, _ := openMemory(t)
	err := store.RunInTransaction(context.Background(), func(tx domain.Tx) error {
		return tx.Put(domain.Collection("bogus"), "x", []byte(`{}`))
	})
	if !errors.Is(err, ErrUnknownCollection) {
		t.Fatalf("expected ErrUnknownCollection, got %v", err)
	}
}

func TestTransactionClockIsShared(t *testing.T) {
	store, _ := openMemory(t)
	_ = store.RunInTransaction(context.Background(), func(tx domain.Tx) error {
		if !tx.Now().Equal(testClock()) {
			t.Fatalf("expected injected clock, got %v", tx.Now())
		}
		return nil
	})
}

func TestExportIsDeepCopy(t *testing.T) {
	ctx := context.Background()
	store, _ := openMemory(t)
	if err := store.RunInTransaction(ctx, func(tx domain.Tx) error {
		return tx.Put(domain.CollectionCases, "c1", []byte(`{"a":1}`))
	}); err != nil {
		t.Fatalf("transaction: %v", err)
	}
	state, err := store.Export(ctx)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	state.Collections[domain.CollectionCases]["c1"][2] = 'X'
	_ = store.View(ctx, func(r domain.Reader) error {
		doc, _ := r.Get(domain.CollectionCases, "c1")
		if string(doc) != `{"a":1}` {
			t.Fatalf("export aliases committed state: %s", doc)
		}
		return nil
	})
}

func TestTypedDocHelpers(t *testing.T) {
	ctx := context.Background()
	store, _ := openMemory(t)
	macro := domain.Macro{ID: "m-x", Title: "t", Category: domain.SectionDiscussion, Body: "b"}
	if err := store.RunInTransaction(ctx, func(tx domain.Tx) error {
		return PutDoc(tx, domain.CollectionMacros, macro.ID, macro)
	}); err != nil {
		t.Fatalf("put: %v", err)
	}
	_ = store.View(ctx, func(r domain.Reader) error {
		got, err := MustGetDoc[domain.Macro](r, domain.CollectionMacros, "m-x")
		if err != nil || got != macro {
			t.Fatalf("unexpected macro %+v err=%v", got, err)
		}
		if _, err := MustGetDoc[domain.Macro](r, domain.CollectionMacros, "missing"); !domain.IsNotFound(err) {
			t.Fatalf("expected NotFoundError, got %v", err)
		}
		list, err := ListDocsPrefix[domain.Macro](r, domain.CollectionMacros, "m-")
		if err != nil || len(list) != 1 {
			t.Fatalf("expected one prefixed macro, got %d err=%v", len(list), err)
		}
		return nil
	})
}
