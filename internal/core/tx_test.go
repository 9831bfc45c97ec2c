package core

import (
	"testing"
	"time"

	"pericia/pkg/domain"
)

func baseState() domain.State {
	s := domain.NewState()
	s.Version = 1
	s.Collections[domain.CollectionCases] = map[string][]byte{
		"a": []byte(`"a"`),
		"b": []byte(`"b"`),
	}
	s.Collections[domain.CollectionMacros] = map[string][]byte{}
	return s
}

func TestTxnOverlay(t *testing.T) {
	base := baseState()
	tx := newTxn(base, time.Time{}, true)
	if err := tx.Put(domain.CollectionCases, "c", []byte(`"c"`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := tx.Delete(domain.CollectionCases, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := tx.Put(domain.CollectionCases, "b", []byte(`"b2"`)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	var ids, docs []string
	_ = tx.Scan(domain.CollectionCases, func(id string, doc []byte) error {
		ids = append(ids, id)
		docs = append(docs, string(doc))
		return nil
	})
	if len(ids) != 2 || ids[0] != "b" || ids[1] != "c" || docs[0] != `"b2"` {
		t.Fatalf("unexpected scan ids=%v docs=%v", ids, docs)
	}
	if _, ok := tx.Get(domain.CollectionCases, "a"); ok {
		t.Fatalf("deleted doc still visible")
	}
	if _, ok := base.Collections[domain.CollectionCases]["a"]; !ok {
		t.Fatalf("base state was mutated")
	}

	merged := tx.merged()
	if len(merged.Collections[domain.CollectionCases]) != 2 {
		t.Fatalf("unexpected merged cases: %v", merged.Collections[domain.CollectionCases])
	}
	if len(base.Collections[domain.CollectionCases]) != 2 || string(base.Collections[domain.CollectionCases]["b"]) != `"b"` {
		t.Fatalf("merge mutated base namespace")
	}
}

func TestTxnBatchOrderAndDedup(t *testing.T) {
	tx := newTxn(baseState(), time.Time{}, false)
	_ = tx.Put(domain.CollectionCases, "z", []byte(`1`))
	_ = tx.Put(domain.CollectionCases, "a", []byte(`2`))
	_ = tx.Put(domain.CollectionCases, "z", []byte(`3`))
	_ = tx.Put(domain.CollectionDrafts, "d", []byte(`4`))
	_ = tx.Delete(domain.CollectionDrafts, "d")

	b := tx.batch()
	if len(b.Ensure) != 1 || b.Ensure[0] != domain.CollectionDrafts {
		t.Fatalf("expected drafts ensured, got %v", b.Ensure)
	}
	if len(b.Mutations) != 2 {
		t.Fatalf("expected two mutations, got %+v", b.Mutations)
	}
	if b.Mutations[0].ID != "z" || string(b.Mutations[0].Doc) != "3" || b.Mutations[1].ID != "a" {
		t.Fatalf("unexpected order: %+v", b.Mutations)
	}
}

func TestTxnGuards(t *testing.T) {
	tx := newTxn(baseState(), time.Time{}, true)
	if err := tx.Put(domain.CollectionCases, "", []byte(`{}`)); !domain.IsValidation(err) {
		t.Fatalf("expected ValidationError for empty id, got %v", err)
	}
	doc, _ := tx.Get(domain.CollectionCases, "a")
	doc[0] = 'X'
	again, _ := tx.Get(domain.CollectionCases, "a")
	if string(again) != `"a"` {
		t.Fatalf("Get must return a copy")
	}
	if err := tx.Delete(domain.CollectionCases, "missing"); err != nil {
		t.Fatalf("deleting a missing doc is a no-op, got %v", err)
	}
	if !tx.batch().Empty() {
		t.Fatalf("expected empty batch")
	}
}
