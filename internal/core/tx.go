package core

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"pericia/pkg/domain"
)

// ErrUnknownCollection is returned when a transaction touches a collection
// the schema has not declared.
var ErrUnknownCollection = errors.New("collection not declared")

// txn overlays pending writes on an immutable committed state. Committed
// namespaces are shared, never mutated: merged() copies only the namespaces
// the transaction touched.
type txn struct {
	base    domain.State
	writes  map[domain.Collection]map[string][]byte
	deletes map[domain.Collection]map[string]struct{}
	ensured []domain.Collection
	order   []mutationKey
	strict  bool
	now     time.Time
}

type mutationKey struct {
	collection domain.Collection
	id         string
}

var _ domain.Tx = (*txn)(nil)

func newTxn(base domain.State, now time.Time, strict bool) *txn {
	if base.Collections == nil {
		base.Collections = make(map[domain.Collection]map[string][]byte)
	}
	return &txn{
		base:    base,
		writes:  make(map[domain.Collection]map[string][]byte),
		deletes: make(map[domain.Collection]map[string]struct{}),
		strict:  strict,
		now:     now,
	}
}

func (t *txn) Now() time.Time { return t.now }

func (t *txn) HasCollection(c domain.Collection) bool {
	if _, ok := t.base.Collections[c]; ok {
		return true
	}
	for _, e := range t.ensured {
		if e == c {
			return true
		}
	}
	return false
}

func (t *txn) EnsureCollection(c domain.Collection) {
	if t.HasCollection(c) {
		return
	}
	t.ensured = append(t.ensured, c)
}

func (t *txn) checkCollection(c domain.Collection) error {
	if !t.HasCollection(c) {
		if t.strict {
			return fmt.Errorf("%w: %s", ErrUnknownCollection, c)
		}
		t.EnsureCollection(c)
	}
	return nil
}

func (t *txn) Get(c domain.Collection, id string) ([]byte, bool) {
	if doc, ok := t.writes[c][id]; ok {
		return append([]byte(nil), doc...), true
	}
	if _, ok := t.deletes[c][id]; ok {
		return nil, false
	}
	doc, ok := t.base.Collections[c][id]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), doc...), true
}

func (t *txn) Put(c domain.Collection, id string, doc []byte) error {
	if id == "" {
		return domain.ValidationError{Field: "id", Message: "must not be empty"}
	}
	if err := t.checkCollection(c); err != nil {
		return err
	}
	if t.writes[c] == nil {
		t.writes[c] = make(map[string][]byte)
	}
	delete(t.deletes[c], id)
	t.writes[c][id] = append([]byte(nil), doc...)
	t.order = append(t.order, mutationKey{c, id})
	return nil
}

func (t *txn) Delete(c domain.Collection, id string) error {
	if err := t.checkCollection(c); err != nil {
		return err
	}
	_, pending := t.writes[c][id]
	_, committed := t.base.Collections[c][id]
	delete(t.writes[c], id)
	if !committed {
		if pending {
			t.order = append(t.order, mutationKey{c, id})
		}
		return nil
	}
	if t.deletes[c] == nil {
		t.deletes[c] = make(map[string]struct{})
	}
	t.deletes[c][id] = struct{}{}
	t.order = append(t.order, mutationKey{c, id})
	return nil
}

func (t *txn) Scan(c domain.Collection, fn func(id string, doc []byte) error) error {
	return t.ScanPrefix(c, "", fn)
}

func (t *txn) ScanPrefix(c domain.Collection, prefix string, fn func(id string, doc []byte) error) error {
	ids := make([]string, 0, len(t.base.Collections[c])+len(t.writes[c]))
	for id := range t.base.Collections[c] {
		if _, gone := t.deletes[c][id]; gone {
			continue
		}
		if _, overwritten := t.writes[c][id]; overwritten {
			continue
		}
		if strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
	}
	for id := range t.writes[c] {
		if strings.HasPrefix(id, prefix) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		doc, ok := t.writes[c][id]
		if !ok {
			doc = t.base.Collections[c][id]
		}
		if err := fn(id, doc); err != nil {
			return err
		}
	}
	return nil
}

// batch returns the pending writes in a deterministic order: ensured
// collections first, then one mutation per touched key in first-touch order.
func (t *txn) batch() domain.Batch {
	var b domain.Batch
	b.Ensure = append(b.Ensure, t.ensured...)
	seen := make(map[mutationKey]struct{}, len(t.order))
	for _, key := range t.order {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if doc, ok := t.writes[key.collection][key.id]; ok {
			b.Mutations = append(b.Mutations, domain.Mutation{Collection: key.collection, ID: key.id, Doc: doc})
			continue
		}
		if _, ok := t.deletes[key.collection][key.id]; ok {
			b.Mutations = append(b.Mutations, domain.Mutation{Collection: key.collection, ID: key.id, Delete: true})
		}
	}
	return b
}

// merged returns the committed state with this transaction applied.
func (t *txn) merged() domain.State {
	out := domain.State{Version: t.base.Version, Collections: make(map[domain.Collection]map[string][]byte, len(t.base.Collections)+len(t.ensured))}
	for c, docs := range t.base.Collections {
		out.Collections[c] = docs
	}
	for _, c := range t.ensured {
		if _, ok := out.Collections[c]; !ok {
			out.Collections[c] = make(map[string][]byte)
		}
	}
	touched := make(map[domain.Collection]struct{})
	for c := range t.writes {
		touched[c] = struct{}{}
	}
	for c := range t.deletes {
		touched[c] = struct{}{}
	}
	for c := range touched {
		docs := make(map[string][]byte, len(out.Collections[c])+len(t.writes[c]))
		for id, doc := range out.Collections[c] {
			docs[id] = doc
		}
		for id := range t.deletes[c] {
			delete(docs, id)
		}
		for id, doc := range t.writes[c] {
			docs[id] = doc
		}
		out.Collections[c] = docs
	}
	return out
}
