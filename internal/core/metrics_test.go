package core

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"pericia/pkg/domain"
)

func TestMetricsNilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveDraftFlush(nil)
	m.ObserveImport(errors.New("x"))
	m.observeCommit(0, nil)
	m.observeState(domain.NewState())
}

func TestMetricsTrackCommits(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if _, err := NewMetrics(reg); err != nil {
		t.Fatalf("re-registering must be tolerated: %v", err)
	}
	store, backend := openMemory(t, WithMetrics(m))
	ctx := context.Background()
	if err := store.RunInTransaction(ctx, func(tx domain.Tx) error {
		return tx.Put(domain.CollectionCases, "c1", []byte(`{}`))
	}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	backend.failCommit = errors.New("io")
	_ = store.RunInTransaction(ctx, func(tx domain.Tx) error {
		return tx.Put(domain.CollectionCases, "c2", []byte(`{}`))
	})

	if got := testutil.ToFloat64(m.commits.WithLabelValues("success")); got != 1 {
		t.Fatalf("expected 1 successful commit, got %v", got)
	}
	if got := testutil.ToFloat64(m.commits.WithLabelValues("error")); got != 1 {
		t.Fatalf("expected 1 failed commit, got %v", got)
	}
	if got := testutil.ToFloat64(m.documents.WithLabelValues(string(domain.CollectionCases))); got != 1 {
		t.Fatalf("expected cases gauge 1, got %v", got)
	}
	m.ObserveDraftFlush(nil)
	if got := testutil.ToFloat64(m.draftFlushes.WithLabelValues("success")); got != 1 {
		t.Fatalf("expected one draft flush, got %v", got)
	}
}
