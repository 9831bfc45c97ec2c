package casefile

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pericia/internal/core"
	"pericia/internal/history"
	"pericia/internal/infra/persistence/memory"
	"pericia/pkg/domain"
	"pericia/pkg/logger"
)

type failingBackend struct {
	*memory.Store
	fail atomic.Bool
}

func (b *failingBackend) Commit(ctx context.Context, batch domain.Batch) error {
	if b.fail.Load() {
		return errors.New("write failed")
	}
	return b.Store.Commit(ctx, batch)
}

func steppingClock() func() time.Time {
	var n atomic.Int64
	start := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		return start.Add(time.Duration(n.Add(1)) * time.Minute)
	}
}

func sequentialIDs(prefix string) func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("%s-%03d", prefix, n.Add(1)) }
}

func newTestRepo(t *testing.T) (*Repository, *failingBackend) {
	t.Helper()
	backend := &failingBackend{Store: memory.NewStore()}
	store, err := core.Open(context.Background(), backend, nil, core.WithClock(steppingClock()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewRepository(store, WithIDGenerator(sequentialIDs("case"))), backend
}

func entries(t *testing.T, repo *Repository, id string) []domain.HistoryEntry {
	t.Helper()
	out, err := history.NewTracker(repo.Store()).EntriesFor(context.Background(), id)
	require.NoError(t, err)
	return out
}

func TestCreateScenario(t *testing.T) {
	repo, _ := newTestRepo(t)
	rec, err := repo.Create(context.Background(), domain.CreateInput{ProcessNumber: "0001/2024", ClaimantName: "Jane Doe"})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusAwaitingSchedule, rec.Status)
	assert.Equal(t, domain.Amount(0), rec.Fee)
	assert.Equal(t, domain.PaymentPending, rec.PaymentStatus)
	assert.NotNil(t, rec.Documents)
	assert.Equal(t, rec.CreatedAt, rec.UpdatedAt)

	log := entries(t, repo, rec.ID)
	require.Len(t, log, 1)
	assert.Equal(t, domain.CaseStatus(""), log[0].PriorStatus)
	assert.Equal(t, domain.StatusAwaitingSchedule, log[0].NewStatus)
	assert.Empty(t, log[0].Changes)
}

func TestCreateWithScheduledDate(t *testing.T) {
	repo, _ := newTestRepo(t)
	rec, err := repo.Create(context.Background(), domain.CreateInput{
		ProcessNumber: "2", ClaimantName: "b", ScheduledDate: "2024-05-02", Fee: "350,00",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusScheduled, rec.Status)
	assert.Equal(t, domain.Amount(35000), rec.Fee)
}

func TestCreateValidation(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	cases := []struct {
		name  string
		in    domain.CreateInput
		field string
	}{
		{"empty process number", domain.CreateInput{ClaimantName: "x"}, "process_number"},
		{"blank claimant", domain.CreateInput{ProcessNumber: "1", ClaimantName: "   "}, "claimant_name"},
		{"malformed date", domain.CreateInput{ProcessNumber: "1", ClaimantName: "x", ScheduledDate: "02/05/2024"}, "scheduled_date"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := repo.Create(ctx, tc.in)
			var ve domain.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
		})
	}
	all, err := repo.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestStatusMachineThroughUpdates(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := logger.WithActor(context.Background(), "dr.x")
	rec, err := repo.Create(ctx, domain.CreateInput{ProcessNumber: "0001/2024", ClaimantName: "Jane Doe"})
	require.NoError(t, err)

	rec, err = repo.Update(ctx, rec.ID, domain.Patch{Anamnesis: domain.Text("relata dor")})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, rec.Status)
	log := entries(t, repo, rec.ID)
	require.Len(t, log, 2)
	assert.Equal(t, domain.StatusAwaitingSchedule, log[1].PriorStatus)
	assert.Equal(t, domain.StatusInProgress, log[1].NewStatus)
	assert.Equal(t, "awaiting_schedule", log[1].Changes["status"])
	assert.Contains(t, log[1].Changes, "anamnesis")
	assert.Equal(t, "dr.x", log[1].Actor)

	rec, err = repo.Finalize(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, rec.Status)

	rec, err = repo.Update(ctx, rec.ID, domain.Patch{Conclusion: domain.Text("x")})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, rec.Status, "completed is terminal")
	assert.Equal(t, "x", rec.Conclusion)
	assert.Len(t, entries(t, repo, rec.ID), 4)
}

func TestFinalizeWinsOverAutomaticTransition(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	rec, err := repo.Create(ctx, domain.CreateInput{ProcessNumber: "1", ClaimantName: "a", ScheduledDate: "2024-02-01"})
	require.NoError(t, err)
	rec, err = repo.Update(ctx, rec.ID, domain.Patch{Discussion: domain.Text("d"), Finalize: true})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, rec.Status)
	assert.Len(t, entries(t, repo, rec.ID), 2, "one entry per mutation, not per field")
}

func TestTouchAdvancesScheduled(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	rec, err := repo.Create(ctx, domain.CreateInput{ProcessNumber: "1", ClaimantName: "a", ScheduledDate: "2024-02-01"})
	require.NoError(t, err)
	rec, err = repo.Touch(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, rec.Status)

	again, err := repo.Touch(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.UpdatedAt, again.UpdatedAt, "no-op touch must not rewrite")
	assert.Len(t, entries(t, repo, rec.ID), 2)
}

func TestUpdateFeeCoercion(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	rec, err := repo.Create(ctx, domain.CreateInput{ProcessNumber: "1", ClaimantName: "a", Fee: "100"})
	require.NoError(t, err)
	for raw, want := range map[string]domain.Amount{
		"150,50": 15050,
		"abc":    0,
		"-3":     0,
		"NaN":    0,
		"1e400":  0,
		"99.999": 10000,
	} {
		got, err := repo.Update(ctx, rec.ID, domain.Patch{Fee: domain.Text(raw)})
		require.NoError(t, err, raw)
		assert.Equal(t, want, got.Fee, raw)
	}
}

func TestUpdateErrorsLeaveRecordUntouched(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	_, err := repo.Update(ctx, "missing", domain.Patch{Anamnesis: domain.Text("x")})
	assert.True(t, domain.IsNotFound(err))

	rec, err := repo.Create(ctx, domain.CreateInput{ProcessNumber: "1", ClaimantName: "a"})
	require.NoError(t, err)
	_, err = repo.Update(ctx, rec.ID, domain.Patch{Anamnesis: domain.Text("x"), BirthDate: domain.Text("yesterday")})
	assert.True(t, domain.IsValidation(err))
	bad := domain.PaymentStatus("maybe")
	_, err = repo.Update(ctx, rec.ID, domain.Patch{PaymentStatus: &bad})
	assert.True(t, domain.IsValidation(err))

	got, err := repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
	assert.Len(t, entries(t, repo, rec.ID), 1)
}

func TestPartialUpdatePreservesUntouchedFields(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	rec, err := repo.Create(ctx, domain.CreateInput{
		ProcessNumber: "1", ClaimantName: "a", Occupation: "pedreiro",
		Sections: map[domain.Section]string{domain.SectionObjective: "avaliar"},
	})
	require.NoError(t, err)
	rec, err = repo.Update(ctx, rec.ID, domain.Patch{City: domain.Text("Recife")})
	require.NoError(t, err)
	assert.Equal(t, "pedreiro", rec.Occupation)
	assert.Equal(t, "avaliar", rec.Objective)
	assert.Equal(t, "Recife", rec.City)
}

func TestFailedCommitPersistsNeitherRecordNorHistory(t *testing.T) {
	repo, backend := newTestRepo(t)
	ctx := context.Background()
	backend.fail.Store(true)
	_, err := repo.Create(ctx, domain.CreateInput{ProcessNumber: "1", ClaimantName: "a"})
	var ioErr domain.StorageIOError
	require.ErrorAs(t, err, &ioErr)
	backend.fail.Store(false)

	all, err := repo.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Empty(t, entries(t, repo, "case-001"))
}

func TestDocumentReferences(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	rec, err := repo.Create(ctx, domain.CreateInput{ProcessNumber: "1", ClaimantName: "a"})
	require.NoError(t, err)

	first, err := repo.AttachDocument(ctx, rec.ID, domain.DocumentRef{Token: "tok-1", Name: "laudo.pdf"})
	require.NoError(t, err)
	_, err = repo.AttachDocument(ctx, rec.ID, domain.DocumentRef{Token: "tok-2", Name: "exame.png"})
	require.NoError(t, err)
	_, err = repo.AttachDocument(ctx, rec.ID, domain.DocumentRef{ID: first.ID, Token: "tok-3"})
	assert.True(t, domain.IsValidation(err))
	_, err = repo.AttachDocument(ctx, rec.ID, domain.DocumentRef{Name: "no token"})
	assert.True(t, domain.IsValidation(err))

	got, err := repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, got.Documents, 2)
	assert.Equal(t, "laudo.pdf", got.Documents[0].Name)
	assert.Equal(t, rec.ID, got.Documents[0].CaseID)
	assert.Equal(t, domain.StatusAwaitingSchedule, got.Status)

	removed, ok, err := repo.RemoveDocument(ctx, rec.ID, first.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "tok-1", removed.Token)

	before, err := repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	_, ok, err = repo.RemoveDocument(ctx, rec.ID, first.ID)
	require.NoError(t, err, "second removal is not an error")
	assert.False(t, ok)
	after, err := repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Documents, after.Documents)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
}

func TestDeleteReturnsReferencesAndKeepsHistory(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	rec, err := repo.Create(ctx, domain.CreateInput{ProcessNumber: "1", ClaimantName: "a"})
	require.NoError(t, err)
	_, err = repo.AttachDocument(ctx, rec.ID, domain.DocumentRef{Token: "tok", Name: "a.pdf"})
	require.NoError(t, err)
	require.NoError(t, repo.Store().RunInTransaction(ctx, func(tx domain.Tx) error {
		return tx.Put(domain.CollectionDrafts, "d1", []byte(`{"id":"d1","case_id":"`+rec.ID+`"}`))
	}))

	refs, err := repo.Delete(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "tok", refs[0].Token)

	_, err = repo.Get(ctx, rec.ID)
	assert.True(t, domain.IsNotFound(err))
	assert.Len(t, entries(t, repo, rec.ID), 2)
	_ = repo.Store().View(ctx, func(r domain.Reader) error {
		_, ok := r.Get(domain.CollectionDrafts, "d1")
		assert.False(t, ok, "linked drafts are removed with the record")
		return nil
	})
	_ = repo.Store().View(ctx, func(r domain.Reader) error {
		st, err := core.MustGetDoc[domain.SyncState](r, domain.CollectionSettings, domain.SyncStateID)
		require.NoError(t, err)
		assert.Equal(t, []string{rec.ID}, st.Deleted)
		return nil
	})
	_, err = repo.Delete(ctx, rec.ID)
	assert.True(t, domain.IsNotFound(err))
}
