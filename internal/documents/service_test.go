package documents

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pericia/internal/blob"
	"pericia/internal/casefile"
	"pericia/internal/core"
	"pericia/internal/infra/persistence/memory"
	"pericia/pkg/domain"
)

// flakyBlobs fails deletes while failDelete is set.
type flakyBlobs struct {
	blob.Store
	failDelete atomic.Bool
}

func (f *flakyBlobs) Delete(ctx context.Context, key string) (bool, error) {
	if f.failDelete.Load() {
		return false, errors.New("bucket unavailable")
	}
	return f.Store.Delete(ctx, key)
}

func fixedIDs(ids ...string) func() string {
	var n atomic.Int64
	return func() string {
		i := int(n.Add(1)) - 1
		if i >= len(ids) {
			return ids[len(ids)-1]
		}
		return ids[i]
	}
}

func newService(t *testing.T, opts ...Option) (*Service, *casefile.Repository, *flakyBlobs) {
	t.Helper()
	store, err := core.Open(context.Background(), memory.NewStore(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	repo := casefile.NewRepository(store)
	blobs := &flakyBlobs{Store: blob.NewMemory()}
	return NewService(repo, blobs, opts...), repo, blobs
}

func createCase(t *testing.T, repo *casefile.Repository) domain.CaseRecord {
	t.Helper()
	rec, err := repo.Create(context.Background(), domain.CreateInput{ProcessNumber: "0001234-56.2024.5.02.0001", ClaimantName: "Maria Souza"})
	require.NoError(t, err)
	return rec
}

func TestUploadOpenRemove(t *testing.T) {
	ctx := context.Background()
	svc, repo, blobs := newService(t, WithIDGenerator(fixedIDs("doc-1")))
	rec := createCase(t, repo)

	ref, err := svc.Upload(ctx, rec.ID, "Exame Médico.pdf", "application/pdf", strings.NewReader("%PDF-1.4"))
	require.NoError(t, err)
	assert.Equal(t, "doc-1", ref.ID)
	assert.Equal(t, "cases/"+rec.ID+"/doc-1/Exame_M_dico.pdf", ref.Token)
	assert.Equal(t, "Exame Médico.pdf", ref.Name)
	assert.EqualValues(t, 8, ref.Size)

	got, err := repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, got.Documents, 1)
	assert.Equal(t, rec.Status, got.Status)

	_, rc, err := svc.Open(ctx, rec.ID, "doc-1")
	require.NoError(t, err)
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	assert.Equal(t, "%PDF-1.4", string(body))

	require.NoError(t, svc.Remove(ctx, rec.ID, "doc-1"))
	_, err = blobs.Head(ctx, ref.Token)
	assert.ErrorIs(t, err, blob.ErrNotFound)
	got, err = repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Documents)

	// removing again is a no-op
	require.NoError(t, svc.Remove(ctx, rec.ID, "doc-1"))
	_, _, err = svc.Open(ctx, rec.ID, "doc-1")
	assert.True(t, domain.IsNotFound(err))
}

func TestUploadToMissingCaseStoresNothing(t *testing.T) {
	ctx := context.Background()
	svc, _, blobs := newService(t)
	_, err := svc.Upload(ctx, "ghost", "a.txt", "text/plain", strings.NewReader("x"))
	assert.True(t, domain.IsNotFound(err))
	list, err := blobs.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = svc.Upload(ctx, "ghost", " ", "text/plain", strings.NewReader("x"))
	assert.True(t, domain.IsValidation(err))
}

func TestFailedAttachReleasesBlob(t *testing.T) {
	ctx := context.Background()
	svc, repo, blobs := newService(t, WithIDGenerator(fixedIDs("dup")))
	rec := createCase(t, repo)
	_, err := svc.Upload(ctx, rec.ID, "first.txt", "text/plain", strings.NewReader("1"))
	require.NoError(t, err)

	_, err = svc.Upload(ctx, rec.ID, "second.txt", "text/plain", strings.NewReader("2"))
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
	list, err := blobs.List(ctx, KeyPrefix)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "cases/"+rec.ID+"/dup/first.txt", list[0].Key)
}

func TestRemoveReportsReleaseFailure(t *testing.T) {
	ctx := context.Background()
	svc, repo, blobs := newService(t, WithIDGenerator(fixedIDs("doc-1")))
	rec := createCase(t, repo)
	ref, err := svc.Upload(ctx, rec.ID, "raio-x.png", "image/png", strings.NewReader("png"))
	require.NoError(t, err)

	blobs.failDelete.Store(true)
	err = svc.Remove(ctx, rec.ID, ref.ID)
	var rel ReleaseError
	require.ErrorAs(t, err, &rel)
	assert.Equal(t, ref.Token, rel.Ref.Token)

	// the reference is gone regardless
	got, err := repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Documents)

	blobs.failDelete.Store(false)
	released, err := svc.Sweep(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{ref.Token}, released)
}

func TestDeleteCaseReleasesBlobs(t *testing.T) {
	ctx := context.Background()
	svc, repo, blobs := newService(t, WithIDGenerator(fixedIDs("d1", "d2")))
	rec := createCase(t, repo)
	_, err := svc.Upload(ctx, rec.ID, "a.txt", "", strings.NewReader("a"))
	require.NoError(t, err)
	_, err = svc.Upload(ctx, rec.ID, "b.txt", "", strings.NewReader("b"))
	require.NoError(t, err)

	require.NoError(t, svc.DeleteCase(ctx, rec.ID))
	list, err := blobs.List(ctx, KeyPrefix)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.True(t, domain.IsNotFound(svc.DeleteCase(ctx, rec.ID)))
}

func TestSweepKeepsReferencedAndRecentBlobs(t *testing.T) {
	ctx := context.Background()
	svc, repo, blobs := newService(t, WithIDGenerator(fixedIDs("d1")))
	rec := createCase(t, repo)
	ref, err := svc.Upload(ctx, rec.ID, "kept.txt", "", strings.NewReader("k"))
	require.NoError(t, err)
	_, err = blobs.Put(ctx, "cases/other/x/orphan.txt", strings.NewReader("o"), blob.PutOptions{})
	require.NoError(t, err)
	_, err = blobs.Put(ctx, "backups/not-a-case.json", strings.NewReader("{}"), blob.PutOptions{})
	require.NoError(t, err)

	released, err := svc.Sweep(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"cases/other/x/orphan.txt"}, released)

	_, err = blobs.Head(ctx, ref.Token)
	assert.NoError(t, err)
	_, err = blobs.Head(ctx, "backups/not-a-case.json")
	assert.NoError(t, err)
}

func TestURLUnsupportedOnMemory(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newService(t, WithIDGenerator(fixedIDs("d1")))
	rec := createCase(t, repo)
	_, err := svc.Upload(ctx, rec.ID, "a.txt", "", strings.NewReader("a"))
	require.NoError(t, err)
	_, err = svc.URL(ctx, rec.ID, "d1", 0)
	assert.ErrorIs(t, err, blob.ErrUnsupported)
}

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"laudo.pdf":            "laudo.pdf",
		"../../etc/passwd":     "passwd",
		`C:\docs\exame 1.jpg`:  "exame_1.jpg",
		"":                     "document",
		"...":                  "document",
		"notes.meta":           "notes.meta_",
		"relatório final.docx": "relat_rio_final.docx",
	}
	for in, want := range cases {
		if got := SanitizeName(in); got != want {
			t.Errorf("SanitizeName(%q) = %q, want %q", in, got, want)
		}
	}
}
