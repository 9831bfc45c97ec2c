// Package documents couples case record attachments with the blob store
// holding their content. The DocumentRef on the record is the source of
// truth; blobs are written before a reference exists and released after it
// is gone.
package documents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"pericia/internal/blob"
	"pericia/internal/casefile"
	"pericia/pkg/domain"
	"pericia/pkg/logger"
)

// KeyPrefix namespaces every case attachment in the blob store.
const KeyPrefix = "cases/"

// ReleaseError reports a reference that was removed while its blob could not
// be released. The removal stands; the blob is reclaimed by a later Sweep.
type ReleaseError struct {
	Ref domain.DocumentRef
	Err error
}

func (e ReleaseError) Error() string {
	return fmt.Sprintf("release blob %s of document %s: %v", e.Ref.Token, e.Ref.ID, e.Err)
}

func (e ReleaseError) Unwrap() error { return e.Err }

// Service uploads, opens and releases case attachments.
type Service struct {
	repo   *casefile.Repository
	blobs  blob.Store
	newID  func() string
	logger *slog.Logger
}

// Option customises a Service.
type Option func(*Service)

// WithIDGenerator overrides the document id source.
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// NewService binds repo to blobs.
func NewService(repo *casefile.Repository, blobs blob.Store, opts ...Option) *Service {
	s := &Service{repo: repo, blobs: blobs, newID: uuid.NewString, logger: repo.Store().Logger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BlobKey is the storage key of a document: cases/<caseID>/<docID>/<name>.
func BlobKey(caseID, docID, name string) string {
	return KeyPrefix + caseID + "/" + docID + "/" + SanitizeName(name)
}

// SanitizeName reduces a display name to a safe final path element.
func SanitizeName(name string) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	var b strings.Builder
	for _, r := range base {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)), r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	switch {
	case out == "":
		return "document"
	case strings.HasSuffix(out, ".meta"):
		return out + "_"
	}
	return out
}

// Upload stores r and attaches it to the case. The blob is released again
// when the reference cannot be attached.
func (s *Service) Upload(ctx context.Context, caseID, name, contentType string, r io.Reader) (domain.DocumentRef, error) {
	if strings.TrimSpace(name) == "" {
		return domain.DocumentRef{}, domain.ValidationError{Field: "name", Message: "must not be empty"}
	}
	if _, err := s.repo.Get(ctx, caseID); err != nil {
		return domain.DocumentRef{}, err
	}
	docID := s.newID()
	key := BlobKey(caseID, docID, name)
	info, err := s.blobs.Put(ctx, key, r, blob.PutOptions{
		ContentType: contentType,
		Metadata:    map[string]string{"case-id": caseID, "document-id": docID},
	})
	if err != nil {
		return domain.DocumentRef{}, domain.StorageIOError{Op: "blob put", Err: err}
	}
	ref, err := s.repo.AttachDocument(ctx, caseID, domain.DocumentRef{
		ID:          docID,
		Token:       info.Key,
		Name:        name,
		ContentType: contentType,
		Size:        info.Size,
	})
	if err != nil {
		if _, relErr := s.blobs.Delete(context.WithoutCancel(ctx), key); relErr != nil {
			s.log(ctx, caseID).Warn("orphaned upload", "key", key, "error", relErr)
		}
		return domain.DocumentRef{}, err
	}
	s.log(ctx, caseID).Info("document attached", "document_id", ref.ID, "size", ref.Size)
	return ref, nil
}

// Remove drops the reference and then releases its blob. Removing an
// unknown document is a no-op. A failed release yields ReleaseError.
func (s *Service) Remove(ctx context.Context, caseID, docID string) error {
	ref, found, err := s.repo.RemoveDocument(ctx, caseID, docID)
	if err != nil || !found {
		return err
	}
	return s.release(context.WithoutCancel(ctx), ref)
}

// DeleteCase deletes the record and releases every blob it referenced.
func (s *Service) DeleteCase(ctx context.Context, caseID string) error {
	refs, err := s.repo.Delete(ctx, caseID)
	if err != nil {
		return err
	}
	var errs []error
	for _, ref := range refs {
		if err := s.release(context.WithoutCancel(ctx), ref); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) release(ctx context.Context, ref domain.DocumentRef) error {
	if _, err := s.blobs.Delete(ctx, ref.Token); err != nil {
		s.log(ctx, ref.CaseID).Error("blob release failed", "document_id", ref.ID, "key", ref.Token, "error", err)
		return ReleaseError{Ref: ref, Err: err}
	}
	return nil
}

// Open streams a document's content. The caller closes the reader.
func (s *Service) Open(ctx context.Context, caseID, docID string) (domain.DocumentRef, io.ReadCloser, error) {
	ref, err := s.find(ctx, caseID, docID)
	if err != nil {
		return domain.DocumentRef{}, nil, err
	}
	_, rc, err := s.blobs.Get(ctx, ref.Token)
	if err != nil {
		return domain.DocumentRef{}, nil, domain.StorageIOError{Op: "blob get", Err: err}
	}
	return ref, rc, nil
}

// URL returns a time-limited link to the document when the driver supports it.
func (s *Service) URL(ctx context.Context, caseID, docID string, expiry time.Duration) (string, error) {
	ref, err := s.find(ctx, caseID, docID)
	if err != nil {
		return "", err
	}
	return s.blobs.PresignURL(ctx, ref.Token, blob.SignedURLOptions{Method: "GET", Expiry: expiry})
}

func (s *Service) find(ctx context.Context, caseID, docID string) (domain.DocumentRef, error) {
	rec, err := s.repo.Get(ctx, caseID)
	if err != nil {
		return domain.DocumentRef{}, err
	}
	for _, ref := range rec.Documents {
		if ref.ID == docID {
			return ref, nil
		}
	}
	return domain.DocumentRef{}, domain.NotFoundError{Collection: "documents", ID: docID}
}

// Sweep releases blobs under KeyPrefix that no record references and that
// are older than grace, so in-flight uploads are left alone. It returns the
// released keys.
func (s *Service) Sweep(ctx context.Context, grace time.Duration) ([]string, error) {
	infos, err := s.blobs.List(ctx, KeyPrefix)
	if err != nil {
		return nil, domain.StorageIOError{Op: "blob list", Err: err}
	}
	records, err := s.repo.List(ctx, casefile.Filter{})
	if err != nil {
		return nil, err
	}
	referenced := make(map[string]struct{})
	for _, rec := range records {
		for _, ref := range rec.Documents {
			referenced[ref.Token] = struct{}{}
		}
	}
	// blob timestamps come from the wall clock, not the store clock
	cutoff := time.Now().UTC().Add(-grace)
	var released []string
	for _, info := range infos {
		if _, ok := referenced[info.Key]; ok {
			continue
		}
		if !info.LastModified.IsZero() && info.LastModified.After(cutoff) {
			continue
		}
		if _, err := s.blobs.Delete(ctx, info.Key); err != nil {
			return released, domain.StorageIOError{Op: "blob delete", Err: err}
		}
		released = append(released, info.Key)
	}
	if len(released) > 0 {
		s.logger.Info("swept orphaned blobs", "count", len(released))
	}
	return released, nil
}

func (s *Service) log(ctx context.Context, caseID string) *slog.Logger {
	return logger.From(logger.WithCase(ctx, caseID), s.logger)
}
