package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"pericia/internal/blob"
	"pericia/pkg/domain"
)

// BackupPrefix namespaces backups in the blob store.
const BackupPrefix = "backups/"

const backupStampLayout = "20060102T150405.000000000Z"

// BackupOptions controls Backup and RunBackups.
type BackupOptions struct {
	// Password seals the backup when set.
	Password string
	// Keep prunes all but the newest Keep backups after a write. Zero keeps all.
	Keep int
}

// Backup exports the store and writes it to blobs under
// backups/<UTC timestamp>.json, or .json.enc when sealed. Every attachment
// referenced by a case record is copied to backups/<UTC timestamp>/files/
// under its original key first, sealed with the same password, so a
// listed backup is always complete.
func (b *Bridge) Backup(ctx context.Context, blobs blob.Store, opts BackupOptions) (blob.Info, error) {
	snap, err := b.ExportAll(ctx)
	if err != nil {
		return blob.Info{}, err
	}
	key := BackupPrefix + b.store.Now().UTC().Format(backupStampLayout) + ".json"
	contentType := "application/json"
	if opts.Password != "" {
		key += ".enc"
		contentType = "application/octet-stream"
	}
	copied, err := b.backupAttachments(ctx, blobs, snap, filesPrefix(key), opts.Password)
	if err != nil {
		return blob.Info{}, err
	}
	var buf bytes.Buffer
	if err := Encode(&buf, snap, opts.Password); err != nil {
		return blob.Info{}, err
	}
	info, err := blobs.Put(ctx, key, &buf, blob.PutOptions{
		ContentType: contentType,
		Metadata: map[string]string{
			"schema-version": fmt.Sprint(snap.SchemaVersion),
			"attachments":    fmt.Sprint(copied),
		},
	})
	if err != nil {
		return blob.Info{}, domain.StorageIOError{Op: "backup put", Err: err}
	}
	b.logger.Info("backup written", "key", info.Key, "size", info.Size, "attachments", copied)
	if opts.Keep > 0 {
		if err := b.pruneBackups(ctx, blobs, opts.Keep); err != nil {
			b.logger.Warn("backup pruning failed", "error", err)
		}
	}
	return info, nil
}

// filesPrefix is where the attachments of the backup stored at key live.
func filesPrefix(key string) string {
	return strings.TrimSuffix(strings.TrimSuffix(key, ".enc"), ".json") + "/files/"
}

// attachmentKeys lists the blob keys referenced by the case records of snap.
func attachmentKeys(snap Snapshot) []string {
	seen := make(map[string]struct{})
	for _, raw := range snap.Collections[domain.CollectionCases] {
		var rec struct {
			Documents []domain.DocumentRef `json:"documents"`
		}
		if json.Unmarshal(raw, &rec) != nil {
			continue
		}
		for _, ref := range rec.Documents {
			if ref.Token != "" {
				seen[ref.Token] = struct{}{}
			}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (b *Bridge) backupAttachments(ctx context.Context, blobs blob.Store, snap Snapshot, prefix, password string) (int, error) {
	copied := 0
	for _, key := range attachmentKeys(snap) {
		info, rc, err := blobs.Get(ctx, key)
		if errors.Is(err, blob.ErrNotFound) {
			b.logger.Warn("attachment missing from blob store", "key", key)
			continue
		}
		if err != nil {
			return copied, domain.StorageIOError{Op: "backup attachment get", Err: err}
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return copied, domain.StorageIOError{Op: "backup attachment read", Err: err}
		}
		if data, err = seal(data, password); err != nil {
			return copied, err
		}
		meta := map[string]string{"content-type": info.ContentType}
		if password != "" {
			meta["sealed"] = "true"
		}
		_, err = blobs.Put(ctx, prefix+key, bytes.NewReader(data), blob.PutOptions{ContentType: "application/octet-stream", Metadata: meta})
		if err != nil {
			return copied, domain.StorageIOError{Op: "backup attachment put", Err: err}
		}
		copied++
	}
	return copied, nil
}

// ListBackups returns the stored backups, oldest first. Attachment copies
// are not listed.
func ListBackups(ctx context.Context, blobs blob.Store) ([]blob.Info, error) {
	infos, err := blobs.List(ctx, BackupPrefix)
	if err != nil {
		return nil, domain.StorageIOError{Op: "backup list", Err: err}
	}
	out := infos[:0]
	for _, info := range infos {
		if strings.Contains(strings.TrimPrefix(info.Key, BackupPrefix), "/") {
			continue
		}
		if strings.HasSuffix(info.Key, ".json") || strings.HasSuffix(info.Key, ".json.enc") {
			out = append(out, info)
		}
	}
	// timestamped keys sort chronologically
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (b *Bridge) pruneBackups(ctx context.Context, blobs blob.Store, keep int) error {
	infos, err := ListBackups(ctx, blobs)
	if err != nil {
		return err
	}
	var errs []error
	for i := 0; i < len(infos)-keep; i++ {
		files, err := blobs.List(ctx, filesPrefix(infos[i].Key))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, f := range files {
			if _, err := blobs.Delete(ctx, f.Key); err != nil {
				errs = append(errs, err)
			}
		}
		if _, err := blobs.Delete(ctx, infos[i].Key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Restore imports the backup stored under key, or the newest one when key
// is empty, then puts back every attachment copy whose original key is
// missing from blobs. Attachments still present are left alone.
func (b *Bridge) Restore(ctx context.Context, blobs blob.Store, key, password string) (ImportReport, error) {
	if key == "" {
		infos, err := ListBackups(ctx, blobs)
		if err != nil {
			return ImportReport{}, err
		}
		if len(infos) == 0 {
			return ImportReport{}, domain.NotFoundError{Collection: "backups", ID: "latest"}
		}
		key = infos[len(infos)-1].Key
	}
	_, rc, err := blobs.Get(ctx, key)
	if errors.Is(err, blob.ErrNotFound) {
		return ImportReport{}, domain.NotFoundError{Collection: "backups", ID: key}
	}
	if err != nil {
		return ImportReport{}, domain.StorageIOError{Op: "backup get", Err: err}
	}
	defer rc.Close()
	snap, err := Decode(rc, password)
	if err != nil {
		return ImportReport{}, err
	}
	report, err := b.ImportAll(ctx, snap)
	if err != nil {
		return ImportReport{}, err
	}
	report.Attachments, err = b.restoreAttachments(ctx, blobs, filesPrefix(key), password)
	if err != nil {
		return report, err
	}
	return report, nil
}

func (b *Bridge) restoreAttachments(ctx context.Context, blobs blob.Store, prefix, password string) (int, error) {
	files, err := blobs.List(ctx, prefix)
	if err != nil {
		return 0, domain.StorageIOError{Op: "restore attachment list", Err: err}
	}
	restored := 0
	for _, f := range files {
		target := strings.TrimPrefix(f.Key, prefix)
		if _, err := blobs.Head(ctx, target); err == nil {
			continue
		} else if !errors.Is(err, blob.ErrNotFound) {
			return restored, domain.StorageIOError{Op: "restore attachment head", Err: err}
		}
		info, rc, err := blobs.Get(ctx, f.Key)
		if err != nil {
			return restored, domain.StorageIOError{Op: "restore attachment get", Err: err}
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return restored, domain.StorageIOError{Op: "restore attachment read", Err: err}
		}
		if info.Metadata["sealed"] == "true" {
			if data, err = unseal(data, password); err != nil {
				return restored, err
			}
		}
		_, err = blobs.Put(ctx, target, bytes.NewReader(data), blob.PutOptions{ContentType: info.Metadata["content-type"]})
		if err != nil && !errors.Is(err, blob.ErrExists) {
			return restored, domain.StorageIOError{Op: "restore attachment put", Err: err}
		}
		restored++
		b.logger.Info("attachment restored", "key", target)
	}
	return restored, nil
}

// RunBackups writes a backup every interval until ctx is done. Failures are
// logged and retried on the next tick.
func (b *Bridge) RunBackups(ctx context.Context, blobs blob.Store, interval time.Duration, opts BackupOptions) error {
	if interval <= 0 {
		return fmt.Errorf("backup interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := b.Backup(ctx, blobs, opts); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				b.logger.Error("periodic backup failed", "error", err)
			}
		}
	}
}
