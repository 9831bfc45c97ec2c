package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Inbox subdirectories files are moved into once handled.
const (
	ProcessedDir = "processed"
	FailedDir    = "failed"
)

// IsSnapshotFile reports whether name carries a snapshot extension.
func IsSnapshotFile(name string) bool {
	return strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".json.enc")
}

// Watch imports snapshot files dropped into dir until ctx is done. Files
// already present are imported first. Each file ends up in processed/ or
// failed/. Writers should create files elsewhere and rename them into dir so
// a half-written file is never picked up.
func (b *Bridge) Watch(ctx context.Context, dir, password string) error {
	for _, sub := range []string{ProcessedDir, FailedDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return fmt.Errorf("create inbox: %w", err)
		}
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read inbox: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && IsSnapshotFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		b.importFile(ctx, dir, name, password)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if filepath.Dir(event.Name) != filepath.Clean(dir) || !IsSnapshotFile(event.Name) {
				continue
			}
			b.importFile(ctx, dir, filepath.Base(event.Name), password)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			b.logger.Warn("inbox watcher error", "error", err)
		}
	}
}

// importFile imports one inbox file and moves it aside. Events for a file
// that was already moved are ignored.
func (b *Bridge) importFile(ctx context.Context, dir, name, password string) {
	path := filepath.Join(dir, name)
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	var importErr error
	if err != nil {
		importErr = err
	} else {
		snap, decErr := Decode(f, password)
		_ = f.Close()
		if decErr != nil {
			importErr = decErr
		} else {
			report, err := b.ImportAll(ctx, snap)
			if err == nil {
				b.logger.Info("inbox snapshot imported", "file", name, "from_version", report.FromVersion)
			}
			importErr = err
		}
	}

	target := ProcessedDir
	if importErr != nil {
		target = FailedDir
		b.logger.Error("inbox snapshot rejected", "file", name, "error", importErr)
	}
	if err := os.Rename(path, filepath.Join(dir, target, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		b.logger.Error("move inbox file", "file", name, "error", err)
	}
}
