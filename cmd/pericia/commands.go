package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"pericia/internal/history"
	"pericia/internal/snapshot"
)

func (a *app) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	return fs
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runExport(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := a.flags("export")
	out := fs.String("o", "", "output file (default stdout)")
	password := fs.String("password", os.Getenv("PERICIA_EXPORT_PASSWORD"), "encrypt the snapshot with this password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	snap, err := a.bridge.ExportAll(ctx)
	if err != nil {
		return err
	}
	if *out == "" {
		return snapshot.Encode(stdout, snap, *password)
	}
	f, err := os.OpenFile(*out, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if err := snapshot.Encode(f, snap, *password); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func runImport(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := a.flags("import")
	in := fs.String("i", "", "snapshot file to import")
	password := fs.String("password", os.Getenv("PERICIA_EXPORT_PASSWORD"), "password of an encrypted snapshot")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" {
		return errors.New("-i is required")
	}
	f, err := os.Open(*in)
	if err != nil {
		return err
	}
	defer f.Close()
	snap, err := snapshot.Decode(f, *password)
	if err != nil {
		return err
	}
	report, err := a.bridge.ImportAll(ctx, snap)
	if err != nil {
		return err
	}
	return writeJSON(stdout, report)
}

// runMigrate relies on the store open having applied pending steps.
func runMigrate(_ context.Context, a *app, args []string, stdout io.Writer) error {
	if err := a.flags("migrate").Parse(args); err != nil {
		return err
	}
	_, err := fmt.Fprintf(stdout, "schema version %d (current %d)\n", a.store.Version(), a.store.Registry().CurrentVersion())
	return err
}

func runHistory(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := a.flags("history")
	caseID := fs.String("case", "", "case record id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *caseID == "" {
		return errors.New("-case is required")
	}
	entries, err := history.NewTracker(a.store).EntriesFor(ctx, *caseID)
	if err != nil {
		return err
	}
	return writeJSON(stdout, entries)
}

func runBackup(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	if err := a.flags("backup").Parse(args); err != nil {
		return err
	}
	blobs, err := a.blobStore(ctx)
	if err != nil {
		return err
	}
	info, err := a.bridge.Backup(ctx, blobs, snapshot.BackupOptions{Password: a.cfg.Sync.BackupPassword, Keep: a.cfg.Sync.BackupKeep})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, info.Key)
	return err
}

func runRestore(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := a.flags("restore")
	key := fs.String("key", "", "backup key (default latest)")
	list := fs.Bool("list", false, "list stored backups instead of restoring")
	if err := fs.Parse(args); err != nil {
		return err
	}
	blobs, err := a.blobStore(ctx)
	if err != nil {
		return err
	}
	if *list {
		infos, err := snapshot.ListBackups(ctx, blobs)
		if err != nil {
			return err
		}
		for _, info := range infos {
			fmt.Fprintf(stdout, "%s\t%d\n", info.Key, info.Size)
		}
		return nil
	}
	report, err := a.bridge.Restore(ctx, blobs, *key, a.cfg.Sync.BackupPassword)
	if err != nil {
		return err
	}
	return writeJSON(stdout, report)
}

func runMirror(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	if err := a.flags("mirror").Parse(args); err != nil {
		return err
	}
	client, err := a.remoteClient()
	if err != nil {
		return err
	}
	report, err := a.bridge.Mirror(ctx, client)
	if err != nil {
		return err
	}
	return writeJSON(stdout, report)
}

func runPull(ctx context.Context, a *app, args []string, stdout io.Writer) error {
	fs := a.flags("pull")
	id := fs.String("id", "", "case record id to fetch from the record service")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("-id is required")
	}
	client, err := a.remoteClient()
	if err != nil {
		return err
	}
	report, err := a.bridge.Pull(ctx, client, *id)
	if err != nil {
		return err
	}
	return writeJSON(stdout, report)
}
