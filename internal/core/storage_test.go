package core

import (
	"context"
	"path/filepath"
	"testing"

	"pericia/pkg/domain"
)

func TestBackendConfigFromEnv(t *testing.T) {
	t.Setenv("PERICIA_STORAGE_DRIVER", "leveldb")
	t.Setenv("PERICIA_SQLITE_PATH", "/tmp/x.db")
	t.Setenv("PERICIA_POSTGRES_DSN", "postgres://u@h/db")
	t.Setenv("PERICIA_LEVELDB_PATH", "/tmp/x.ldb")
	cfg := BackendConfigFromEnv()
	if cfg.Driver != StorageLevelDB || cfg.SQLitePath != "/tmp/x.db" || cfg.PostgresDSN != "postgres://u@h/db" || cfg.LevelDBPath != "/tmp/x.ldb" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestOpenBackendUnknownDriver(t *testing.T) {
	if _, err := OpenBackend(context.Background(), BackendConfig{Driver: "etcd"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

func TestOpenPersistentStoreDrivers(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name string
		cfg  BackendConfig
	}{
		{"memory", BackendConfig{Driver: StorageMemory}},
		{"sqlite", BackendConfig{Driver: StorageSQLite, SQLitePath: filepath.Join(dir, "pericia.db")}},
		{"leveldb", BackendConfig{Driver: StorageLevelDB, LevelDBPath: filepath.Join(dir, "pericia.ldb")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			store, err := OpenPersistentStore(ctx, tc.cfg)
			if err != nil {
				t.Skipf("%s backend unavailable: %v", tc.name, err)
			}
			if err := store.RunInTransaction(ctx, func(tx domain.Tx) error {
				return tx.Put(domain.CollectionCases, "c1", []byte(`{"id":"c1"}`))
			}); err != nil {
				t.Fatalf("commit: %v", err)
			}
			if err := store.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}
			if tc.cfg.Driver == StorageMemory {
				return
			}
			reopened, err := OpenPersistentStore(ctx, tc.cfg)
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer reopened.Close()
			_ = reopened.View(ctx, func(r domain.Reader) error {
				if _, ok := r.Get(domain.CollectionCases, "c1"); !ok {
					t.Fatalf("%s lost committed document", tc.name)
				}
				return nil
			})
		})
	}
}
