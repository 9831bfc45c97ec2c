package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"pericia/internal/casefile"
	"pericia/internal/reports"
	"pericia/internal/snapshot"
)

const legacySnapshot = `{
  "schema_version": 2,
  "collections": {
    "cases": [
      {"id": "caso-1", "numero_processo": "1001", "nome_autor": "Maria", "status": "Agendado", "data_pericia": "10/03/2024"}
    ]
  }
}`

// isolate points every command at throwaway storage.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("PERICIA_CONFIG", "")
	t.Setenv("PERICIA_STORAGE_DRIVER", "leveldb")
	t.Setenv("PERICIA_LEVELDB_PATH", filepath.Join(dir, "pericia.ldb"))
	t.Setenv("PERICIA_BLOB_DRIVER", "fs")
	t.Setenv("PERICIA_BLOB_FS_ROOT", filepath.Join(dir, "blobs"))
	t.Setenv("PERICIA_BACKUP_PASSWORD", "")
	t.Setenv("PERICIA_REMOTE_URL", "")
	t.Setenv("PERICIA_LOG_LEVEL", "error")
	return dir
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := cli(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestCLIUsage(t *testing.T) {
	isolate(t)
	if code, _, stderr := run(t); code != 2 || !strings.Contains(stderr, "usage: pericia") {
		t.Fatalf("no command: code=%d stderr=%q", code, stderr)
	}
	if code, _, stderr := run(t, "frobnicate"); code != 2 || !strings.Contains(stderr, "unknown command") {
		t.Fatalf("unknown command: code=%d stderr=%q", code, stderr)
	}
	if code, _, _ := run(t, "-h"); code != 0 {
		t.Fatalf("help: code=%d", code)
	}
	if code, _, stderr := run(t, "-config", filepath.Join(t.TempDir(), "missing.yaml"), "migrate"); code != 1 || !strings.Contains(stderr, "load config") {
		t.Fatalf("missing config: code=%d stderr=%q", code, stderr)
	}
}

func TestImportExportHistory(t *testing.T) {
	dir := isolate(t)
	in := filepath.Join(dir, "legacy.json")
	if err := os.WriteFile(in, []byte(legacySnapshot), 0o600); err != nil {
		t.Fatal(err)
	}

	code, stdout, stderr := run(t, "import", "-i", in)
	if code != 0 {
		t.Fatalf("import: code=%d stderr=%s", code, stderr)
	}
	var report snapshot.ImportReport
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("decode report: %v\n%s", err, stdout)
	}
	if report.FromVersion != 2 || report.Collections["cases"].Inserted != 1 {
		t.Fatalf("unexpected report %+v", report)
	}

	out := filepath.Join(dir, "export.json.enc")
	if code, _, stderr := run(t, "export", "-o", out, "-password", "pw"); code != 0 {
		t.Fatalf("export: code=%d stderr=%s", code, stderr)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !snapshot.Encrypted(data) {
		t.Fatal("expected encrypted export")
	}
	snap, err := snapshot.Decode(bytes.NewReader(data), "pw")
	if err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if len(snap.Collections["cases"]) != 1 || !strings.Contains(string(snap.Collections["cases"][0]), "2024-03-10") {
		t.Fatalf("unexpected exported cases %s", snap.Collections["cases"])
	}

	if code, _, stderr := run(t, "import", "-i", out); code != 1 || !strings.Contains(stderr, "password required") {
		t.Fatalf("import without password: code=%d stderr=%s", code, stderr)
	}
	if code, _, _ := run(t, "import"); code != 1 {
		t.Fatalf("import without -i: code=%d", code)
	}

	code, stdout, _ = run(t, "migrate")
	if code != 0 || stdout != "schema version 4 (current 4)\n" {
		t.Fatalf("migrate: code=%d stdout=%q", code, stdout)
	}

	if code, _, _ := run(t, "history"); code != 1 {
		t.Fatalf("history without -case: code=%d", code)
	}
	if code, _, stderr := run(t, "history", "-case", "caso-1"); code != 0 {
		t.Fatalf("history: code=%d stderr=%s", code, stderr)
	}
}

func TestBackupRestore(t *testing.T) {
	dir := isolate(t)
	in := filepath.Join(dir, "legacy.json")
	if err := os.WriteFile(in, []byte(legacySnapshot), 0o600); err != nil {
		t.Fatal(err)
	}
	if code, _, stderr := run(t, "import", "-i", in); code != 0 {
		t.Fatalf("import: %s", stderr)
	}
	code, stdout, stderr := run(t, "backup")
	if code != 0 || !strings.HasPrefix(stdout, snapshot.BackupPrefix) {
		t.Fatalf("backup: code=%d stdout=%q stderr=%s", code, stdout, stderr)
	}
	key := strings.TrimSpace(stdout)

	code, stdout, _ = run(t, "restore", "-list")
	if code != 0 || !strings.Contains(stdout, key) {
		t.Fatalf("restore -list: code=%d stdout=%q", code, stdout)
	}
	code, stdout, stderr = run(t, "restore", "-key", key)
	if code != 0 {
		t.Fatalf("restore: code=%d stderr=%s", code, stderr)
	}
	var report snapshot.ImportReport
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatal(err)
	}
	if report.Collections["cases"].Unchanged != 1 {
		t.Fatalf("restore into the same store should change nothing: %+v", report)
	}
}

func TestRouter(t *testing.T) {
	isolate(t)
	t.Setenv("PERICIA_STORAGE_DRIVER", "memory")
	a, err := openApp(context.Background(), "", io.Discard)
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	defer a.Close()
	blobs, err := a.blobStore(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	worker := reports.NewWorker(casefile.NewRepository(a.store), blobs)
	worker.Start()
	defer worker.Stop(context.Background())
	srv := httptest.NewServer(newRouter(a, reports.NewHandler(worker, blobs)))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/v1/snapshot", "application/json", strings.NewReader(legacySnapshot))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("import status %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/v1/snapshot", "application/json", strings.NewReader(`{"schema_version": 99, "collections": {}}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("newer snapshot status %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/v1/snapshot")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `"caso-1"`) {
		t.Fatalf("exported snapshot missing imported case: %s", body)
	}

	resp, err = http.Post(srv.URL+reports.BasePath, "application/json", strings.NewReader(`{"kind":"finance","formats":["json"]}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("report status %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, want := range []string{"pericia_sync_imports_total", "pericia_store_commits_total", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics missing %s", want)
		}
	}
}

// recordService keeps pushed records in memory.
type recordService struct {
	mu      sync.Mutex
	records map[string][]byte
}

func (s *recordService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := strings.TrimPrefix(r.URL.Path, "/records/")
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		s.records[id] = body
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		body, ok := s.records[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(body)
	case http.MethodDelete:
		delete(s.records, id)
		w.WriteHeader(http.StatusNoContent)
	}
}

func TestMirrorAndPull(t *testing.T) {
	dir := isolate(t)
	in := filepath.Join(dir, "legacy.json")
	if err := os.WriteFile(in, []byte(legacySnapshot), 0o600); err != nil {
		t.Fatal(err)
	}
	if code, _, stderr := run(t, "import", "-i", in); code != 0 {
		t.Fatalf("import: %s", stderr)
	}
	if code, _, stderr := run(t, "mirror"); code != 1 || !strings.Contains(stderr, "no record service configured") {
		t.Fatalf("mirror without remote: code=%d stderr=%s", code, stderr)
	}

	svc := &recordService{records: make(map[string][]byte)}
	srv := httptest.NewServer(svc)
	defer srv.Close()
	t.Setenv("PERICIA_REMOTE_URL", srv.URL)

	code, stdout, stderr := run(t, "mirror")
	if code != 0 {
		t.Fatalf("mirror: code=%d stderr=%s", code, stderr)
	}
	var mirrored snapshot.MirrorReport
	if err := json.Unmarshal([]byte(stdout), &mirrored); err != nil {
		t.Fatal(err)
	}
	if mirrored.Pushed != 1 || len(svc.records) != 1 {
		t.Fatalf("mirror report %+v, remote holds %d records", mirrored, len(svc.records))
	}

	var remoteCopy map[string]any
	if err := json.Unmarshal(svc.records["caso-1"], &remoteCopy); err != nil {
		t.Fatal(err)
	}
	remoteCopy["claimant_name"] = "Maria Remota"
	svc.records["caso-1"], _ = json.Marshal(remoteCopy)

	code, stdout, stderr = run(t, "pull", "-id", "caso-1")
	if code != 0 {
		t.Fatalf("pull: code=%d stderr=%s", code, stderr)
	}
	var pulled snapshot.ImportReport
	if err := json.Unmarshal([]byte(stdout), &pulled); err != nil {
		t.Fatal(err)
	}
	if pulled.Collections["cases"].Replaced != 1 {
		t.Fatalf("pull report %+v", pulled)
	}
	if code, stdout, _ := run(t, "export"); code != 0 || !strings.Contains(stdout, "Maria Remota") {
		t.Fatalf("pulled copy not stored: %s", stdout)
	}

	if code, _, _ := run(t, "pull"); code != 1 {
		t.Fatalf("pull without -id: code=%d", code)
	}
	if code, _, stderr := run(t, "pull", "-id", "caso-9"); code != 1 || !strings.Contains(stderr, "not found") {
		t.Fatalf("pull of unknown record: code=%d stderr=%s", code, stderr)
	}
}
