package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"pericia/pkg/domain"
)

type fakeService struct {
	mu      sync.Mutex
	records map[string]json.RawMessage
	auth    []string
}

func (f *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	id := r.URL.Path[len("/api/records/"):]
	switch r.Method {
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.records[id] = body
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		body, ok := f.records[id]
		if !ok {
			http.Error(w, "missing", http.StatusNotFound)
			return
		}
		_, _ = w.Write(body)
	case http.MethodDelete:
		if _, ok := f.records[id]; !ok {
			http.Error(w, "missing", http.StatusNotFound)
			return
		}
		delete(f.records, id)
	default:
		http.Error(w, "nope", http.StatusMethodNotAllowed)
	}
}

func TestClientRoundTrip(t *testing.T) {
	svc := &fakeService{records: make(map[string]json.RawMessage)}
	srv := httptest.NewServer(svc)
	defer srv.Close()

	c, err := New(srv.URL+"/api/", WithToken("s3cret"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	rec := domain.CaseRecord{ID: "c1", ProcessNumber: "123", ClaimantName: "Ana", Status: domain.StatusScheduled, Fee: 15050, Documents: []domain.DocumentRef{}}
	if err := c.PushRecord(ctx, rec); err != nil {
		t.Fatalf("push: %v", err)
	}
	got, err := c.FetchRecord(ctx, "c1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got.ProcessNumber != "123" || got.Fee != 15050 {
		t.Fatalf("unexpected record %+v", got)
	}
	if err := c.DeleteRecord(ctx, "c1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := c.DeleteRecord(ctx, "c1"); err != nil {
		t.Fatalf("second delete should succeed: %v", err)
	}
	if _, err := c.FetchRecord(ctx, "c1"); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	for _, h := range svc.auth {
		if h != "Bearer s3cret" {
			t.Fatalf("unexpected auth header %q", h)
		}
	}
}

func TestClientStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "database down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	c, err := New(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	err = c.PushRecord(context.Background(), domain.CaseRecord{ID: "x"})
	var se StatusError
	if !errors.As(err, &se) || se.Code != http.StatusServiceUnavailable || se.Body != "database down" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestNewRejectsBadURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://host", "::"} {
		if _, err := New(raw); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}
