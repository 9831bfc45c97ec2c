package reports

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"pericia/internal/blob"
	"pericia/internal/casefile"
	"pericia/pkg/domain"
)

// BasePath is where the handler expects to be mounted.
const BasePath = "/v1/reports"

// Scheduler is the subset of Worker used by the HTTP handler.
type Scheduler interface {
	Enqueue(ctx context.Context, req Request) (Job, error)
	Get(id string) (Job, bool)
}

// Handler exposes report jobs over HTTP:
//
//	POST /v1/reports                 enqueue a report
//	GET  /v1/reports/{id}            job status
//	GET  /v1/reports/{id}/{format}   artifact body
type Handler struct {
	Reports Scheduler
	Blobs   blob.Store
}

// NewHandler constructs a report handler.
func NewHandler(s Scheduler, blobs blob.Store) *Handler {
	return &Handler{Reports: s, Blobs: blobs}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimSuffix(r.URL.Path, "/")
	if path == BasePath {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h.handleCreate(w, r)
		return
	}
	if !strings.HasPrefix(path, BasePath+"/") {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	segments := strings.Split(strings.TrimPrefix(path, BasePath+"/"), "/")
	job, ok := h.Reports.Get(segments[0])
	if !ok {
		writeError(w, http.StatusNotFound, "report not found")
		return
	}
	switch len(segments) {
	case 1:
		writeJSON(w, http.StatusOK, map[string]any{"report": job})
	case 2:
		h.handleArtifact(w, r, job, Format(segments[1]))
	default:
		http.NotFound(w, r)
	}
}

type createRequest struct {
	Kind        string          `json:"kind"`
	Formats     []string        `json:"formats"`
	Filter      casefile.Filter `json:"filter"`
	RequestedBy string          `json:"requested_by"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid report request payload")
		return
	}
	formats := make([]Format, 0, len(req.Formats))
	for _, f := range req.Formats {
		formats = append(formats, Format(strings.ToLower(strings.TrimSpace(f))))
	}
	job, err := h.Reports.Enqueue(r.Context(), Request{
		Kind:        Kind(strings.ToLower(strings.TrimSpace(req.Kind))),
		Filter:      req.Filter,
		Formats:     formats,
		RequestedBy: req.RequestedBy,
	})
	var ve domain.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"report": job})
}

func (h *Handler) handleArtifact(w http.ResponseWriter, r *http.Request, job Job, format Format) {
	if job.Status != StatusSucceeded {
		writeError(w, http.StatusConflict, "report is "+string(job.Status))
		return
	}
	for _, artifact := range job.Artifacts {
		if artifact.Format != format {
			continue
		}
		_, body, err := h.Blobs.Get(r.Context(), artifact.Key)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		defer body.Close()
		w.Header().Set("Content-Type", artifact.ContentType)
		w.WriteHeader(http.StatusOK)
		_, _ = io.Copy(w, body)
		return
	}
	writeError(w, http.StatusNotFound, "artifact not found")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
