// Package reports renders case listings and fee summaries into downloadable
// artifacts. Requests are queued and rendered by a background worker; the
// artifacts land in the blob store under reports/<job id>/.
package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pericia/internal/blob"
	"pericia/internal/casefile"
	"pericia/pkg/domain"
)

// KeyPrefix namespaces report artifacts in the blob store.
const KeyPrefix = "reports/"

// DefaultRetention is how long a finished job is kept when WithRetention is
// not given.
const DefaultRetention = time.Hour

// Status describes the lifecycle stage of a report job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Kind selects what a report contains.
type Kind string

const (
	// KindCases lists the case records matching the request filter.
	KindCases Kind = "cases"
	// KindFinance totals fees per month, split by payment status.
	KindFinance Kind = "finance"
)

// Format is an artifact encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatHTML Format = "html"
)

var contentTypes = map[Format]string{
	FormatJSON: "application/json",
	FormatCSV:  "text/csv",
	FormatHTML: "text/html; charset=utf-8",
}

// ErrQueueFull is returned by Enqueue when the worker is saturated.
var ErrQueueFull = errors.New("report queue full")

// Artifact is one stored rendering of a report.
type Artifact struct {
	Key         string    `json:"key"`
	Format      Format    `json:"format"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Rows        int       `json:"rows"`
	CreatedAt   time.Time `json:"created_at"`
}

// Request is an enqueue request.
type Request struct {
	Kind        Kind
	Filter      casefile.Filter
	Formats     []Format
	RequestedBy string
}

// Job tracks a report request and its artifacts.
type Job struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	Filter      casefile.Filter `json:"filter"`
	Formats     []Format        `json:"formats"`
	Status      Status          `json:"status"`
	Error       string          `json:"error,omitempty"`
	Artifacts   []Artifact      `json:"artifacts,omitempty"`
	RequestedBy string          `json:"requested_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

func (j Job) copy() Job {
	dup := j
	dup.Formats = append([]Format(nil), j.Formats...)
	if len(j.Artifacts) > 0 {
		dup.Artifacts = append([]Artifact(nil), j.Artifacts...)
	}
	return dup
}

// table is the tabular body shared by every format.
type table struct {
	Title   string     `json:"title"`
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
	Totals  any        `json:"totals,omitempty"`
}

// Worker renders report jobs asynchronously.
type Worker struct {
	repo   *casefile.Repository
	blobs  blob.Store
	logger *slog.Logger
	newID  func() string

	queue     chan string
	mu        sync.RWMutex
	jobs      map[string]*Job
	retention time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customises a Worker.
type Option func(*Worker)

// WithQueueSize bounds the number of pending jobs.
func WithQueueSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.queue = make(chan string, n)
		}
	}
}

// WithRetention sets how long finished jobs stay queryable. Expired jobs are
// forgotten and their artifacts deleted.
func WithRetention(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.retention = d
		}
	}
}

// WithIDGenerator overrides job id generation.
func WithIDGenerator(gen func() string) Option {
	return func(w *Worker) {
		if gen != nil {
			w.newID = gen
		}
	}
}

// NewWorker constructs a worker reading from repo and writing to blobs.
func NewWorker(repo *casefile.Repository, blobs blob.Store, opts ...Option) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		repo:      repo,
		blobs:     blobs,
		logger:    repo.Store().Logger(),
		newID:     uuid.NewString,
		queue:     make(chan string, 32),
		jobs:      make(map[string]*Job),
		retention: DefaultRetention,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins processing queued jobs.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop signals the worker to halt and waits for the job in flight.
func (w *Worker) Stop(ctx context.Context) error {
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case id := <-w.queue:
			w.process(id)
		}
	}
}

// Enqueue validates req and schedules it. The returned job is queued.
func (w *Worker) Enqueue(ctx context.Context, req Request) (Job, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, err
	}
	switch req.Kind {
	case KindCases, KindFinance:
	default:
		return Job{}, domain.ValidationError{Field: "kind", Message: fmt.Sprintf("unknown report kind %q", req.Kind)}
	}
	if err := req.Filter.Validate(); err != nil {
		return Job{}, err
	}
	formats := req.Formats
	if len(formats) == 0 {
		formats = []Format{FormatJSON, FormatCSV}
	}
	uniq := make([]Format, 0, len(formats))
	seen := make(map[Format]struct{}, len(formats))
	for _, f := range formats {
		if _, dup := seen[f]; dup {
			continue
		}
		if _, ok := contentTypes[f]; !ok {
			return Job{}, domain.ValidationError{Field: "formats", Message: fmt.Sprintf("unsupported format %q", f)}
		}
		uniq = append(uniq, f)
		seen[f] = struct{}{}
	}

	now := w.repo.Store().Now().UTC()
	job := &Job{
		ID:          w.newID(),
		Kind:        req.Kind,
		Filter:      req.Filter,
		Formats:     uniq,
		Status:      StatusQueued,
		RequestedBy: req.RequestedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	w.mu.Lock()
	expired := w.expireLocked(now)
	select {
	case w.queue <- job.ID:
	default:
		w.mu.Unlock()
		w.release(ctx, expired)
		return Job{}, ErrQueueFull
	}
	w.jobs[job.ID] = job
	queued := job.copy()
	w.mu.Unlock()
	w.release(ctx, expired)

	w.logger.Info("report queued", "job", job.ID, "kind", job.Kind, "requested_by", job.RequestedBy)
	return queued, nil
}

// expireLocked drops finished jobs older than the retention and returns them.
func (w *Worker) expireLocked(now time.Time) []*Job {
	var expired []*Job
	for id, job := range w.jobs {
		if job.CompletedAt != nil && now.Sub(*job.CompletedAt) > w.retention {
			expired = append(expired, job)
			delete(w.jobs, id)
		}
	}
	return expired
}

// release deletes the artifacts of expired jobs. Failures only cost space.
func (w *Worker) release(ctx context.Context, expired []*Job) {
	ctx = context.WithoutCancel(ctx)
	for _, job := range expired {
		for _, a := range job.Artifacts {
			if _, err := w.blobs.Delete(ctx, a.Key); err != nil {
				w.logger.Warn("report artifact not released", "job", job.ID, "key", a.Key, "error", err)
			}
		}
		w.logger.Debug("report expired", "job", job.ID)
	}
}

// Get returns a copy of the job.
func (w *Worker) Get(id string) (Job, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	job, ok := w.jobs[id]
	if !ok {
		return Job{}, false
	}
	return job.copy(), true
}

func (w *Worker) process(id string) {
	w.mu.RLock()
	job, ok := w.jobs[id]
	var snapshot Job
	if ok {
		snapshot = job.copy()
	}
	w.mu.RUnlock()
	if !ok {
		return
	}
	w.update(id, func(j *Job) { j.Status = StatusRunning })

	tbl, err := w.build(w.ctx, snapshot)
	if err != nil {
		w.fail(id, fmt.Sprintf("build report: %v", err))
		return
	}
	artifacts := make([]Artifact, 0, len(snapshot.Formats))
	for _, format := range snapshot.Formats {
		payload, err := render(format, tbl)
		if err != nil {
			w.fail(id, err.Error())
			return
		}
		key := fmt.Sprintf("%s%s/%s.%s", KeyPrefix, id, snapshot.Kind, format)
		info, err := w.blobs.Put(w.ctx, key, bytes.NewReader(payload), blob.PutOptions{
			ContentType: contentTypes[format],
			Metadata:    map[string]string{"report-kind": string(snapshot.Kind), "rows": fmt.Sprint(len(tbl.Rows))},
		})
		if err != nil {
			w.fail(id, fmt.Sprintf("store artifact: %v", err))
			return
		}
		artifacts = append(artifacts, Artifact{
			Key:         info.Key,
			Format:      format,
			ContentType: contentTypes[format],
			Size:        info.Size,
			Rows:        len(tbl.Rows),
			CreatedAt:   info.LastModified,
		})
	}
	w.update(id, func(j *Job) {
		now := j.UpdatedAt
		j.Status = StatusSucceeded
		j.Error = ""
		j.Artifacts = artifacts
		j.CompletedAt = &now
	})
	w.logger.Info("report ready", "job", id, "artifacts", len(artifacts))
}

func (w *Worker) update(id string, fn func(j *Job)) {
	now := w.repo.Store().Now().UTC()
	w.mu.Lock()
	defer w.mu.Unlock()
	if job, ok := w.jobs[id]; ok {
		job.UpdatedAt = now
		fn(job)
	}
}

func (w *Worker) fail(id, reason string) {
	w.update(id, func(j *Job) {
		now := j.UpdatedAt
		j.Status = StatusFailed
		j.Error = reason
		j.CompletedAt = &now
	})
	w.logger.Error("report failed", "job", id, "error", reason)
}

func (w *Worker) build(ctx context.Context, job Job) (table, error) {
	switch job.Kind {
	case KindFinance:
		months, err := w.repo.MonthlyRevenue(ctx, job.Filter)
		if err != nil {
			return table{}, err
		}
		totals, err := w.repo.ComputeFinancialTotals(ctx, job.Filter.Match)
		if err != nil {
			return table{}, err
		}
		tbl := table{Title: "Honorários por mês", Columns: []string{"month", "paid_total", "pending_total"}, Totals: totals}
		for _, m := range months {
			tbl.Rows = append(tbl.Rows, []string{m.Month, m.Paid.String(), m.Pending.String()})
		}
		return tbl, nil
	default:
		recs, err := w.repo.List(ctx, job.Filter)
		if err != nil {
			return table{}, err
		}
		tbl := table{
			Title:   "Perícias",
			Columns: []string{"id", "process_number", "claimant_name", "status", "scheduled_date", "fee", "payment_status"},
		}
		for _, rec := range recs {
			tbl.Rows = append(tbl.Rows, []string{
				rec.ID, rec.ProcessNumber, rec.ClaimantName, string(rec.Status),
				rec.ScheduledDate, rec.Fee.String(), string(rec.PaymentStatus),
			})
		}
		return tbl, nil
	}
}

func render(format Format, tbl table) ([]byte, error) {
	switch format {
	case FormatJSON:
		if tbl.Rows == nil {
			tbl.Rows = [][]string{}
		}
		payload, err := json.MarshalIndent(tbl, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshal json: %w", err)
		}
		return payload, nil
	case FormatCSV:
		buf := &bytes.Buffer{}
		writer := csv.NewWriter(buf)
		if err := writer.Write(tbl.Columns); err != nil {
			return nil, err
		}
		if err := writer.WriteAll(tbl.Rows); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case FormatHTML:
		return buildHTML(tbl), nil
	default:
		return nil, fmt.Errorf("unsupported report format %s", format)
	}
}

func buildHTML(tbl table) []byte {
	buf := &strings.Builder{}
	buf.WriteString("<!DOCTYPE html><html><head><meta charset=\"utf-8\"><title>")
	buf.WriteString(html.EscapeString(tbl.Title))
	buf.WriteString("</title></head><body><table>")
	buf.WriteString("<thead><tr>")
	for _, column := range tbl.Columns {
		buf.WriteString("<th>")
		buf.WriteString(html.EscapeString(column))
		buf.WriteString("</th>")
	}
	buf.WriteString("</tr></thead><tbody>")
	for _, row := range tbl.Rows {
		buf.WriteString("<tr>")
		for _, cell := range row {
			buf.WriteString("<td>")
			buf.WriteString(html.EscapeString(cell))
			buf.WriteString("</td>")
		}
		buf.WriteString("</tr>")
	}
	buf.WriteString("</tbody></table></body></html>")
	return []byte(buf.String())
}
