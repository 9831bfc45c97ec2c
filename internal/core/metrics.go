package core

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"pericia/pkg/domain"
)

// Metrics publishes store activity to prometheus. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	commits       *prometheus.CounterVec
	commitSeconds prometheus.Histogram
	documents     *prometheus.GaugeVec
	draftFlushes  *prometheus.CounterVec
	imports       *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them with reg. A nil reg
// leaves them unregistered, which tests use to read values directly.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pericia",
			Subsystem: "store",
			Name:      "commits_total",
			Help:      "Transactions committed to the backend, by result.",
		}, []string{"result"}),
		commitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pericia",
			Subsystem: "store",
			Name:      "commit_duration_seconds",
			Help:      "Backend commit latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		documents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pericia",
			Subsystem: "store",
			Name:      "documents",
			Help:      "Documents per collection after the last commit.",
		}, []string{"collection"}),
		draftFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pericia",
			Subsystem: "drafts",
			Name:      "flushes_total",
			Help:      "Draft autosave flushes, by result.",
		}, []string{"result"}),
		imports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pericia",
			Subsystem: "sync",
			Name:      "imports_total",
			Help:      "Snapshot imports, by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.commits, m.commitSeconds, m.documents, m.draftFlushes, m.imports} {
			if err := reg.Register(c); err != nil {
				var already prometheus.AlreadyRegisteredError
				if !errors.As(err, &already) {
					return nil, err
				}
			}
		}
	}
	return m, nil
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (m *Metrics) observeCommit(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.commits.WithLabelValues(resultLabel(err)).Inc()
	m.commitSeconds.Observe(d.Seconds())
}

func (m *Metrics) observeState(state domain.State) {
	if m == nil {
		return
	}
	for c, docs := range state.Collections {
		m.documents.WithLabelValues(string(c)).Set(float64(len(docs)))
	}
}

// ObserveDraftFlush counts one draft flush.
func (m *Metrics) ObserveDraftFlush(err error) {
	if m == nil {
		return
	}
	m.draftFlushes.WithLabelValues(resultLabel(err)).Inc()
}

// ObserveImport counts one snapshot import.
func (m *Metrics) ObserveImport(err error) {
	if m == nil {
		return
	}
	m.imports.WithLabelValues(resultLabel(err)).Inc()
}
