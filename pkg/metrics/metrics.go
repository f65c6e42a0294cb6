// Package metrics exports sync outcomes as Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/stl311/stl311sync/pkg/polling"
	"github.com/stl311/stl311sync/pkg/source"
)

const namespace = "stl311"

// Metrics implements polling.Recorder.
type Metrics struct {
	runs          *prometheus.CounterVec
	records       *prometheus.CounterVec
	duration      prometheus.Histogram
	lastSuccess   prometheus.Gauge
	sourceUp      prometheus.Gauge
	sourceLatency prometheus.Gauge
	rejected      prometheus.Counter
}

var _ polling.Recorder = (*Metrics)(nil)

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Finished sync runs by outcome.",
		}, []string{"status"}),
		records: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Records seen by pipeline stage.",
		}, []string{"stage"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Wall time of sync runs, retries included.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		lastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful or partial sync.",
		}),
		sourceUp: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "source_up",
			Help:      "1 if the last source health check passed.",
		}),
		sourceLatency: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "source_latency_seconds",
			Help:      "Round trip of the last source health check.",
		}),
		rejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_rejected_total",
			Help:      "Sync requests rejected because another run was active.",
		}),
	}
}

func (m *Metrics) SyncFinished(r *polling.SyncResult) {
	m.runs.WithLabelValues(r.Status).Inc()
	m.records.WithLabelValues("fetched").Add(float64(r.Fetched))
	m.records.WithLabelValues("validated").Add(float64(r.Validated))
	m.records.WithLabelValues("dropped").Add(float64(r.Dropped))
	m.records.WithLabelValues("inserted").Add(float64(r.Inserted))
	m.records.WithLabelValues("updated").Add(float64(r.Updated))
	m.records.WithLabelValues("skipped").Add(float64(r.Skipped))
	m.duration.Observe(r.Duration().Seconds())
	if r.Status != polling.StatusError {
		m.lastSuccess.Set(float64(r.FinishedAt.Unix()))
	}
}

func (m *Metrics) SyncRejected() { m.rejected.Inc() }

func (m *Metrics) ConnectionChecked(st source.ConnectionStatus) {
	if st.Status == "success" {
		m.sourceUp.Set(1)
	} else {
		m.sourceUp.Set(0)
	}
	m.sourceLatency.Set(st.Latency.Seconds())
}
