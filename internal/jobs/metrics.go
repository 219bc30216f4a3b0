package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Task outcomes reported to the outcome observer.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
	OutcomeAnomaly = "anomaly"
)

// OutcomeObserver receives one outcome per finished task run.
type OutcomeObserver interface {
	ObserveJob(task, outcome string)
}

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	duration  *prometheus.HistogramVec
	anomalies *prometheus.CounterVec
	outcomes  OutcomeObserver
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used. outcomes may be nil.
func NewMetrics(registerer prometheus.Registerer, outcomes OutcomeObserver) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return &Metrics{duration: defaultMetrics.duration, anomalies: defaultMetrics.anomalies, outcomes: outcomes}
	}
	m := buildMetrics(registerer)
	m.outcomes = outcomes
	return m
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	task    string
	start   time.Time
}

// Track spawns a tracker for the given task type.
func (m *Metrics) Track(task string) *Tracker {
	return &Tracker{metrics: m, task: task, start: time.Now()}
}

// End records the duration and outcome of the run and returns err untouched.
// A non-nil err always reports OutcomeError.
func (t *Tracker) End(outcome string, err error) error {
	if t == nil || t.metrics == nil || t.task == "" {
		return err
	}
	if err != nil {
		outcome = OutcomeError
	}
	if t.metrics.duration != nil {
		t.metrics.duration.WithLabelValues(t.task).Observe(time.Since(t.start).Seconds())
	}
	if t.metrics.outcomes != nil {
		t.metrics.outcomes.ObserveJob(t.task, outcome)
	}
	return err
}

// AddAnomalies increments the ledger anomaly counter for kind.
func (m *Metrics) AddAnomalies(kind string, count int) {
	if m == nil || m.anomalies == nil || count <= 0 {
		return
	}
	m.anomalies.WithLabelValues(kind).Add(float64(count))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pos_job_duration_seconds",
		Help:    "Duration in seconds of background task runs.",
		Buckets: prometheus.DefBuckets,
	}, []string{"task"})
	anomalies := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pos_stock_anomalies_total",
		Help: "Stock ledger anomalies found by reconciliation, by kind.",
	}, []string{"kind"})
	registerer.MustRegister(duration, anomalies)
	return &Metrics{duration: duration, anomalies: anomalies}
}
