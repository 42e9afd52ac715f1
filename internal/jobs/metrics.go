package jobmetrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs          *prometheus.CounterVec
	failures      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	ledgerBreaks  *prometheus.CounterVec
	notifications prometheus.Counter
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// AddLedgerBreaks counts products of a tenant whose ledger failed to replay.
func (m *Metrics) AddLedgerBreaks(tenantID int64, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.ledgerBreaks.WithLabelValues(strconv.FormatInt(tenantID, 10)).Add(float64(count))
}

// AddNotifications counts stock alerts handed to the notifier.
func (m *Metrics) AddNotifications(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.notifications.Add(float64(count))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockroom_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockroom_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stockroom_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	breaks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockroom_ledger_breaks_total",
		Help: "Products whose movements no longer replay to the live stock.",
	}, []string{"tenant"})
	notifications := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stockroom_alert_notifications_total",
		Help: "Stock alerts delivered by the notification sweep.",
	})
	registerer.MustRegister(runs, failures, duration, breaks, notifications)
	return &Metrics{runs: runs, failures: failures, duration: duration, ledgerBreaks: breaks, notifications: notifications}
}
