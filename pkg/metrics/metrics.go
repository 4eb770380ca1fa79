package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	BuildsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "efa_builds_total",
			Help: "Total number of builds by status",
		},
		[]string{"status"},
	)

	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "efa_workers_total",
			Help: "Total number of workers by status",
		},
		[]string{"status"},
	)

	AssignmentsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "efa_assignments_total",
			Help: "Total number of successful build assignments",
		},
	)

	AssignmentConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "efa_assignment_conflicts_total",
			Help: "Number of claim attempts lost to a concurrent claimer",
		},
	)

	// Sweep metrics
	SweepCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "efa_sweep_cycles_total",
			Help: "Total number of staleness sweep cycles",
		},
	)

	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "efa_sweep_duration_seconds",
			Help:    "Staleness sweep cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	WorkersReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "efa_workers_reaped_total",
			Help: "Workers transitioned to offline by the staleness sweep",
		},
	)

	BuildsRequeued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "efa_builds_requeued_total",
			Help: "Builds returned to pending after their worker went offline",
		},
	)

	// Artifact channel metrics
	BytesIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "efa_artifact_bytes_ingested_total",
			Help: "Bytes written into artifact storage by target",
		},
		[]string{"target"},
	)

	BytesEgressed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "efa_artifact_bytes_egressed_total",
			Help: "Bytes streamed out of artifact storage",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "efa_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "efa_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	RequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "efa_api_requests_in_flight",
			Help: "Requests currently being handled",
		},
	)

	RequestsRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "efa_api_requests_rejected_total",
			Help: "Requests rejected by the concurrency cap or rate limiter",
		},
	)
)

func init() {
	prometheus.MustRegister(BuildsTotal)
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(AssignmentsTotal)
	prometheus.MustRegister(AssignmentConflicts)
	prometheus.MustRegister(SweepCyclesTotal)
	prometheus.MustRegister(SweepDuration)
	prometheus.MustRegister(WorkersReaped)
	prometheus.MustRegister(BuildsRequeued)
	prometheus.MustRegister(BytesIngested)
	prometheus.MustRegister(BytesEgressed)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(RequestsInFlight)
	prometheus.MustRegister(RequestsRejected)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for histogram observation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time into a histogram
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time into a labeled histogram
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
