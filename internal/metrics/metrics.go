package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gaushala"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	uploadAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "attempts_total",
			Help:      "Image upload attempts by strategy and outcome.",
		},
		[]string{"strategy", "success"},
	)

	uploadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upload",
			Name:      "duration_seconds",
			Help:      "Duration of image upload attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"strategy"},
	)

	cowMutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cows",
			Name:      "mutations_total",
			Help:      "Cow register and update operations by outcome.",
		},
		[]string{"operation", "success"},
	)

	loginAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "login_attempts_total",
			Help:      "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Aggregate cache lookups by result.",
		},
		[]string{"result"},
	)

	jobRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Total number of scheduled job runs.",
		},
		[]string{"job", "success"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_run_duration_seconds",
			Help:      "Duration of scheduled job runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"job"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		uploadAttempts,
		uploadDuration,
		cowMutations,
		loginAttempts,
		cacheLookups,
		jobRuns,
		jobDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordUpload records one upload strategy attempt.
func RecordUpload(strategy string, duration time.Duration, success bool) {
	if strategy == "" {
		strategy = "unknown"
	}
	if duration <= 0 {
		duration = time.Millisecond
	}
	uploadAttempts.WithLabelValues(strategy, boolLabel(success)).Inc()
	uploadDuration.WithLabelValues(strategy).Observe(duration.Seconds())
}

// RecordCowMutation records a register or update outcome.
func RecordCowMutation(operation string, success bool) {
	cowMutations.WithLabelValues(operation, boolLabel(success)).Inc()
}

// RecordLogin records a login outcome such as "success", "invalid" or "rate_limited".
func RecordLogin(outcome string) {
	loginAttempts.WithLabelValues(outcome).Inc()
}

// RecordCacheLookup records a cache hit or miss.
func RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookups.WithLabelValues(result).Inc()
}

// RecordJobRun records metrics for a scheduled job run.
func RecordJobRun(job string, duration time.Duration, success bool) {
	if job == "" {
		job = "unknown"
	}
	if duration <= 0 {
		duration = time.Millisecond
	}
	jobRuns.WithLabelValues(job, boolLabel(success)).Inc()
	jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

func boolLabel(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses identifiers so label cardinality stays bounded.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch {
	case parts[0] == "uploads" || parts[0] == "static":
		return "/" + parts[0]
	case parts[0] == "dashboard" && len(parts) >= 3 && parts[1] == "cows":
		if len(parts) == 3 {
			return "/dashboard/cows/:id"
		}
		return "/dashboard/cows/:id/" + parts[3]
	case len(parts) > 2:
		return "/" + parts[0] + "/" + parts[1]
	}
	return "/" + trimmed
}
