// Package metrics holds the process-wide Prometheus collectors. They are
// registered on the default registry at init and served by Handler.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "training_sync"

var (
	SyncAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "attempts_total",
		Help:      "Sync attempts by trigger and result (success, failed, denied).",
	}, []string{"trigger", "result"})

	SyncDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "duration_seconds",
		Help:      "Wall time of admitted sync runs.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"strategy"})

	MergedActivities = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "activities_merged_total",
		Help:      "Activities merged into the local store, by action (created, updated, unchanged).",
	}, []string{"action"})

	LastSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix timestamp of the most recent successful sync run.",
	})

	RemoteRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "provider",
		Name:      "requests_total",
		Help:      "HTTP calls to the provider activity endpoint by status class.",
	}, []string{"status"})

	RemotePages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "provider",
		Name:      "pages_total",
		Help:      "Activity list pages fetched by sync runs, by strategy.",
	}, []string{"strategy"})

	RemoteRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "provider",
		Name:      "throttle_retries_total",
		Help:      "Backoff retries after a 429 from the provider.",
	})

	WebhookEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "events_total",
		Help:      "Webhook events by object type, aspect type and resulting action.",
	}, []string{"object_type", "aspect_type", "action"})

	SweepUsers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sweep",
		Name:      "users_total",
		Help:      "Users visited by the background sweep, by result (synced, skipped, failed).",
	}, []string{"result"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by method, route pattern and status code.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

func init() {
	prometheus.MustRegister(
		SyncAttempts,
		SyncDuration,
		MergedActivities,
		LastSuccess,
		RemoteRequests,
		RemotePages,
		RemoteRetries,
		WebhookEvents,
		SweepUsers,
		HTTPRequestDuration,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTP records one served request.
func ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	HTTPRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// RecordSyncSuccess moves the last-success watermark.
func RecordSyncSuccess(ts time.Time) {
	if ts.IsZero() {
		return
	}
	LastSuccess.Set(float64(ts.Unix()))
}

// StatusClass folds a status code into a low-cardinality label. 401 and 429
// stay distinct because they drive different error paths.
func StatusClass(code int) string {
	switch {
	case code == http.StatusUnauthorized:
		return "401"
	case code == http.StatusTooManyRequests:
		return "429"
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "other"
	}
}
