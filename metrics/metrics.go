package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors of one interceptor.
// Each instance has its own registry so several interceptors can live in one process.
type Metrics struct {
	registry          *prometheus.Registry
	requestTotal      *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	cacheWriteErrors  *prometheus.CounterVec
	broadcasts        prometheus.Counter
	queuedSubmissions prometheus.Gauge
	syncDelivered     prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "offline_cache",
				Name:      "requests_total",
				Help:      "Total number of intercepted requests by policy and outcome",
			},
			[]string{"policy", "outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "offline_cache",
				Name:      "request_duration_seconds",
				Help:      "Duration of intercepted requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"policy"},
		),
		cacheWriteErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "offline_cache",
				Name:      "cache_write_errors_total",
				Help:      "Failed fire-and-forget cache writes",
			},
			[]string{"store"},
		),
		broadcasts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "offline_cache",
				Name:      "client_broadcasts_total",
				Help:      "Messages delivered to client pages",
			},
		),
		queuedSubmissions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "offline_cache",
				Name:      "queued_submissions",
				Help:      "Submissions waiting for the next sync",
			},
		),
		syncDelivered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "offline_cache",
				Name:      "sync_delivered_total",
				Help:      "Queued submissions delivered by sync",
			},
		),
	}
	m.registry.MustRegister(
		m.requestTotal,
		m.requestDuration,
		m.cacheWriteErrors,
		m.broadcasts,
		m.queuedSubmissions,
		m.syncDelivered,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(policy, outcome string, d time.Duration) {
	m.requestTotal.WithLabelValues(policy, outcome).Inc()
	m.requestDuration.WithLabelValues(policy).Observe(d.Seconds())
}

func (m *Metrics) IncCacheWriteError(store string) {
	m.cacheWriteErrors.WithLabelValues(store).Inc()
}

func (m *Metrics) AddBroadcasts(n int) {
	m.broadcasts.Add(float64(n))
}

func (m *Metrics) SetQueuedSubmissions(n int) {
	m.queuedSubmissions.Set(float64(n))
}

func (m *Metrics) AddSyncDelivered(n int) {
	m.syncDelivered.Add(float64(n))
}

// Requests returns the request counter value for the policy and outcome.
func (m *Metrics) Requests(policy, outcome string) float64 {
	return counterValue(m.requestTotal.WithLabelValues(policy, outcome))
}

// CacheWriteErrors returns the number of failed cache writes to the store.
func (m *Metrics) CacheWriteErrors(store string) float64 {
	return counterValue(m.cacheWriteErrors.WithLabelValues(store))
}
