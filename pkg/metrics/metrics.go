// Package metrics holds the Prometheus collectors for identity resolution.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const DefaultNamespace = "rhombus"

// Resolution outcomes.
const (
	OutcomeHit         = "hit"
	OutcomeAbsent      = "absent"
	OutcomeMalformed   = "malformed"
	OutcomeProvisioned = "provisioned"
	OutcomeConfirmed   = "confirmed"
	OutcomeRejected    = "rejected"
	OutcomeRemoteError = "remote_error"
	OutcomeStoreError  = "store_error"
	OutcomeDenied      = "provisioning_denied"
)

type Config struct {
	Namespace string
	Buckets   []float64
	// Registry defaults to prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
}

type Metrics struct {
	cacheRequests  *prometheus.CounterVec
	resolutions    *prometheus.CounterVec
	refreshes      prometheus.Counter
	remoteDuration prometheus.Histogram
	logins         *prometheus.CounterVec
	logouts        prometheus.Counter
}

func New(config Config) *Metrics {
	if config.Namespace == "" {
		config.Namespace = DefaultNamespace
	}
	if len(config.Buckets) == 0 {
		config.Buckets = prometheus.DefBuckets
	}
	if config.Registry == nil {
		config.Registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(config.Registry)
	return &Metrics{
		cacheRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "identity_cache_requests_total",
			Help:      "Identity cache lookups by result.",
		}, []string{"result"}),
		resolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "identity_resolutions_total",
			Help:      "Identity resolutions by outcome.",
		}, []string{"outcome"}),
		refreshes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "identity_refreshes_total",
			Help:      "Sliding refreshes of cached identities.",
		}),
		remoteDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Name:      "remote_authority_duration_seconds",
			Help:      "Latency of remote authority confirmations.",
			Buckets:   config.Buckets,
		}),
		logins: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "logins_total",
			Help:      "Login attempts by result.",
		}, []string{"result"}),
		logouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Name:      "logouts_total",
			Help:      "Logouts processed.",
		}),
	}
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) Resolution(outcome string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Refresh() {
	if m == nil {
		return
	}
	m.refreshes.Inc()
}

func (m *Metrics) RemoteDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.remoteDuration.Observe(d.Seconds())
}

func (m *Metrics) Login(ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.logins.WithLabelValues(result).Inc()
}

func (m *Metrics) Logout() {
	if m == nil {
		return
	}
	m.logouts.Inc()
}
