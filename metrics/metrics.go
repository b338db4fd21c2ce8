package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the sink the admission engine reports into. Counters only
// move forward; the remaining-quota gauge is best effort.
type Metrics struct {
	RequestsAdmitted   prometheus.Counter
	RequestsDenied     *prometheus.CounterVec
	SuspiciousActivity *prometheus.CounterVec
	BlockedRequests    *prometheus.CounterVec
	RemainingQuota     prometheus.Gauge
	StoreDegraded      prometheus.Counter
}

// New registers the engine metrics on reg. A nil registerer gets a
// private registry so tests can construct engines without collisions.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		RequestsAdmitted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "requests_admitted_total",
			Help: "Requests allowed through the admission gate.",
		}),
		RequestsDenied: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "requests_denied_total",
			Help: "Requests denied by the rate limiter, by tier.",
		}, []string{"tier"}),
		SuspiciousActivity: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "suspicious_activity_total",
			Help: "Fraud rule and anomaly pattern firings.",
		}, []string{"rule", "severity"}),
		BlockedRequests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "blocked_requests_total",
			Help: "Requests rejected on an active block flag, by reason.",
		}, []string{"reason"}),
		RemainingQuota: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "rate_limit_remaining",
			Help: "Remaining quota reported on the last admitted request.",
		}),
		StoreDegraded: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "store_degraded_total",
			Help: "Admission decisions made in fail-open mode.",
		}),
	}
}
