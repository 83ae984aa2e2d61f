// Package metrics exports session manager counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "session_keeper"

// Renewal results.
const (
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultRejected = "rejected"
	ResultRefused  = "refused"
	ResultJoined   = "joined"
)

// Metrics holds the Prometheus collectors updated by the session components.
type Metrics struct {
	Renewals           *prometheus.CounterVec
	RenewalDuration    prometheus.Histogram
	BreakerActivations prometheus.Counter
	BreakerBlocks      prometheus.Counter
	RateLimited        prometheus.Counter
	Suspensions        prometheus.Counter
	ConsistencyRepairs *prometheus.CounterVec
	TokenExpiry        prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Renewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renewals_total",
			Help:      "Renewal attempts by result.",
		}, []string{"result"}),
		RenewalDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "renewal_duration_seconds",
			Help:      "Time spent in renewal attempts that reached the backend.",
			Buckets:   prometheus.DefBuckets,
		}),
		BreakerActivations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_activations_total",
			Help:      "Times the renewal circuit breaker opened.",
		}),
		BreakerBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_blocks_total",
			Help:      "Renewal attempts refused by an open circuit breaker.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Renewal attempts refused by the rate limiter.",
		}),
		Suspensions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suspensions_detected_total",
			Help:      "Heartbeat gaps judged to be process suspensions.",
		}),
		ConsistencyRepairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consistency_repairs_total",
			Help:      "Drift repairs made by the consistency checker, by target.",
		}, []string{"target"}),
		TokenExpiry: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "token_expiry_timestamp_seconds",
			Help:      "Expiry of the held access token as a Unix timestamp, 0 when logged out.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Renewals,
			m.RenewalDuration,
			m.BreakerActivations,
			m.BreakerBlocks,
			m.RateLimited,
			m.Suspensions,
			m.ConsistencyRepairs,
			m.TokenExpiry,
		)
	}
	return m
}
