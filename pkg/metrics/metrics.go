package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RemoteCallRetries counts retry attempts per remote operation.
	RemoteCallRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enroll_remote_call_retries_total",
			Help: "Total number of remote call retries",
		},
		[]string{"operation"},
	)

	// RemoteCallFailures counts remote calls that exhausted their retry budget,
	// labelled by the final error class.
	RemoteCallFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enroll_remote_call_failures_total",
			Help: "Total number of remote calls that ultimately failed",
		},
		[]string{"operation", "class"},
	)

	// VerificationOutcomes records provider verification results (verified|rejected).
	VerificationOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enroll_verification_outcomes_total",
			Help: "Total number of identity verification outcomes",
		},
		[]string{"outcome"},
	)

	// Registrations counts completed registration attempts by result
	// (success|validation_failed|inconsistent|error).
	Registrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enroll_registrations_total",
			Help: "Total number of registration completion attempts",
		},
		[]string{"result"},
	)

	// ActiveFlows tracks enrollment flows currently held in memory.
	ActiveFlows = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "enroll_active_flows",
			Help: "Number of in-memory enrollment flows",
		},
	)

	// CacheLookups counts response cache hits and misses per cache namespace.
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enroll_cache_lookups_total",
			Help: "Response cache lookups by namespace and result (hit|miss)",
		},
		[]string{"namespace", "result"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "enroll_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
