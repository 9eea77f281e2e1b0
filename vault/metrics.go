package vault

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// requestsTotal counts API requests by method and status class.
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultcred_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "status"},
	)

	// requestDuration measures API request duration.
	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vaultcred_request_duration_seconds",
			Help:    "Duration of API requests in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method"},
	)

	// loginsTotal counts AppRole login attempts.
	loginsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultcred_logins_total",
			Help: "Total number of AppRole login attempts",
		},
		[]string{"status"},
	)

	// renewalsTotal counts credential and lease renewals.
	renewalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultcred_renewals_total",
			Help: "Total number of token and lease renewals",
		},
		[]string{"kind", "status"},
	)

	// revocationsTotal counts revocations issued on cache clears and lease
	// undercuts.
	revocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultcred_revocations_total",
			Help: "Total number of revocation requests",
		},
		[]string{"kind", "status"},
	)

	// cacheHits counts credential cache hits.
	cacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vaultcred_cache_hits_total",
			Help: "Total number of credential cache hits",
		},
	)

	// cacheMisses counts credential cache misses.
	cacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vaultcred_cache_misses_total",
			Help: "Total number of credential cache misses",
		},
	)

	// cacheClearsTotal counts cache clears by scope.
	cacheClearsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultcred_cache_clears_total",
			Help: "Total number of cache clears",
		},
		[]string{"scope"},
	)

	// unwrapFailures counts creation-path validation failures on unwrap.
	unwrapFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vaultcred_unwrap_failures_total",
			Help: "Total number of wrapped response validation failures",
		},
	)

	// tokenExpiryTime tracks the active token's expiry timestamp.
	tokenExpiryTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vaultcred_token_expiry_timestamp_seconds",
			Help: "Unix timestamp when the active token expires",
		},
	)
)

const (
	statusSuccess = "success"
	statusError   = "error"
)
