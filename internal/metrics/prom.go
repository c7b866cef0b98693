package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "mcpgate_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "bridge"},
		},
		[]string{"date", "sha", "version"},
	)

	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpgate_requests_total",
			Help: "Bridged requests by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpgate_request_duration_seconds",
			Help:    "End-to-end request handling duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	dispatchAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpgate_dispatch_attempts_total",
			Help: "Individual HTTP dispatch attempts",
		},
		[]string{"outcome"},
	)

	dispatchRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mcpgate_dispatch_retries_total",
			Help: "Dispatch attempts beyond the first",
		},
	)

	circuitState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcpgate_circuit_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	circuitTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpgate_circuit_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"from", "to"},
	)

	cacheEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpgate_cache_events_total",
			Help: "Response cache hits and misses",
		},
		[]string{"event"},
	)

	probes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpgate_probes_total",
			Help: "Liveness probes by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	reconnectWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mcpgate_reconnect_wait_seconds",
			Help:    "Time spent in the reconnection wait loop",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	throttleWait = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mcpgate_throttle_wait_seconds_total",
			Help: "Total time spent waiting on the outbound rate limiter",
		},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcpgate_queue_depth",
			Help: "Requests waiting in the sequential queue",
		},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, requests, requestDuration, dispatchAttempts, dispatchRetries, circuitState, circuitTransitions, cacheEvents, probes, reconnectWait, throttleWait, queueDepth)
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// RecordRequest increments the request counter for one handled request.
func RecordRequest(method, outcome string) {
	requests.WithLabelValues(method, outcome).Inc()
}

// ObserveRequestDuration records the end-to-end duration of a request.
func ObserveRequestDuration(method string, d time.Duration) {
	requestDuration.WithLabelValues(method).Observe(d.Seconds())
}

// RecordDispatchAttempt counts one HTTP attempt.
func RecordDispatchAttempt(success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	dispatchAttempts.WithLabelValues(outcome).Inc()
}

// RecordDispatchRetry counts an attempt beyond the first.
func RecordDispatchRetry() {
	dispatchRetries.Inc()
}

// SetCircuitState records the breaker state as a numeric gauge.
func SetCircuitState(state float64) {
	circuitState.Set(state)
}

// RecordCircuitTransition counts a breaker state change.
func RecordCircuitTransition(from, to string) {
	circuitTransitions.WithLabelValues(from, to).Inc()
}

// RecordCacheHit counts a cache hit.
func RecordCacheHit() {
	cacheEvents.WithLabelValues("hit").Inc()
}

// RecordCacheMiss counts a cache miss.
func RecordCacheMiss() {
	cacheEvents.WithLabelValues("miss").Inc()
}

// RecordProbe counts one liveness probe.
func RecordProbe(kind string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	probes.WithLabelValues(kind, outcome).Inc()
}

// ObserveReconnectWait records time spent blocked in the reconnection loop.
func ObserveReconnectWait(d time.Duration) {
	reconnectWait.Observe(d.Seconds())
}

// AddThrottleWait accumulates time spent waiting on the outbound limiter.
func AddThrottleWait(d time.Duration) {
	throttleWait.Add(d.Seconds())
}

// SetQueueDepth records the number of queued requests.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}
