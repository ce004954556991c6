package observability

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "netclient"

// MetricsCollector provides Prometheus metrics for connections, the pool and the
// HTTP policies. A nil *MetricsCollector is valid and records nothing, so
// components can call it unconditionally.
type MetricsCollector struct {
	requestsSent  prometheus.Counter
	bytesSent     prometheus.Counter
	bytesReceived prometheus.Counter

	stateTransitions *prometheus.CounterVec
	dialAttempts     *prometheus.CounterVec
	callbackPanics   prometheus.Counter

	poolIdle      *prometheus.GaugeVec
	poolAcquires  *prometheus.CounterVec
	poolEvictions *prometheus.CounterVec

	requestDuration     *prometheus.HistogramVec
	circuitBreakerState *prometheus.GaugeVec
	retryAttempts       *prometheus.CounterVec
	activeRequests      *prometheus.GaugeVec
	bulkheadRejections  *prometheus.CounterVec
}

// NewMetricsCollector creates and registers the collector.
// If registry is nil, uses the default Prometheus registry.
func NewMetricsCollector(registry prometheus.Registerer) *MetricsCollector {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &MetricsCollector{
		requestsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_sent_total",
			Help:      "Total number of requests accepted by Send",
		}),
		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total header and body bytes of accepted requests",
		}),
		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total response content bytes delivered to data receivers",
		}),

		stateTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_state_transitions_total",
				Help:      "Connection state transitions by target state",
			},
			[]string{"scheme", "state"},
		),
		dialAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_dial_attempts_total",
				Help:      "Handshake attempts by outcome",
			},
			[]string{"host", "outcome"},
		),
		callbackPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callback_panics_total",
			Help:      "Receiver panics recovered at the dispatch boundary",
		}),

		poolIdle: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_idle_connections",
				Help:      "Idle connections held by the pool",
			},
			[]string{"target"},
		),
		poolAcquires: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_acquires_total",
				Help:      "Pool acquisitions by result (reused or created)",
			},
			[]string{"target", "result"},
		),
		poolEvictions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_evictions_total",
				Help:      "Connections shut down by the pool instead of being kept idle",
			},
			[]string{"target", "reason"},
		),

		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP round trip duration in seconds (until response headers)",
				Buckets: []float64{
					0.001, // 1ms
					0.005, // 5ms
					0.01,  // 10ms
					0.05,  // 50ms
					0.1,   // 100ms
					0.5,   // 500ms
					1.0,   // 1s
					2.0,   // 2s
					5.0,   // 5s
					10.0,  // 10s
				},
			},
			[]string{"method", "status_code", "host"},
		),
		circuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"host"},
		),
		retryAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_retries_total",
				Help:      "Total number of HTTP retry attempts",
			},
			[]string{"method", "host", "reason"},
		),
		activeRequests: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_active_requests",
				Help:      "Number of in-flight HTTP requests",
			},
			[]string{"host"},
		),
		bulkheadRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_rejected_requests_total",
				Help:      "Total number of requests rejected by the bulkhead",
			},
			[]string{"host"},
		),
	}
}

// AddRequestSent mirrors the requests/bytes-sent stats.
func (m *MetricsCollector) AddRequestSent(bytes int) {
	if m == nil {
		return
	}
	m.requestsSent.Inc()
	m.bytesSent.Add(float64(bytes))
}

// AddBytesReceived mirrors the bytes-received stat.
func (m *MetricsCollector) AddBytesReceived(bytes int) {
	if m == nil {
		return
	}
	m.bytesReceived.Add(float64(bytes))
}

// RecordStateTransition counts a connection entering state.
func (m *MetricsCollector) RecordStateTransition(scheme, state string) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(scheme, state).Inc()
}

// RecordDialAttempt counts a handshake attempt. outcome: "success", "failure".
func (m *MetricsCollector) RecordDialAttempt(host, outcome string) {
	if m == nil {
		return
	}
	m.dialAttempts.WithLabelValues(NormalizeHost(host), outcome).Inc()
}

// IncrementCallbackPanics counts a recovered receiver panic.
func (m *MetricsCollector) IncrementCallbackPanics() {
	if m == nil {
		return
	}
	m.callbackPanics.Inc()
}

// SetPoolIdle sets the idle gauge for a pool key.
func (m *MetricsCollector) SetPoolIdle(target string, n int) {
	if m == nil {
		return
	}
	m.poolIdle.WithLabelValues(target).Set(float64(n))
}

// RecordPoolAcquire counts an acquisition. result: "reused", "created".
func (m *MetricsCollector) RecordPoolAcquire(target, result string) {
	if m == nil {
		return
	}
	m.poolAcquires.WithLabelValues(target, result).Inc()
}

// RecordPoolEviction counts a connection the pool shut down.
// reason: "capacity", "unhealthy", "expired", "closed".
func (m *MetricsCollector) RecordPoolEviction(target, reason string) {
	if m == nil {
		return
	}
	m.poolEvictions.WithLabelValues(target, reason).Inc()
}

// RecordRequestDuration records the duration of an HTTP round trip.
func (m *MetricsCollector) RecordRequestDuration(method, host string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(
		method,
		strconv.Itoa(statusCode),
		NormalizeHost(host),
	).Observe(duration.Seconds())
}

// SetCircuitBreakerState sets the circuit breaker state metric.
// state: 0=closed, 1=open, 2=half-open
func (m *MetricsCollector) SetCircuitBreakerState(host string, state int) {
	if m == nil {
		return
	}
	m.circuitBreakerState.WithLabelValues(NormalizeHost(host)).Set(float64(state))
}

// IncrementRetryAttempts increments the retry attempt counter.
// reason: "network_error", "5xx", "429", "custom"
func (m *MetricsCollector) IncrementRetryAttempts(method, host, reason string) {
	if m == nil {
		return
	}
	m.retryAttempts.WithLabelValues(method, NormalizeHost(host), reason).Inc()
}

// IncrementActiveRequests increments the active requests gauge.
func (m *MetricsCollector) IncrementActiveRequests(host string) {
	if m == nil {
		return
	}
	m.activeRequests.WithLabelValues(NormalizeHost(host)).Inc()
}

// DecrementActiveRequests decrements the active requests gauge.
func (m *MetricsCollector) DecrementActiveRequests(host string) {
	if m == nil {
		return
	}
	m.activeRequests.WithLabelValues(NormalizeHost(host)).Dec()
}

// IncrementBulkheadRejections increments the bulkhead rejection counter.
func (m *MetricsCollector) IncrementBulkheadRejections(host string) {
	if m == nil {
		return
	}
	m.bulkheadRejections.WithLabelValues(NormalizeHost(host)).Inc()
}

// NormalizeHost lower-cases a host and strips default ports (":80", ":443")
// to reduce label cardinality.
func NormalizeHost(host string) string {
	host = strings.ToLower(host)
	h, port, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	if port == "80" || port == "443" {
		if strings.Contains(h, ":") {
			return "[" + h + "]"
		}
		return h
	}
	return host
}

// StatusCodeToReason converts an HTTP status code to a retry reason.
func StatusCodeToReason(statusCode int) string {
	if statusCode == 429 {
		return "429"
	}
	if statusCode >= 500 {
		return "5xx"
	}
	return "unknown"
}
