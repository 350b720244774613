// Package metrics exposes a small Recorder interface backed by a real
// github.com/prometheus/client_golang registry, with a no-op
// implementation standing in when metrics collection is disabled.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder is the instrumentation surface the orchestration pipeline calls
// into. A NoOpRecorder satisfies it for tests.
type Recorder interface {
	QueueEnqueued(priority int)
	QueueAdmitted(waitTime time.Duration)
	QueueRejected(reason string)
	QueueDepth(n int)
	QueueRunning(n int)

	CacheHit()
	CacheMiss()
	CacheEviction()
	CacheSavedTokens(n int)

	PoolActiveSetSize(n int)
	PoolRotation(strategy string)
	PoolCredentialError(kind string)

	RetryAttempt(attempt int)
	FallbackUsed(fromModel, toModel string)

	RateLimitRejected()
	RateLimitWaited(d time.Duration)

	DispatchLatency(dialect string, d time.Duration)
}

// Global is the process-wide recorder. Defaults to a Prometheus-backed
// implementation; swap with a NoOpRecorder in unit tests that do not want
// to touch the default registry.
var Global Recorder = NewPrometheusRecorder(prometheus.DefaultRegisterer)

// NoOpRecorder discards every call.
type NoOpRecorder struct{}

func (NoOpRecorder) QueueEnqueued(int)                      {}
func (NoOpRecorder) QueueAdmitted(time.Duration)             {}
func (NoOpRecorder) QueueRejected(string)                    {}
func (NoOpRecorder) QueueDepth(int)                          {}
func (NoOpRecorder) QueueRunning(int)                        {}
func (NoOpRecorder) CacheHit()                               {}
func (NoOpRecorder) CacheMiss()                               {}
func (NoOpRecorder) CacheEviction()                           {}
func (NoOpRecorder) CacheSavedTokens(int)                    {}
func (NoOpRecorder) PoolActiveSetSize(int)                   {}
func (NoOpRecorder) PoolRotation(string)                     {}
func (NoOpRecorder) PoolCredentialError(string)              {}
func (NoOpRecorder) RetryAttempt(int)                        {}
func (NoOpRecorder) FallbackUsed(string, string)             {}
func (NoOpRecorder) RateLimitRejected()                      {}
func (NoOpRecorder) RateLimitWaited(time.Duration)           {}
func (NoOpRecorder) DispatchLatency(string, time.Duration)   {}

// PrometheusRecorder is the production Recorder.
type PrometheusRecorder struct {
	queueEnqueued   *prometheus.CounterVec
	queueAdmitWait  prometheus.Histogram
	queueRejected   *prometheus.CounterVec
	queueDepth      prometheus.Gauge
	queueRunning    prometheus.Gauge

	cacheHits     prometheus.Counter
	cacheMisses   prometheus.Counter
	cacheEvicts   prometheus.Counter
	cacheSavedTok prometheus.Counter

	poolActiveSize prometheus.Gauge
	poolRotations  *prometheus.CounterVec
	poolCredErrors *prometheus.CounterVec

	retryAttempts  *prometheus.CounterVec
	fallbacksUsed  *prometheus.CounterVec

	rateLimitRejected prometheus.Counter
	rateLimitWait     prometheus.Histogram

	dispatchLatency *prometheus.HistogramVec
}

// NewPrometheusRecorder registers and returns a Recorder against reg. Pass
// a fresh prometheus.NewRegistry() in tests to avoid collisions with the
// default registry across parallel test binaries.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	r := &PrometheusRecorder{
		queueEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_queue_enqueued_total", Help: "Requests enqueued, by priority band.",
		}, []string{"priority"}),
		queueAdmitWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "proxy_queue_admit_wait_seconds", Help: "Time spent waiting for admission.",
		}),
		queueRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_queue_rejected_total", Help: "Requests rejected, by reason.",
		}, []string{"reason"}),
		queueDepth:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "proxy_queue_depth", Help: "Current pending queue depth."}),
		queueRunning: prometheus.NewGauge(prometheus.GaugeOpts{Name: "proxy_queue_running", Help: "Currently admitted/running requests."}),

		cacheHits:     prometheus.NewCounter(prometheus.CounterOpts{Name: "proxy_cache_hits_total", Help: "Cache hits."}),
		cacheMisses:   prometheus.NewCounter(prometheus.CounterOpts{Name: "proxy_cache_misses_total", Help: "Cache misses."}),
		cacheEvicts:   prometheus.NewCounter(prometheus.CounterOpts{Name: "proxy_cache_evictions_total", Help: "Cache evictions."}),
		cacheSavedTok: prometheus.NewCounter(prometheus.CounterOpts{Name: "proxy_cache_saved_tokens_total", Help: "Tokens saved by cache hits."}),

		poolActiveSize: prometheus.NewGauge(prometheus.GaugeOpts{Name: "proxy_pool_active_set_size", Help: "Credentials currently eligible for selection."}),
		poolRotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_pool_rotations_total", Help: "Account rotations, by strategy.",
		}, []string{"strategy"}),
		poolCredErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_pool_credential_errors_total", Help: "Credential error reports, by kind.",
		}, []string{"kind"}),

		retryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_retry_attempts_total", Help: "Retry attempts, by attempt number.",
		}, []string{"attempt"}),
		fallbacksUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_fallbacks_total", Help: "Model fallback substitutions.",
		}, []string{"from", "to"}),

		rateLimitRejected: prometheus.NewCounter(prometheus.CounterOpts{Name: "proxy_ratelimit_rejected_total", Help: "Requests rejected by the rate limiter."}),
		rateLimitWait:     prometheus.NewHistogram(prometheus.HistogramOpts{Name: "proxy_ratelimit_wait_seconds", Help: "Time spent waiting on the rate limiter."}),

		dispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "proxy_dispatch_latency_seconds", Help: "Upstream dispatch latency, by dialect.",
		}, []string{"dialect"}),
	}

	if reg != nil {
		collectors := []prometheus.Collector{
			r.queueEnqueued, r.queueAdmitWait, r.queueRejected, r.queueDepth, r.queueRunning,
			r.cacheHits, r.cacheMisses, r.cacheEvicts, r.cacheSavedTok,
			r.poolActiveSize, r.poolRotations, r.poolCredErrors,
			r.retryAttempts, r.fallbacksUsed,
			r.rateLimitRejected, r.rateLimitWait, r.dispatchLatency,
		}
		for _, c := range collectors {
			_ = reg.Register(c)
		}
	}
	return r
}

func (r *PrometheusRecorder) QueueEnqueued(priority int) {
	r.queueEnqueued.WithLabelValues(priorityLabel(priority)).Inc()
}
func (r *PrometheusRecorder) QueueAdmitted(d time.Duration) { r.queueAdmitWait.Observe(d.Seconds()) }
func (r *PrometheusRecorder) QueueRejected(reason string)   { r.queueRejected.WithLabelValues(reason).Inc() }
func (r *PrometheusRecorder) QueueDepth(n int)              { r.queueDepth.Set(float64(n)) }
func (r *PrometheusRecorder) QueueRunning(n int)            { r.queueRunning.Set(float64(n)) }

func (r *PrometheusRecorder) CacheHit()            { r.cacheHits.Inc() }
func (r *PrometheusRecorder) CacheMiss()           { r.cacheMisses.Inc() }
func (r *PrometheusRecorder) CacheEviction()       { r.cacheEvicts.Inc() }
func (r *PrometheusRecorder) CacheSavedTokens(n int) { r.cacheSavedTok.Add(float64(n)) }

func (r *PrometheusRecorder) PoolActiveSetSize(n int)      { r.poolActiveSize.Set(float64(n)) }
func (r *PrometheusRecorder) PoolRotation(strategy string) { r.poolRotations.WithLabelValues(strategy).Inc() }
func (r *PrometheusRecorder) PoolCredentialError(kind string) {
	r.poolCredErrors.WithLabelValues(kind).Inc()
}

func (r *PrometheusRecorder) RetryAttempt(attempt int) {
	r.retryAttempts.WithLabelValues(itoa(attempt)).Inc()
}
func (r *PrometheusRecorder) FallbackUsed(from, to string) {
	r.fallbacksUsed.WithLabelValues(from, to).Inc()
}

func (r *PrometheusRecorder) RateLimitRejected()            { r.rateLimitRejected.Inc() }
func (r *PrometheusRecorder) RateLimitWaited(d time.Duration) { r.rateLimitWait.Observe(d.Seconds()) }

func (r *PrometheusRecorder) DispatchLatency(dialect string, d time.Duration) {
	r.dispatchLatency.WithLabelValues(dialect).Observe(d.Seconds())
}

func priorityLabel(p int) string {
	switch {
	case p >= 10:
		return "high"
	case p <= 0:
		return "low"
	default:
		return "normal"
	}
}

func itoa(n int) string {
	if n < 0 {
		return "0"
	}
	const digits = "0123456789"
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = digits[n%10]
		n /= 10
	}
	return string(buf[i:])
}
