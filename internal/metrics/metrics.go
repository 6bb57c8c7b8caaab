package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the cache method being instrumented.
type CacheOperation string

const (
	// CacheOperationLookup records cache lookup calls.
	CacheOperationLookup CacheOperation = "lookup"
	// CacheOperationStore records cache store attempts.
	CacheOperationStore CacheOperation = "store"
	// CacheOperationDelete records pattern invalidations.
	CacheOperationDelete CacheOperation = "delete"
)

// CacheResult captures the result of a cache operation.
type CacheResult string

const (
	// CacheResultHit indicates a lookup reused a cached value.
	CacheResultHit CacheResult = "hit"
	// CacheResultMiss indicates no cached value was present.
	CacheResultMiss CacheResult = "miss"
	// CacheResultStored indicates the entry was persisted.
	CacheResultStored CacheResult = "stored"
	// CacheResultDeleted indicates an invalidation removed entries.
	CacheResultDeleted CacheResult = "deleted"
	// CacheResultError indicates the operation failed.
	CacheResultError CacheResult = "error"
	// CacheResultDegraded indicates the backing store was bypassed.
	CacheResultDegraded CacheResult = "degraded"
)

// PollOutcome classifies one poll-diff-publish cycle.
type PollOutcome string

const (
	// PollOutcomeOK indicates the cycle published a fresh snapshot.
	PollOutcomeOK PollOutcome = "ok"
	// PollOutcomeFailed indicates the cycle was abandoned on error or deadline.
	PollOutcomeFailed PollOutcome = "failed"
	// PollOutcomeSkipped indicates the cycle was skipped because one was running.
	PollOutcomeSkipped PollOutcome = "skipped"
)

// Recorder publishes Prometheus metrics for dashboard activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	cacheOperations *prometheus.CounterVec
	limitDecisions  *prometheus.CounterVec
	pollCycles      *prometheus.CounterVec
	pollDuration    prometheus.Histogram
	eventsEmitted   *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	subscribers     prometheus.Gauge
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zabview",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Cache operations executed by the read-through store.",
	}, []string{"operation", "result"})

	limitDecisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zabview",
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Rate limiter verdicts per named policy.",
	}, []string{"policy", "outcome"})

	pollCycles := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zabview",
		Subsystem: "poll",
		Name:      "cycles_total",
		Help:      "Poll-diff-publish cycles by outcome.",
	}, []string{"outcome"})

	pollDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "zabview",
		Subsystem: "poll",
		Name:      "cycle_duration_seconds",
		Help:      "Latency distribution for completed poll cycles.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
	})

	eventsEmitted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zabview",
		Subsystem: "events",
		Name:      "emitted_total",
		Help:      "Domain events produced by the snapshot differ.",
	}, []string{"type"})

	notifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zabview",
		Subsystem: "notify",
		Name:      "messages_total",
		Help:      "Outbound notification attempts by outcome.",
	}, []string{"outcome"})

	subscribers := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "zabview",
		Subsystem: "events",
		Name:      "subscribers",
		Help:      "Currently connected live subscribers.",
	})

	reg.MustRegister(cacheOperations, limitDecisions, pollCycles, pollDuration, eventsEmitted, notifications, subscribers)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:        reg,
		handler:         handler,
		cacheOperations: cacheOperations,
		limitDecisions:  limitDecisions,
		pollCycles:      pollCycles,
		pollDuration:    pollDuration,
		eventsEmitted:   eventsEmitted,
		notifications:   notifications,
		subscribers:     subscribers,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveCache records the result of one cache operation.
func (r *Recorder) ObserveCache(operation CacheOperation, result CacheResult) {
	if r == nil {
		return
	}
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationLookup)
	}
	r.cacheOperations.WithLabelValues(opLabel, normalizeLabel(string(result))).Inc()
}

// ObserveLimitDecision records a rate limiter verdict for one policy.
func (r *Recorder) ObserveLimitDecision(policy, outcome string) {
	if r == nil {
		return
	}
	r.limitDecisions.WithLabelValues(normalizeLabel(policy), normalizeLabel(outcome)).Inc()
}

// ObservePollCycle records the outcome and duration of one poll cycle. Skipped
// cycles carry no duration sample.
func (r *Recorder) ObservePollCycle(outcome PollOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	r.pollCycles.WithLabelValues(normalizeLabel(string(outcome))).Inc()
	if outcome != PollOutcomeSkipped {
		r.pollDuration.Observe(duration.Seconds())
	}
}

// ObserveEvents counts emitted domain events by type.
func (r *Recorder) ObserveEvents(eventType string, count int) {
	if r == nil || count <= 0 {
		return
	}
	r.eventsEmitted.WithLabelValues(normalizeLabel(eventType)).Add(float64(count))
}

// ObserveNotification records one outbound notification attempt.
func (r *Recorder) ObserveNotification(outcome string) {
	if r == nil {
		return
	}
	r.notifications.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// SetSubscribers tracks the live subscriber count.
func (r *Recorder) SetSubscribers(count int) {
	if r == nil {
		return
	}
	r.subscribers.Set(float64(count))
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
