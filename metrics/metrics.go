package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels.
const (
	OutcomeGranted   = "granted"
	OutcomeNone      = "none"
	OutcomeReleased  = "released"
	OutcomeExtended  = "extended"
	OutcomeConflict  = "conflict"
	OutcomeError     = "error"
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomePanicked  = "panicked"
)

var durationBucketsHandler = []float64{
	0.01,
	0.05,
	0.1,
	0.25,
	0.5,
	1,
	2.5,
	5,
	10,
	30,
}

var durationBucketsBatch = []float64{
	0.001,
	0.005,
	0.01,
	0.05,
	0.1,
	0.5,
	1,
	5,
}

// Registry tracks lease distribution metrics for a single scope.
// A nil *Registry is valid and records nothing.
type Registry struct {
	scope string

	acquire         *prometheus.CounterVec
	release         *prometheus.CounterVec
	extend          *prometheus.CounterVec
	handler         *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	inFlight        *prometheus.GaugeVec
	connRetries     *prometheus.CounterVec
	catchupItems    *prometheus.CounterVec
	catchupDuration *prometheus.HistogramVec
}

// New registers the collectors on reg, reusing collectors a previous Registry already registered.
// A nil reg yields a nil Registry.
func New(reg prometheus.Registerer, scope string) *Registry {
	if reg == nil {
		return nil
	}
	return &Registry{
		scope: scope,
		acquire: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alluvial_lease_acquire_total",
			Help: "Lease acquisition attempts by outcome.",
		}, []string{"scope", "outcome"})),
		release: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alluvial_lease_release_total",
			Help: "Lease releases by outcome.",
		}, []string{"scope", "outcome"})),
		extend: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alluvial_lease_extend_total",
			Help: "Lease extensions by outcome.",
		}, []string{"scope", "outcome"})),
		handler: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alluvial_handler_total",
			Help: "Handler invocations by outcome.",
		}, []string{"scope", "outcome"})),
		handlerDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "alluvial_handler_duration_seconds",
			Help:    "Handler duration in seconds.",
			Buckets: durationBucketsHandler,
		}, []string{"scope"})),
		inFlight: register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "alluvial_leases_in_flight",
			Help: "Leases currently dispatched to a handler.",
		}, []string{"scope"})),
		connRetries: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alluvial_sql_connection_retries_total",
			Help: "Connection acquisitions retried after pool exhaustion.",
		}, []string{"scope"})),
		catchupItems: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alluvial_catchup_items_total",
			Help: "Feed items applied by catch-up.",
		}, []string{"scope", "stream"})),
		catchupDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "alluvial_catchup_batch_duration_seconds",
			Help:    "Catch-up batch duration in seconds, fetch to checkpoint.",
			Buckets: durationBucketsBatch,
		}, []string{"scope", "stream"})),
	}
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (r *Registry) Scope() string {
	if r == nil {
		return ""
	}
	return r.scope
}

// ObserveAcquire records a lease acquisition attempt.
func (r *Registry) ObserveAcquire(outcome string) {
	if r == nil {
		return
	}
	r.acquire.WithLabelValues(r.scope, outcome).Inc()
}

// ObserveRelease records a lease release.
func (r *Registry) ObserveRelease(outcome string) {
	if r == nil {
		return
	}
	r.release.WithLabelValues(r.scope, outcome).Inc()
}

// ObserveExtend records a lease extension.
func (r *Registry) ObserveExtend(outcome string) {
	if r == nil {
		return
	}
	r.extend.WithLabelValues(r.scope, outcome).Inc()
}

// ObserveHandler records a handler outcome and its duration.
func (r *Registry) ObserveHandler(outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	r.handler.WithLabelValues(r.scope, outcome).Inc()
	r.handlerDuration.WithLabelValues(r.scope).Observe(duration.Seconds())
}

// AddInFlight moves the in-flight gauge by delta.
func (r *Registry) AddInFlight(delta int) {
	if r == nil {
		return
	}
	r.inFlight.WithLabelValues(r.scope).Add(float64(delta))
}

// ObserveConnRetry records a retried connection acquisition.
func (r *Registry) ObserveConnRetry() {
	if r == nil {
		return
	}
	r.connRetries.WithLabelValues(r.scope).Inc()
}

// ObserveCatchupBatch records one applied catch-up batch.
func (r *Registry) ObserveCatchupBatch(streamID string, items int, duration time.Duration) {
	if r == nil {
		return
	}
	r.catchupItems.WithLabelValues(r.scope, streamID).Add(float64(items))
	r.catchupDuration.WithLabelValues(r.scope, streamID).Observe(duration.Seconds())
}
