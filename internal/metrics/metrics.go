// ============================================================================
// Orchestrator Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collects and exposes analysis orchestration metrics for Prometheus
//
// Metric families:
//
//   1. Request counters (Counter):
//      - orchestrator_requests_submitted_total{priority}
//      - orchestrator_requests_dispatched_total{priority}
//      - orchestrator_requests_finished_total{priority,status}
//      - orchestrator_requests_evicted_total{priority}
//      - orchestrator_requests_retried_total
//
//   2. Latency (Histogram):
//      - orchestrator_request_latency_seconds{priority}  submit -> result
//      - orchestrator_provider_call_seconds{provider}    one provider attempt
//
//   3. Provider health:
//      - orchestrator_provider_calls_total{provider,outcome}
//      - orchestrator_circuit_open{provider}             1 when open
//
//   4. Scheduler state (Gauge):
//      - orchestrator_queue_depth
//      - orchestrator_in_flight
//      - orchestrator_success_rate
//
//   5. Sequences and storage:
//      - orchestrator_sequences_total{outcome}
//      - orchestrator_sequence_confidence (Histogram)
//      - orchestrator_store_bytes, orchestrator_store_evictions_total
//
// Example queries:
//
//   # provider error ratio
//   rate(orchestrator_provider_calls_total{outcome="failed"}[5m])
//     / rate(orchestrator_provider_calls_total[5m])
//
//   # 95th percentile end-to-end latency
//   histogram_quantile(0.95, rate(orchestrator_request_latency_seconds_bucket[5m]))
//
// A nil *Collector is valid: every method is a no-op, so components can take
// an optional collector.
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/travisdw72/onebarn-ai-sub006/internal/failover"
	"github.com/travisdw72/onebarn-ai-sub006/pkg/types"
)

// Collector holds every orchestrator metric.
type Collector struct {
	submitted  *prometheus.CounterVec
	dispatched *prometheus.CounterVec
	finished   *prometheus.CounterVec
	evicted    *prometheus.CounterVec
	retried    prometheus.Counter

	requestLatency *prometheus.HistogramVec
	providerCall   *prometheus.HistogramVec
	providerCalls  *prometheus.CounterVec
	circuitOpen    *prometheus.GaugeVec

	queueDepth  prometheus.Gauge
	inFlight    prometheus.Gauge
	successRate prometheus.Gauge

	sequences          *prometheus.CounterVec
	sequenceConfidence prometheus.Histogram

	storeBytes     prometheus.Gauge
	storeEvictions prometheus.Counter
}

// NewCollector creates a collector and registers it with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_requests_submitted_total",
			Help: "Total number of analysis requests submitted",
		}, []string{"priority"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_requests_dispatched_total",
			Help: "Total number of analysis requests dispatched to providers",
		}, []string{"priority"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_requests_finished_total",
			Help: "Total number of analysis requests finished, by final status",
		}, []string{"priority", "status"}),
		evicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_requests_evicted_total",
			Help: "Total number of queued requests evicted by overflow",
		}, []string{"priority"}),
		retried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_requests_retried_total",
			Help: "Total number of failed attempts requeued for retry",
		}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_request_latency_seconds",
			Help:    "Latency from submission to result in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"priority"}),
		providerCall: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_provider_call_seconds",
			Help:    "Duration of a single provider call in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_provider_calls_total",
			Help: "Provider attempts by outcome",
		}, []string{"provider", "outcome"}),
		circuitOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_circuit_open",
			Help: "1 when the provider circuit is open",
		}, []string{"provider"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_queue_depth",
			Help: "Current number of queued requests",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_in_flight",
			Help: "Current number of dispatched requests",
		}),
		successRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_success_rate",
			Help: "Rolling dispatch success rate used by the adaptive rate limiter",
		}),
		sequences: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_sequences_total",
			Help: "Sequential learning runs by outcome",
		}, []string{"outcome"}),
		sequenceConfidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orchestrator_sequence_confidence",
			Help:    "Aggregate confidence of finalized sequences",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		storeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_store_bytes",
			Help: "Total bytes held by the persistence store",
		}),
		storeEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_store_evictions_total",
			Help: "Keys evicted by storage quota housekeeping",
		}),
	}

	reg.MustRegister(
		c.submitted, c.dispatched, c.finished, c.evicted, c.retried,
		c.requestLatency, c.providerCall, c.providerCalls, c.circuitOpen,
		c.queueDepth, c.inFlight, c.successRate,
		c.sequences, c.sequenceConfidence,
		c.storeBytes, c.storeEvictions,
	)
	return c
}

// RecordSubmit counts a submission.
func (c *Collector) RecordSubmit(p types.Priority) {
	if c == nil {
		return
	}
	c.submitted.WithLabelValues(string(p)).Inc()
}

// RecordDispatch counts a dispatch.
func (c *Collector) RecordDispatch(p types.Priority) {
	if c == nil {
		return
	}
	c.dispatched.WithLabelValues(string(p)).Inc()
}

// RecordFinished counts a delivered outcome and observes its end-to-end latency.
func (c *Collector) RecordFinished(p types.Priority, status types.RequestStatus, latency time.Duration) {
	if c == nil {
		return
	}
	c.finished.WithLabelValues(string(p), string(status)).Inc()
	c.requestLatency.WithLabelValues(string(p)).Observe(latency.Seconds())
}

// RecordEvicted counts an overflow eviction.
func (c *Collector) RecordEvicted(p types.Priority) {
	if c == nil {
		return
	}
	c.evicted.WithLabelValues(string(p)).Inc()
}

// RecordRetry counts a requeued attempt.
func (c *Collector) RecordRetry() {
	if c == nil {
		return
	}
	c.retried.Inc()
}

// UpdateSchedulerState sets the scheduler gauges.
func (c *Collector) UpdateSchedulerState(queued, inFlight int, successRate float64) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(queued))
	c.inFlight.Set(float64(inFlight))
	c.successRate.Set(successRate)
}

// ProviderCall implements failover.Observer.
func (c *Collector) ProviderCall(provider string, outcome failover.Outcome, permanent bool, d time.Duration) {
	if c == nil {
		return
	}
	label := string(outcome)
	if outcome == failover.OutcomeFailed && permanent {
		label = "failed_permanent"
	}
	c.providerCalls.WithLabelValues(provider, label).Inc()
	if outcome == failover.OutcomeSucceeded || outcome == failover.OutcomeFailed {
		c.providerCall.WithLabelValues(provider).Observe(d.Seconds())
	}
}

// CircuitChanged records a breaker transition. Its signature matches breaker.WithStateListener.
func (c *Collector) CircuitChanged(provider string, open bool) {
	if c == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	c.circuitOpen.WithLabelValues(provider).Set(v)
}

// RecordSequence counts a finalized sequence and observes its confidence.
func (c *Collector) RecordSequence(successful, total int) {
	if c == nil {
		return
	}
	outcome := "complete"
	switch {
	case successful == 0:
		outcome = "failed"
	case successful < total:
		outcome = "partial"
	}
	c.sequences.WithLabelValues(outcome).Inc()
	if total > 0 {
		c.sequenceConfidence.Observe(float64(successful) / float64(total))
	}
}

// RecordStore sets the store size and counts evictions.
func (c *Collector) RecordStore(bytes int64, evicted int) {
	if c == nil {
		return
	}
	c.storeBytes.Set(float64(bytes))
	c.storeEvictions.Add(float64(evicted))
}

// Server exposes a registry's metrics over HTTP at /metrics.
type Server struct {
	srv *http.Server
}

// NewServer builds a metrics server on port serving gatherer.
func NewServer(port int, gatherer prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &Server{srv: &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Handler returns the HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// ListenAndServe blocks until Shutdown. A clean shutdown returns nil.
func (s *Server) ListenAndServe() error {
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
