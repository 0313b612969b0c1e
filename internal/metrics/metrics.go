// Package metrics provides Prometheus metrics for the bucket processor.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Range outcomes.
const (
	OutcomeProcessed = "processed"
	OutcomeFailed    = "failed"
	OutcomeRequeued  = "requeued"
	OutcomeEscalated = "escalated" // requeue cap reached, range failed
)

// Metrics holds all Prometheus metrics for the bucket processor. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// Range metrics
	RangesClaimed  prometheus.Counter
	RangesResumed  prometheus.Counter
	RangeOutcomes  *prometheus.CounterVec
	InFlightRanges prometheus.Gauge

	// Item metrics
	ItemsListed    prometheus.Counter
	ItemsProcessed prometheus.Counter

	// Timing metrics
	ClaimDuration      prometheus.Histogram
	ListDuration       prometheus.Histogram
	BatchDuration      prometheus.Histogram
	CheckpointDuration prometheus.Histogram
	RangeDuration      prometheus.Histogram

	// Error metrics
	RangeErrors *prometheus.CounterVec

	// Throughput
	CurrentRate prometheus.Gauge
	AverageRate prometheus.Gauge
}

// Config holds metrics configuration.
type Config struct {
	Enabled   bool
	Address   string // Address for metrics HTTP server (e.g., ":9090")
	Namespace string
}

// New registers the metrics with reg. A nil reg uses the default registry.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "bucket_processor"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		RangesClaimed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ranges_claimed_total",
			Help:      "Total number of ranges newly claimed by this worker",
		}),
		RangesResumed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ranges_resumed_total",
			Help:      "Total number of ranges already held by this worker identity at claim time",
		}),
		RangeOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "range_outcomes_total",
			Help:      "Ranges finished by outcome",
		}, []string{"outcome"}),
		InFlightRanges: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight_ranges",
			Help:      "Number of ranges currently being processed",
		}),
		ItemsListed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_listed_total",
			Help:      "Total number of objects listed",
		}),
		ItemsProcessed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_processed_total",
			Help:      "Total number of objects the policy reported as processed",
		}),
		ClaimDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "claim_duration_seconds",
			Help:      "Time to claim a range",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		}),
		ListDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "list_duration_seconds",
			Help:      "Time to list one page of objects",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		}),
		BatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Time the policy spent on one batch",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		CheckpointDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkpoint_duration_seconds",
			Help:      "Time to persist a range checkpoint",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		RangeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "range_duration_seconds",
			Help:      "Total time spent on a range attempt",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 16), // 1s to ~9h
		}),
		RangeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "range_errors_total",
			Help:      "Listing and policy errors by stage and classification",
		}, []string{"stage", "classification"}),
		CurrentRate: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_range_items_per_second",
			Help:      "Listing rate for the current range",
		}),
		AverageRate: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "average_items_per_second",
			Help:      "Listing rate over the whole run",
		}),
	}
}

// ObserveClaim records a claim attempt. resumed is true when the worker
// already owned the range.
func (m *Metrics) ObserveClaim(d time.Duration, claimed, resumed bool) {
	if m == nil {
		return
	}
	m.ClaimDuration.Observe(d.Seconds())
	switch {
	case resumed:
		m.RangesResumed.Inc()
	case claimed:
		m.RangesClaimed.Inc()
	}
}

// ObserveList records one listing call.
func (m *Metrics) ObserveList(d time.Duration, items int) {
	if m == nil {
		return
	}
	m.ListDuration.Observe(d.Seconds())
	m.ItemsListed.Add(float64(items))
}

// ObserveBatch records one policy batch.
func (m *Metrics) ObserveBatch(d time.Duration, processed int) {
	if m == nil {
		return
	}
	m.BatchDuration.Observe(d.Seconds())
	m.ItemsProcessed.Add(float64(processed))
}

// ObserveCheckpoint records a checkpoint write.
func (m *Metrics) ObserveCheckpoint(d time.Duration) {
	if m == nil {
		return
	}
	m.CheckpointDuration.Observe(d.Seconds())
}

// RangeStarted marks a range in flight.
func (m *Metrics) RangeStarted() {
	if m == nil {
		return
	}
	m.InFlightRanges.Inc()
}

// RangeFinished records how a range attempt ended.
func (m *Metrics) RangeFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.InFlightRanges.Dec()
	m.RangeOutcomes.WithLabelValues(outcome).Inc()
	m.RangeDuration.Observe(d.Seconds())
}

// RangeAbandoned clears the in-flight mark of a range left claimed after a
// store error or cancellation.
func (m *Metrics) RangeAbandoned() {
	if m == nil {
		return
	}
	m.InFlightRanges.Dec()
}

// ObserveError records a classified error. stage is "list" or "process".
func (m *Metrics) ObserveError(stage string, fatal bool) {
	if m == nil {
		return
	}
	classification := "retryable"
	if fatal {
		classification = "fatal"
	}
	m.RangeErrors.WithLabelValues(stage, classification).Inc()
}

// ObserveRates publishes the reporter's rates.
func (m *Metrics) ObserveRates(current, average int64) {
	if m == nil {
		return
	}
	m.CurrentRate.Set(float64(current))
	m.AverageRate.Set(float64(average))
}

// StartServer serves /metrics and /health until ctx is cancelled.
func StartServer(ctx context.Context, address string, gatherer prometheus.Gatherer) error {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
