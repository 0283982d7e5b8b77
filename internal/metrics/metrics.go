// Package metrics records provider calls, retries, polls and provisioning
// durations for one run and exports them in the node exporter textfile format.
package metrics

import (
	"fmt"
	"time"

	"droplift/internal/orchestrator"
	"droplift/internal/provisioning"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "droplift"

// Recorder implements orchestrator.Recorder on a private registry.
type Recorder struct {
	registry *prometheus.Registry

	callsTotal        *prometheus.CounterVec
	retriesTotal      *prometheus.CounterVec
	retryDelay        *prometheus.HistogramVec
	pollsTotal        *prometheus.CounterVec
	provisionTotal    *prometheus.CounterVec
	provisionDuration *prometheus.HistogramVec
}

var _ orchestrator.Recorder = (*Recorder)(nil)

// NewRecorder creates a recorder with all collectors registered.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),

		callsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "provider",
				Name:      "calls_total",
				Help:      "Total number of provider calls by stage and classification",
			},
			[]string{"provider", "stage", "classification"},
		),

		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "orchestrator",
				Name:      "retries_total",
				Help:      "Total number of retried provider calls by stage",
			},
			[]string{"provider", "stage"},
		),

		retryDelay: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "orchestrator",
				Name:      "retry_delay_seconds",
				Help:      "Backoff delay before a retry in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 8), // 500ms to ~64s
			},
			[]string{"provider"},
		),

		pollsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "orchestrator",
				Name:      "polls_total",
				Help:      "Total number of status polls by outcome",
			},
			[]string{"provider", "outcome"},
		),

		provisionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "orchestrator",
				Name:      "provision_total",
				Help:      "Total number of provision operations by result",
			},
			[]string{"provider", "result"},
		),

		provisionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "orchestrator",
				Name:      "provision_duration_seconds",
				Help:      "Time from create request to ready address in seconds",
				Buckets:   prometheus.ExponentialBuckets(5, 2, 8), // 5s to ~10min
			},
			[]string{"provider"},
		),
	}

	r.registry.MustRegister(
		r.callsTotal,
		r.retriesTotal,
		r.retryDelay,
		r.pollsTotal,
		r.provisionTotal,
		r.provisionDuration,
	)
	return r
}

func (r *Recorder) ObserveCall(provider string, stage orchestrator.Stage, class provisioning.Classification) {
	r.callsTotal.WithLabelValues(provider, string(stage), class.String()).Inc()
}

func (r *Recorder) ObserveRetry(provider string, stage orchestrator.Stage, delay time.Duration) {
	r.retriesTotal.WithLabelValues(provider, string(stage)).Inc()
	r.retryDelay.WithLabelValues(provider).Observe(delay.Seconds())
}

func (r *Recorder) ObservePoll(provider string, status provisioning.PollStatus) {
	r.pollsTotal.WithLabelValues(provider, status.String()).Inc()
}

// ObserveProvision records the result; the duration only counts successes.
func (r *Recorder) ObserveProvision(provider string, elapsed time.Duration, err error) {
	if err != nil {
		r.provisionTotal.WithLabelValues(provider, "error").Inc()
		return
	}
	r.provisionTotal.WithLabelValues(provider, "success").Inc()
	r.provisionDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// Gatherer exposes the registry, e.g. for testutil.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}

// WriteTextfile writes all metrics to path in the textfile collector format.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
