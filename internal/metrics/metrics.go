// Package metrics holds the Prometheus collectors for the delivery and pipeline paths.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pulse"

var (
	// PipelineTasksActive is the number of running status pipeline tasks.
	PipelineTasksActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_tasks_active",
			Help:      "Number of currently running asset pipeline tasks",
		},
	)

	// PipelineOutcomes counts how tasks ended.
	PipelineOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_outcomes_total",
			Help:      "Pipeline task outcomes",
		},
		[]string{"outcome"}, // safe, flagged, classification_failed, cancelled, deleted, error
	)

	// ClassifyAttempts counts classifier invocations.
	ClassifyAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classify_attempts_total",
			Help:      "Classification step invocations",
		},
		[]string{"result"}, // ok, error
	)

	PipelineDuplicateStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_duplicate_starts_total",
			Help:      "Start requests ignored because a task was already active",
		},
	)

	HubSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hub_subscribers",
			Help:      "Connected broadcast hub subscribers",
		},
	)

	HubEventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_events_published_total",
			Help:      "Events published to the broadcast hub",
		},
		[]string{"type"},
	)

	// HubEventsDropped counts per-subscriber drops caused by a full buffer.
	HubEventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_events_dropped_total",
			Help:      "Events dropped for stalled subscribers",
		},
	)

	StreamRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_requests_total",
			Help:      "Range streamer requests by response status",
		},
		[]string{"status"},
	)

	StreamBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_bytes_total",
			Help:      "Bytes written by the range streamer",
		},
	)
)

var allMetrics = []prometheus.Collector{
	PipelineTasksActive,
	PipelineOutcomes,
	ClassifyAttempts,
	PipelineDuplicateStarts,
	HubSubscribers,
	HubEventsPublished,
	HubEventsDropped,
	StreamRequests,
	StreamBytes,
}

// NewRegistry returns a registry with every pulse collector plus Go runtime metrics.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	for _, c := range allMetrics {
		reg.MustRegister(c)
	}
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
