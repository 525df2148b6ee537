package sinks

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics tracks per-publisher delivery outcomes, following the same
// promauto-constructed CounterVec style as internal/pipeline/metrics.go.
type metrics struct {
	delivered *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	panics    prometheus.Counter
}

func newMetrics() *metrics {
	return &metrics{
		delivered: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spotcore_sink_delivered_total",
				Help: "Outbound events successfully delivered to a sink.",
			},
			[]string{"sink"},
		),
		dropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spotcore_sink_dropped_total",
				Help: "Outbound events dropped before or during delivery to a sink.",
			},
			[]string{"sink", "reason"},
		),
		panics: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "spotcore_sink_worker_panics_total",
				Help: "Panics recovered from the sink worker pool.",
			},
		),
	}
}
