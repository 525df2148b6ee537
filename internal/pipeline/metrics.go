package pipeline

import (
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gonum.org/v1/gonum/stat"
)

// Metrics exposes the pipeline's ring depth gauges and per-stage latency
// histograms, following the teacher's promauto-constructed CounterVec/
// HistogramVec/GaugeVec style (internal/monitoring/metrics.go) rather than
// hand-rolled counters.
type Metrics struct {
	ringDepth   *prometheus.GaugeVec
	stageLatency *prometheus.HistogramVec
	tradesTotal prometheus.Counter

	admission *admissionLatencyMonitor
}

// NewMetrics registers the pipeline's metrics against the default
// registry, labeled by symbol so multiple single-symbol Pipeline instances
// (spec.md §1 "one symbol per engine instance") can share a process.
func NewMetrics(symbol string) *Metrics {
	m := &Metrics{
		ringDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "spotcore_ring_depth",
				Help: "Current occupied slot count of a pipeline ring.",
			},
			[]string{"symbol", "ring"},
		),
		stageLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "spotcore_stage_latency_seconds",
				Help:    "Per-stage processing latency.",
				Buckets: prometheus.ExponentialBuckets(0.000001, 2, 20), // 1us to ~0.5s
			},
			[]string{"symbol", "stage"},
		),
		tradesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name:        "spotcore_trades_total",
				Help:        "Total trades matched.",
				ConstLabels: prometheus.Labels{"symbol": symbol},
			},
		),
		admission: newAdmissionLatencyMonitor(512),
	}
	return m
}

// ObserveRingDepth records one ring's current occupancy.
func (m *Metrics) ObserveRingDepth(symbol, ring string, depth int) {
	m.ringDepth.WithLabelValues(symbol, ring).Set(float64(depth))
}

// ObserveStage times one stage invocation; call as
// defer m.ObserveStage(symbol, "admission")().
func (m *Metrics) ObserveStage(symbol, stage string) func() {
	start := time.Now()
	return func() {
		m.stageLatency.WithLabelValues(symbol, stage).Observe(time.Since(start).Seconds())
	}
}

// ObserveTrade records one matched trade.
func (m *Metrics) ObserveTrade() {
	m.tradesTotal.Inc()
}

// ObserveAdmissionLatency feeds the admission soft-deadline monitor's
// rolling percentile window with one action's ingestion-to-admission
// latency (spec.md §6 "admission soft deadline").
func (m *Metrics) ObserveAdmissionLatency(latencyNs int64) {
	m.admission.observe(float64(latencyNs))
}

// AdmissionPercentiles returns the admission soft-deadline monitor's
// current p50/p95/p99 (nanoseconds), or ok=false until enough samples have
// accumulated.
func (m *Metrics) AdmissionPercentiles() (p50, p95, p99 float64, ok bool) {
	return m.admission.percentiles()
}

// admissionLatencyMonitor keeps a bounded ring of recent admission
// latencies and computes percentiles on demand with gonum/stat, which
// needs its input pre-sorted — spec.md §6's admission soft-deadline is
// evaluated against this rolling window rather than an unbounded
// histogram, since the alert only cares about recent behavior.
type admissionLatencyMonitor struct {
	samples []float64
	next    int
	filled  bool
}

func newAdmissionLatencyMonitor(window int) *admissionLatencyMonitor {
	return &admissionLatencyMonitor{samples: make([]float64, window)}
}

func (a *admissionLatencyMonitor) observe(v float64) {
	a.samples[a.next] = v
	a.next = (a.next + 1) % len(a.samples)
	if a.next == 0 {
		a.filled = true
	}
}

func (a *admissionLatencyMonitor) percentiles() (p50, p95, p99 float64, ok bool) {
	n := a.next
	if a.filled {
		n = len(a.samples)
	}
	if n < 8 {
		return 0, 0, 0, false
	}
	sorted := append([]float64(nil), a.samples[:n]...)
	sort.Float64s(sorted) // stat.Quantile requires ascending input
	return stat.Quantile(0.50, stat.Empirical, sorted, nil),
		stat.Quantile(0.95, stat.Empirical, sorted, nil),
		stat.Quantile(0.99, stat.Empirical, sorted, nil),
		true
}
