// Package metrics exposes collector instrumentation to Prometheus.
//
// Pass durations are also kept in a DDSketch so Stats can report latency
// quantiles without scraping.
package metrics

import (
	"sync"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/xtxerr/noderef/internal/logging"
	"github.com/xtxerr/noderef/internal/persistence"
)

const namespace = "noderef"

var log = logging.Component("metrics")

// Metrics holds all collector metrics on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	observations  prometheus.Counter
	rejected      prometheus.Counter
	windows       prometheus.Counter
	windowKeys    prometheus.Histogram
	passes        *prometheus.CounterVec
	keys          *prometheus.CounterVec
	retries       *prometheus.CounterVec
	passDuration  prometheus.Histogram
	pendingKeys   prometheus.Gauge
	pressureLevel prometheus.Gauge
	spilledKeys   prometheus.Counter

	mu     sync.Mutex
	sketch *ddsketch.DDSketch
}

var _ persistence.Recorder = (*Metrics)(nil)

// New creates the metrics and registers them, together with the Go and
// process collectors, on a new registry.
func New() (*Metrics, error) {
	sketch, err := ddsketch.NewDefaultDDSketch(0.01)
	if err != nil {
		return nil, err
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sketch:   sketch,
		observations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "observations_total",
			Help:      "Total observations accepted by producers",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "rejected_total",
			Help:      "Total observations rejected for an invalid key",
		}),
		windows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregate",
			Name:      "windows_total",
			Help:      "Total flush windows handed to the synchronizer",
		}),
		windowKeys: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "aggregate",
			Name:      "window_keys",
			Help:      "Number of keys per flush window",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}),
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "passes_total",
			Help:      "Total reconciliation passes by result",
		}, []string{"result"}),
		keys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "keys_total",
			Help:      "Total keys reconciled by outcome",
		}, []string{"outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "retries_total",
			Help:      "Total retried storage calls by operation",
		}, []string{"op"}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "pass_duration_seconds",
			Help:      "Duration of reconciliation passes",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
		pendingKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "pending_keys",
			Help:      "Keys awaiting reconciliation",
		}),
		pressureLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backpressure",
			Name:      "level",
			Help:      "Current backpressure level (0 normal to 3 emergency)",
		}),
		spilledKeys: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "journal",
			Name:      "spilled_keys_total",
			Help:      "Total pending keys spilled to the journal",
		}),
	}

	all := []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.observations, m.rejected, m.windows, m.windowKeys,
		m.passes, m.keys, m.retries, m.passDuration,
		m.pendingKeys, m.pressureLevel, m.spilledKeys,
	}
	for _, c := range all {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Registry returns the registry to serve.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveSubmitted counts an accepted observation.
func (m *Metrics) ObserveSubmitted() {
	m.observations.Inc()
}

// ObserveRejected counts an observation rejected at the producer boundary.
func (m *Metrics) ObserveRejected() {
	m.rejected.Inc()
}

// ObserveWindow records a window handed to the synchronizer.
func (m *Metrics) ObserveWindow(keys int) {
	m.windows.Inc()
	m.windowKeys.Observe(float64(keys))
}

// ObservePass records the outcome of a reconciliation pass.
func (m *Metrics) ObservePass(res persistence.Result) {
	result := "ok"
	if res.Err != nil {
		result = "failed"
	}
	m.passes.WithLabelValues(result).Inc()

	m.keys.WithLabelValues("inserted").Add(float64(res.Inserted))
	m.keys.WithLabelValues("updated").Add(float64(res.Updated))
	m.keys.WithLabelValues("skipped").Add(float64(res.Skipped))
	m.keys.WithLabelValues("requeued").Add(float64(res.Requeued))

	seconds := res.Duration.Seconds()
	m.passDuration.Observe(seconds)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.sketch.Add(seconds); err != nil {
		log.Debug("pass duration not added to sketch", "seconds", seconds, "error", err)
	}
}

// IncRetry counts a retried storage call.
func (m *Metrics) IncRetry(op string) {
	m.retries.WithLabelValues(op).Inc()
}

// SetPending sets the pending key gauge.
func (m *Metrics) SetPending(n int) {
	m.pendingKeys.Set(float64(n))
}

// SetPressureLevel sets the backpressure level gauge.
func (m *Metrics) SetPressureLevel(level int) {
	m.pressureLevel.Set(float64(level))
}

// ObserveSpill counts keys spilled to the journal.
func (m *Metrics) ObserveSpill(keys int) {
	m.spilledKeys.Add(float64(keys))
}

// PassLatency holds pass duration quantiles in seconds.
type PassLatency struct {
	Count float64
	P50   float64
	P90   float64
	P99   float64
}

// Stats returns pass duration quantiles. All values are zero before the
// first pass.
func (m *Metrics) Stats() PassLatency {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sketch.IsEmpty() {
		return PassLatency{}
	}
	out := PassLatency{Count: m.sketch.GetCount()}
	out.P50, _ = m.sketch.GetValueAtQuantile(0.50)
	out.P90, _ = m.sketch.GetValueAtQuantile(0.90)
	out.P99, _ = m.sketch.GetValueAtQuantile(0.99)
	return out
}
