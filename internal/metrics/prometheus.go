package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects list store activity and exposes it in the Prometheus
// format. All methods are safe on a nil *Metrics.
type Metrics struct {
	// Counters
	appends             atomic.Uint64
	promotionsMedian    atomic.Uint64
	promotionsLarge     atomic.Uint64
	growths             atomic.Uint64
	invariantViolations atomic.Uint64
	scavenged           atomic.Uint64
	errorsTotal         atomic.Uint64

	// Gauges
	lists atomic.Int64

	opLatency *prometheus.HistogramVec

	registry  *prometheus.Registry
	startTime time.Time
}

// NewMetrics creates a collector set on its own registry, including the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chestnut_operation_latency_seconds",
			Help:    "Latency of list store operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"op", "status"}),
	}

	counter := func(name, help string, v *atomic.Uint64, labels prometheus.Labels) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return float64(v.Load()) })
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.opLatency,
		counter("chestnut_appends_total", "Values appended", &m.appends, nil),
		counter("chestnut_promotions_total", "Lists promoted to a larger tier", &m.promotionsMedian, prometheus.Labels{"tier": "median"}),
		counter("chestnut_promotions_total", "Lists promoted to a larger tier", &m.promotionsLarge, prometheus.Labels{"tier": "large"}),
		counter("chestnut_growths_total", "Large arrays doubled", &m.growths, nil),
		counter("chestnut_invariant_violations_total", "Count index and array occupancy disagreed", &m.invariantViolations, nil),
		counter("chestnut_scavenged_total", "Stale duplicate arrays removed", &m.scavenged, nil),
		counter("chestnut_errors_total", "Failed operations", &m.errorsTotal, nil),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "chestnut_lists",
			Help: "Open named lists",
		}, func() float64 { return float64(m.lists.Load()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "chestnut_uptime_seconds",
			Help: "Time since the server started",
		}, func() float64 { return time.Since(m.startTime).Seconds() }),
	)
	return m
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordAppend records one append call.
func (m *Metrics) RecordAppend(latency time.Duration, err error) {
	if m == nil {
		return
	}
	m.opLatency.WithLabelValues("append", status(err)).Observe(latency.Seconds())
	if err != nil {
		m.errorsTotal.Add(1)
		return
	}
	m.appends.Add(1)
}

// RecordRead records a read operation such as get, contains or count.
func (m *Metrics) RecordRead(op string, latency time.Duration, err error) {
	if m == nil {
		return
	}
	m.opLatency.WithLabelValues(op, status(err)).Observe(latency.Seconds())
	if err != nil {
		m.errorsTotal.Add(1)
	}
}

// RecordPromotion records a list moving into tier ("median" or "large").
func (m *Metrics) RecordPromotion(tier string) {
	if m == nil {
		return
	}
	switch tier {
	case "median":
		m.promotionsMedian.Add(1)
	case "large":
		m.promotionsLarge.Add(1)
	}
}

// RecordGrowth records a Large array doubling.
func (m *Metrics) RecordGrowth() {
	if m == nil {
		return
	}
	m.growths.Add(1)
}

// RecordInvariantViolation records a count/occupancy mismatch.
func (m *Metrics) RecordInvariantViolation() {
	if m == nil {
		return
	}
	m.invariantViolations.Add(1)
}

// RecordScavenged records n stale arrays removed.
func (m *Metrics) RecordScavenged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.scavenged.Add(uint64(n))
}

// RecordError records an error outside of a timed operation.
func (m *Metrics) RecordError() {
	if m == nil {
		return
	}
	m.errorsTotal.Add(1)
}

// SetLists sets the number of open lists.
func (m *Metrics) SetLists(n int) {
	if m == nil {
		return
	}
	m.lists.Store(int64(n))
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Snapshot holds current metric values.
type Snapshot struct {
	Appends             uint64
	PromotionsMedian    uint64
	PromotionsLarge     uint64
	Growths             uint64
	InvariantViolations uint64
	Scavenged           uint64
	ErrorsTotal         uint64
	Lists               int64
	UptimeSeconds       float64
}

// Snapshot returns a snapshot of current metrics.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		Appends:             m.appends.Load(),
		PromotionsMedian:    m.promotionsMedian.Load(),
		PromotionsLarge:     m.promotionsLarge.Load(),
		Growths:             m.growths.Load(),
		InvariantViolations: m.invariantViolations.Load(),
		Scavenged:           m.scavenged.Load(),
		ErrorsTotal:         m.errorsTotal.Load(),
		Lists:               m.lists.Load(),
		UptimeSeconds:       time.Since(m.startTime).Seconds(),
	}
}
