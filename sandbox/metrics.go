package sandbox

import "github.com/prometheus/client_golang/prometheus"

// Acquisition results recorded by PoolMetrics.
const (
	acquireReused  = "reused"
	acquireCreated = "created"
	acquireTimeout = "timeout"
	acquireFailed  = "failed"
)

// Removal reasons recorded by PoolMetrics.
const (
	removeRotated   = "rotated"
	removeUnhealthy = "unhealthy"
	removeMarkedBad = "marked_bad"
	removeClosed    = "closed"
)

// PoolMetrics holds Prometheus metrics for the container pool.
type PoolMetrics struct {
	Acquisitions    *prometheus.CounterVec
	Removals        *prometheus.CounterVec
	Leased          prometheus.Gauge
	AcquireDuration prometheus.Histogram
}

// NewPoolMetrics creates and registers pool metrics.
// Returns nil if reg is nil.
func NewPoolMetrics(reg prometheus.Registerer) *PoolMetrics {
	if reg == nil {
		return nil
	}

	m := &PoolMetrics{
		Acquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "saferun",
			Subsystem: "pool",
			Name:      "acquisitions_total",
			Help:      "Container lease attempts by result.",
		}, []string{"result"}),
		Removals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "saferun",
			Subsystem: "pool",
			Name:      "removals_total",
			Help:      "Pooled containers removed by reason.",
		}, []string{"reason"}),
		Leased: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "saferun",
			Subsystem: "pool",
			Name:      "leased_containers",
			Help:      "Containers currently leased to a run.",
		}),
		AcquireDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "saferun",
			Subsystem: "pool",
			Name:      "acquire_duration_seconds",
			Help:      "Time spent acquiring a container lease.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}),
	}

	reg.MustRegister(m.Acquisitions, m.Removals, m.Leased, m.AcquireDuration)
	return m
}

func (m *PoolMetrics) acquired(result string, seconds float64) {
	if m == nil {
		return
	}
	m.Acquisitions.WithLabelValues(result).Inc()
	m.AcquireDuration.Observe(seconds)
	if result == acquireReused || result == acquireCreated {
		m.Leased.Inc()
	}
}

func (m *PoolMetrics) released() {
	if m == nil {
		return
	}
	m.Leased.Dec()
}

func (m *PoolMetrics) removed(reason string) {
	if m == nil {
		return
	}
	m.Removals.WithLabelValues(reason).Inc()
}
