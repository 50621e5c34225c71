// Package metrics exports Prometheus collectors for frames, handles and
// events. A nil *Metrics is valid and records nothing.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "camserver"

type Metrics struct {
	FramesPublished  *prometheus.CounterVec
	FramesReclaimed  *prometheus.CounterVec
	FramesDropped    *prometheus.CounterVec
	BuffersAllocated *prometheus.GaugeVec
	FramesInFlight   *prometheus.GaugeVec
	HandlesLive      *prometheus.GaugeVec
	EventsDelivered  *prometheus.CounterVec
	StreamClients    *prometheus.GaugeVec

	l sync.Mutex
	// Pools per source label. Sources may share a name.
	pools map[string]int
}

// New creates the collectors and registers them on reg. reg may be nil, in
// which case the collectors are created but not registered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_published_total",
			Help:      "Frames published by a source.",
		}, []string{"source"}),
		FramesReclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_reclaimed_total",
			Help:      "Frame buffers returned to the pool after their last reference was released.",
		}, []string{"source"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames a source could not publish because its pool was exhausted.",
		}, []string{"source"}),
		BuffersAllocated: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "frame_buffers_allocated",
			Help:      "Frame buffers currently owned by a source pool, free or in use.",
		}, []string{"source"}),
		FramesInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "frames_in_flight",
			Help:      "Published frames with at least one live reference.",
		}, []string{"source"}),
		HandlesLive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "handles_live",
			Help:      "Live entries in the handle tables.",
		}, []string{"kind"}),
		EventsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_delivered_total",
			Help:      "Lifecycle events delivered to listeners.",
		}, []string{"event"}),
		StreamClients: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_clients",
			Help:      "Connected HTTP stream clients.",
		}, []string{"sink"}),
		pools: make(map[string]int),
	}
	if reg != nil {
		reg.MustRegister(
			m.FramesPublished,
			m.FramesReclaimed,
			m.FramesDropped,
			m.BuffersAllocated,
			m.FramesInFlight,
			m.HandlesLive,
			m.EventsDelivered,
			m.StreamClients,
		)
	}
	return m
}

// Pool returns the per-source view used by a frame pool.
func (m *Metrics) Pool(source string) *PoolMetrics {
	if m == nil {
		return nil
	}
	m.l.Lock()
	m.pools[source]++
	m.l.Unlock()
	return &PoolMetrics{
		published: m.FramesPublished.WithLabelValues(source),
		reclaimed: m.FramesReclaimed.WithLabelValues(source),
		dropped:   m.FramesDropped.WithLabelValues(source),
		allocated: m.BuffersAllocated.WithLabelValues(source),
		inFlight:  m.FramesInFlight.WithLabelValues(source),
	}
}

// Forget is called when a pool from Pool(source) has drained. The series
// are deleted with the last pool using them.
func (m *Metrics) Forget(source string) {
	if m == nil {
		return
	}
	m.l.Lock()
	defer m.l.Unlock()
	m.pools[source]--
	if m.pools[source] > 0 {
		return
	}
	delete(m.pools, source)
	m.FramesPublished.DeleteLabelValues(source)
	m.FramesReclaimed.DeleteLabelValues(source)
	m.FramesDropped.DeleteLabelValues(source)
	m.BuffersAllocated.DeleteLabelValues(source)
	m.FramesInFlight.DeleteLabelValues(source)
}

func (m *Metrics) SetHandles(kind string, n int) {
	if m == nil {
		return
	}
	m.HandlesLive.WithLabelValues(kind).Set(float64(n))
}

func (m *Metrics) EventDelivered(event string) {
	if m == nil {
		return
	}
	m.EventsDelivered.WithLabelValues(event).Inc()
}

func (m *Metrics) ClientConnected(sink string, delta int) {
	if m == nil {
		return
	}
	m.StreamClients.WithLabelValues(sink).Add(float64(delta))
}

// PoolMetrics is bound to one source. A nil *PoolMetrics records nothing.
type PoolMetrics struct {
	published prometheus.Counter
	reclaimed prometheus.Counter
	dropped   prometheus.Counter
	allocated prometheus.Gauge
	inFlight  prometheus.Gauge
}

func (p *PoolMetrics) Published() {
	if p == nil {
		return
	}
	p.published.Inc()
	p.inFlight.Inc()
}

func (p *PoolMetrics) Reclaimed() {
	if p == nil {
		return
	}
	p.reclaimed.Inc()
	p.inFlight.Dec()
}

func (p *PoolMetrics) Dropped() {
	if p == nil {
		return
	}
	p.dropped.Inc()
}

func (p *PoolMetrics) Allocated(n int) {
	if p == nil {
		return
	}
	p.allocated.Set(float64(n))
}
