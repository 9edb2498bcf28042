// Package metrics exposes pipeline counters to Prometheus. Collectors are fed
// from the event bus, so producers never import this package.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"secposter/internal/audit"
	"secposter/internal/delivery"
	"secposter/internal/detect"
	"secposter/internal/eventbus"
)

type Metrics struct {
	reg *prometheus.Registry

	deliveries *prometheus.CounterVec
	retries    *prometheus.CounterVec
	candidates *prometheus.CounterVec
	queueDepth prometheus.Gauge
	orphans    *prometheus.GaugeVec
	busDropped prometheus.GaugeFunc
}

// New registers the collectors on a private registry. bus may be nil.
func New(bus eventbus.Bus) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "secposter_deliveries_total",
			Help: "Finished delivery tasks by outcome.",
		}, []string{"source", "outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "secposter_retries_total",
			Help: "Transient send failures that were retried.",
		}, []string{"source"}),
		candidates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "secposter_candidates_total",
			Help: "Items handed to the delivery queue by detection.",
		}, []string{"source", "mode"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "secposter_queue_depth",
			Help: "Queued plus in-flight delivery tasks.",
		}),
		orphans: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "secposter_orphans",
			Help: "Content files without a delivery record at the last audit.",
		}, []string{"source"}),
	}
	m.reg.MustRegister(
		m.deliveries, m.retries, m.candidates, m.queueDepth, m.orphans,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if bus != nil {
		m.busDropped = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "secposter_bus_dropped_events",
			Help: "Lifecycle events dropped by slow subscribers.",
		}, func() float64 { return float64(bus.Dropped()) })
		m.reg.MustRegister(m.busDropped)
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Run feeds the collectors from bus until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) {
	eventbus.Consume(ctx, bus, 256, m.Observe)
}

// Observe applies one lifecycle event.
func (m *Metrics) Observe(e eventbus.Event) {
	switch d := e.Data.(type) {
	case delivery.Event:
		m.queueDepth.Set(float64(d.Depth))
		switch e.Type {
		case delivery.EventRetry:
			m.retries.WithLabelValues(d.Source).Inc()
		case delivery.EventSent:
			m.deliveries.WithLabelValues(d.Source, string(delivery.Delivered)).Inc()
		case delivery.EventExhausted:
			m.deliveries.WithLabelValues(d.Source, string(delivery.Exhausted)).Inc()
		case delivery.EventRejected:
			m.deliveries.WithLabelValues(d.Source, string(delivery.Rejected)).Inc()
		case delivery.EventAbandoned:
			m.deliveries.WithLabelValues(d.Source, string(delivery.Abandoned)).Inc()
		}
	case detect.Plan:
		if e.Type == eventbus.TypeCycleDone {
			m.candidates.WithLabelValues(d.Source, string(d.Mode)).Add(float64(len(d.Candidates)))
		}
	case audit.Result:
		if e.Type == eventbus.TypeAuditDone {
			for src, n := range d.PerSource {
				m.orphans.WithLabelValues(src).Set(float64(n))
			}
		}
	}
}
