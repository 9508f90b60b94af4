// Package metrics exposes session activity as Prometheus metrics. Each
// session owns its own registry, so several sessions in one process never
// collide.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zeusync/syncmesh/internal/core/events"
	"github.com/zeusync/syncmesh/internal/core/events/bus"
)

const namespace = "syncmesh"

var _ bus.EventBusObserver = (*Collector)(nil)

// Collector counts bus events and tracks membership and resource gauges.
type Collector struct {
	registry *prometheus.Registry

	events        *prometheus.CounterVec
	handlerErrors prometheus.Counter
	delivery      prometheus.Histogram
	nodes         prometheus.Gauge
	elections     *prometheus.CounterVec
	resources     *prometheus.GaugeVec
}

func New(sessionID string) *Collector {
	labels := prometheus.Labels{"session": sessionID}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "events_total",
			Help:        "Events published on the session bus, by kind.",
			ConstLabels: labels,
		}, []string{"kind"}),
		handlerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "event_handler_errors_total",
			Help:        "Event deliveries where at least one handler failed.",
			ConstLabels: labels,
		}),
		delivery: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "event_delivery_seconds",
			Help:        "Time spent delivering one event to its handlers.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.00001, 4, 8),
		}),
		nodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "topology_nodes",
			Help:        "Nodes currently in the session topology.",
			ConstLabels: labels,
		}),
		elections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "elections_total",
			Help:        "Finished elections, by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		resources: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "resources",
			Help:        "Managed resources, by state.",
			ConstLabels: labels,
		}, []string{"state"}),
	}
	c.registry.MustRegister(c.events, c.handlerErrors, c.delivery, c.nodes, c.elections, c.resources)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) OnPublish(kind events.Kind, event events.Event) {
	c.events.WithLabelValues(string(kind)).Inc()
	switch e := event.(type) {
	case events.TopologyChanged:
		c.nodes.Set(float64(len(e.Nodes)))
	case events.ElectionCompleted:
		c.elections.WithLabelValues("completed").Inc()
	case events.ElectionFailed:
		c.elections.WithLabelValues("failed").Inc()
	}
}

func (c *Collector) OnDelivered(_ events.Kind, _ int, err error, durationMicros int64) {
	if err != nil {
		c.handlerErrors.Inc()
	}
	c.delivery.Observe((time.Duration(durationMicros) * time.Microsecond).Seconds())
}

// SetResourceStates replaces the per-state resource gauge.
func (c *Collector) SetResourceStates(counts map[string]int) {
	c.resources.Reset()
	for state, n := range counts {
		c.resources.WithLabelValues(state).Set(float64(n))
	}
}

// TrackCounter exposes a monotonically increasing value read on scrape.
func (c *Collector) TrackCounter(name, help string, read func() uint64) error {
	return c.registry.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, func() float64 { return float64(read()) }))
}
