package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rickgao/streammux/internal/lifecycle"
)

// Collector implements lifecycle.Observer backed by Prometheus.
type Collector struct {
	events      *prometheus.CounterVec
	controllers prometheus.Gauge
	connections prometheus.Gauge
	subscribers prometheus.Gauge
	evictions   prometheus.Counter
}

var _ lifecycle.Observer = (*Collector)(nil)

// NewCollector creates a collector and registers it with reg. A nil reg
// uses prometheus.DefaultRegisterer; an empty namespace defaults to
// "streammux".
func NewCollector(reg prometheus.Registerer, namespace string) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "streammux"
	}

	c := &Collector{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "lifecycle_events_total",
			Help:      "Total controller lifecycle events by kind.",
		}, []string{"kind"}),
		controllers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "live",
			Help:      "Controllers started and not yet torn down.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "connections_open",
			Help:      "Transports currently open.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "subscribers",
			Help:      "Subscribers currently attached to a controller.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "controller",
			Name:      "evictions_total",
			Help:      "Subscribers removed by keepalive timeout or give-up.",
		}),
	}

	reg.MustRegister(c.events, c.controllers, c.connections, c.subscribers, c.evictions)
	return c
}

// Observe updates the metrics for e.
func (c *Collector) Observe(e lifecycle.Event) {
	c.events.WithLabelValues(string(e.Kind)).Inc()

	switch e.Kind {
	case lifecycle.KindStarted:
		c.controllers.Inc()
	case lifecycle.KindTornDown:
		c.controllers.Dec()
	case lifecycle.KindOpened:
		c.connections.Inc()
	case lifecycle.KindClosed:
		c.connections.Dec()
	case lifecycle.KindSubscribed:
		c.subscribers.Inc()
	case lifecycle.KindUnsubscribed:
		c.subscribers.Dec()
	case lifecycle.KindEvicted:
		c.subscribers.Dec()
		c.evictions.Inc()
	}
}
