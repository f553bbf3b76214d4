package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rickgao/streammux/internal/mux"
)

// MuxStatter is satisfied by *mux.Multiplexer.
type MuxStatter interface {
	Stats() mux.Stats
}

// RegisterMux exports the multiplexer's bookkeeping as gauges read at
// scrape time.
func RegisterMux(reg prometheus.Registerer, namespace string, m MuxStatter) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "streammux"
	}

	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mux",
			Name:      "resources",
			Help:      "Resources with at least one subscription.",
		}, func() float64 { return float64(m.Stats().Resources) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mux",
			Name:      "subscriptions",
			Help:      "Owner subscriptions across all resources.",
		}, func() float64 { return float64(m.Stats().Subscriptions) }),
	)
}
