package sequence

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tksw/comfynodes/nodeapi"
)

// Metrics counts cursor activity per loader.
type Metrics struct {
	Served  *prometheus.CounterVec
	Rescans *prometheus.CounterVec
	Skipped *prometheus.CounterVec
}

// NewMetrics registers the cursor counters on reg. Cursors sharing a registerer share counters.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Served: nodeapi.RegisterCollector(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: nodeapi.Namespace,
			Subsystem: "sequence",
			Name:      "items_served_total",
			Help:      "Items successfully materialized by sequence cursors",
		}, []string{"loader"})),
		Rescans: nodeapi.RegisterCollector(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: nodeapi.Namespace,
			Subsystem: "sequence",
			Name:      "rescans_total",
			Help:      "Folder rescans performed by sequence cursors",
		}, []string{"loader"})),
		Skipped: nodeapi.RegisterCollector(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: nodeapi.Namespace,
			Subsystem: "sequence",
			Name:      "items_skipped_total",
			Help:      "Items that failed to materialize",
		}, []string{"loader"})),
	}
}
