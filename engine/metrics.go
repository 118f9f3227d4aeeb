package engine

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors a running Blockchain updates
// during Setup. Callers that don't want metrics can leave a Blockchain's
// metrics nil-safe by using NewMetrics and never registering it, or by
// skipping registration entirely; Blockchain always updates the
// collectors it holds regardless of whether anything ever scrapes them.
type Metrics struct {
	SyncHeight     prometheus.Gauge
	BundlesPruned  prometheus.Counter
	ProgressPct    prometheus.Gauge
}

// NewMetrics constructs a fresh, unregistered set of collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		SyncHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lwcore",
			Name:      "sync_height",
			Help:      "Current header chain tip height.",
		}),
		BundlesPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lwcore",
			Name:      "bundles_pruned_total",
			Help:      "Number of filter bundles fully processed and pruned.",
		}),
		ProgressPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lwcore",
			Name:      "setup_progress_percent",
			Help:      "Weighted progress percentage of the in-flight Setup call.",
		}),
	}
}

// MustRegister registers every collector against reg, panicking on
// duplicate registration as prometheus.MustRegister does.
func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(m.SyncHeight, m.BundlesPruned, m.ProgressPct)
}
