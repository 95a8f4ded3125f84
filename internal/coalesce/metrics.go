package coalesce

import "github.com/prometheus/client_golang/prometheus"

// RegisterMetrics exposes a registry's live state and counters on reg. The
// collectors read the registry's own counters at scrape time.
func RegisterMetrics(r *Registry, reg prometheus.Registerer) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "trafficfunnel",
		Subsystem: "coalesce",
		Name:      "inflight",
		Help:      "Number of live in-flight entries.",
	}, func() float64 {
		return float64(r.Count())
	}))

	counters := []struct {
		name string
		help string
		read func() uint64
	}{
		{"started_total", "Operations started.", r.started.Load},
		{"joined_total", "Callers that joined an already running operation.", r.joined.Load},
		{"succeeded_total", "Operations that completed successfully.", r.succeeded.Load},
		{"failed_total", "Operations that completed with a failure.", r.failed.Load},
		{"canceled_total", "Flights canceled via Cancel or CancelAll.", r.canceled.Load},
	}

	for _, c := range counters {
		read := c.read

		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "trafficfunnel",
			Subsystem: "coalesce",
			Name:      c.name,
			Help:      c.help,
		}, func() float64 {
			return float64(read())
		}))
	}
}
