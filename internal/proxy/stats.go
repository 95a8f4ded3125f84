package proxy

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// TrafficCounts is how requests travelled through the funnel so far.
type TrafficCounts struct {
	Served      uint64 `json:"served"`
	Passthrough uint64 `json:"passthrough"`
	Failed      uint64 `json:"failed"`
}

// Tracker counts request outcomes for the status output and metrics.
type Tracker struct {
	sync.Mutex

	counts TrafficCounts
}

func MakeTracker() *Tracker {
	return &Tracker{}
}

func (t *Tracker) MarkServed() {
	t.Lock()
	defer t.Unlock()

	t.counts.Served++
}

func (t *Tracker) MarkPassthrough() {
	t.Lock()
	defer t.Unlock()

	t.counts.Passthrough++
}

func (t *Tracker) MarkFailed() {
	t.Lock()
	defer t.Unlock()

	t.counts.Failed++
}

func (t *Tracker) Snapshot() TrafficCounts {
	t.Lock()
	defer t.Unlock()

	return t.counts
}

func (t *Tracker) RegisterMetrics(reg prometheus.Registerer) {
	counters := []struct {
		name string
		help string
		read func(TrafficCounts) uint64
	}{
		{"served_total", "Coalesced requests answered successfully.", func(c TrafficCounts) uint64 { return c.Served }},
		{"passthrough_total", "Requests proxied without coalescing.", func(c TrafficCounts) uint64 { return c.Passthrough }},
		{"errors_total", "Coalesced requests that ended in a failure.", func(c TrafficCounts) uint64 { return c.Failed }},
	}

	for _, c := range counters {
		read := c.read

		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "trafficfunnel",
			Subsystem: "proxy",
			Name:      c.name,
			Help:      c.help,
		}, func() float64 {
			return float64(read(t.Snapshot()))
		}))
	}
}
