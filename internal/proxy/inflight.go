package proxy

import (
	"encoding/json"
	"net/http"
)

type inflightStatus struct {
	Count     int           `json:"count"`
	Keys      []string      `json:"keys"`
	Started   uint64        `json:"started"`
	Joined    uint64        `json:"joined"`
	Succeeded uint64        `json:"succeeded"`
	Failed    uint64        `json:"failed"`
	Canceled  uint64        `json:"canceled"`
	Traffic   TrafficCounts `json:"traffic"`
}

// inflightHandler exposes the live coalescing state: GET lists the entries
// and counters, DELETE cancels one entry by key or all of them.
func (p *Proxy) inflightHandler() http.HandlerFunc {
	return func(res http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodGet:
			p.writeInflightStatus(res)
		case http.MethodDelete:
			key := req.URL.Query().Get("key")
			if key == "" {
				p.registry.CancelAll()
			} else {
				p.registry.Cancel(key)
			}

			res.WriteHeader(http.StatusNoContent)
		default:
			http.Error(res, "only GET and DELETE are supported", http.StatusMethodNotAllowed)
		}
	}
}

func (p *Proxy) writeInflightStatus(res http.ResponseWriter) {
	stats := p.registry.Stats()

	status := inflightStatus{
		Count:     p.registry.Count(),
		Keys:      p.registry.Keys(),
		Started:   stats.Started,
		Joined:    stats.Joined,
		Succeeded: stats.Succeeded,
		Failed:    stats.Failed,
		Canceled:  stats.Canceled,
		Traffic:   p.tracker.Snapshot(),
	}

	res.Header().Set("Content-Type", "application/json")
	json.NewEncoder(res).Encode(status) //nolint:errcheck
}
