// Package metrics exposes the bridge's Prometheus gauges/counters. The
// teacher module pulls in prometheus/client_golang transitively without
// ever registering a metric; this package is where that dependency earns
// its place, giving the session snapshot's counters an external interface
// beyond the in-process Snapshot struct (§6).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every metric this bridge exports.
type Registry struct {
	State         *prometheus.GaugeVec
	PlayerCount   prometheus.Gauge
	BytesSent     prometheus.Counter
	BytesReceived prometheus.Counter
	PingMS        prometheus.Gauge
	ScanResults   prometheus.Histogram
	ProxyErrors   *prometheus.CounterVec
}

// New constructs and registers every metric against reg.
func New(reg *prometheus.Registry) *Registry {
	m := &Registry{
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ryuldn",
			Name:      "session_state",
			Help:      "Current master-client lifecycle state, one gauge per state name set to 1.",
		}, []string{"state"}),
		PlayerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ryuldn",
			Name:      "player_count",
			Help:      "Number of players in the current LDN session.",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ryuldn",
			Name:      "bytes_sent_total",
			Help:      "Total bytes sent through proxy data frames.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ryuldn",
			Name:      "bytes_received_total",
			Help:      "Total bytes received through proxy data frames.",
		}),
		PingMS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ryuldn",
			Name:      "master_ping_milliseconds",
			Help:      "Last measured round trip time to the master relay.",
		}),
		ScanResults: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ryuldn",
			Name:      "scan_result_count",
			Help:      "Distribution of network counts returned by Scan calls.",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32},
		}),
		ProxyErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ryuldn",
			Name:      "network_errors_total",
			Help:      "NetworkError packets received, partitioned by error code.",
		}, []string{"code"}),
	}

	reg.MustRegister(m.State, m.PlayerCount, m.BytesSent, m.BytesReceived, m.PingMS, m.ScanResults, m.ProxyErrors)
	return m
}

// SetState zeroes every state gauge value and sets only the current one,
// so a Prometheus query for ryuldn_session_state==1 names the active state.
func (m *Registry) SetState(names []string, current string) {
	for _, n := range names {
		v := 0.0
		if n == current {
			v = 1
		}
		m.State.WithLabelValues(n).Set(v)
	}
}
