package session

import "github.com/prometheus/client_golang/prometheus"

var (
	fetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "melsync_session_fetch_total",
			Help: "Account and listing fetches issued by the session cache",
		},
		[]string{"resource", "result"},
	)
	freshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "melsync_session_refresh_fresh_total",
			Help: "Refresh calls answered from the cache without a fetch",
		},
		[]string{"resource"},
	)
	lastFetchGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "melsync_session_last_fetch_timestamp_seconds",
			Help: "Last successful fetch per resource (epoch seconds)",
		},
		[]string{"resource"},
	)
)

// MetricsCollectors exposes the session cache collectors.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		fetchTotal,
		freshTotal,
		lastFetchGauge,
	}
}
