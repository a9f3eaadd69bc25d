package device

import "github.com/prometheus/client_golang/prometheus"

var (
	flushTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "melsync_device_flush_total",
			Help: "Coalesced state pushes per result",
		},
		[]string{"result"},
	)
	writesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "melsync_device_writes_total",
		Help: "Property writes accepted by Set",
	})
	flushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "melsync_device_flush_duration_seconds",
		Help:    "Time spent pushing a coalesced state",
		Buckets: prometheus.DefBuckets,
	})
	updateTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "melsync_device_update_total",
			Help: "Device state refreshes per result",
		},
		[]string{"result"},
	)
)

// MetricsCollectors exposes the device collectors.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		flushTotal,
		writesTotal,
		flushDuration,
		updateTotal,
	}
}
