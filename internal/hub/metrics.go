package hub

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector exports the cached device snapshots. It never calls
// MELCloud itself.
type MetricsCollector struct {
	hub *Hub

	power       *prometheus.GaugeVec
	property    *prometheus.GaugeVec
	dailyEnergy *prometheus.GaugeVec
	wifiSignal  *prometheus.GaugeVec
	hasError    *prometheus.GaugeVec
	lastSeen    *prometheus.GaugeVec
	lastUpdated *prometheus.GaugeVec
	devices     prometheus.Gauge
	lastPoll    prometheus.Gauge
	success     prometheus.Gauge
}

func NewMetricsCollector(hub *Hub) *MetricsCollector {
	labels := []string{"device_id", "device_name", "kind"}
	return &MetricsCollector{
		hub: hub,
		power: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "melsync_device_power_bool",
			Help: "Power setting per device (1=on, 0=off)",
		}, labels),
		property: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "melsync_device_property",
			Help: "Numeric device properties as last read",
		}, append(labels, "property")),
		dailyEnergy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "melsync_device_daily_energy_kwh",
			Help: "Energy consumed over the reporting window",
		}, labels),
		wifiSignal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "melsync_device_wifi_signal_dbm",
			Help: "Wi-Fi signal strength per device",
		}, labels),
		hasError: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "melsync_device_error_bool",
			Help: "Device reports an error (1=error, 0=ok)",
		}, labels),
		lastSeen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "melsync_device_last_seen_timestamp_seconds",
			Help: "Last communication reported by MELCloud (epoch seconds)",
		}, labels),
		lastUpdated: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "melsync_device_last_updated_timestamp_seconds",
			Help: "Last successful local refresh (epoch seconds)",
		}, labels),
		devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "melsync_devices",
			Help: "Devices known to the hub",
		}),
		lastPoll: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "melsync_last_poll_timestamp_seconds",
			Help: "Last poll completion timestamp (epoch seconds)",
		}),
		success: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "melsync_poll_success",
			Help: "Last poll success (1=ok, 0=error)",
		}),
	}
}

func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	c.power.Describe(ch)
	c.property.Describe(ch)
	c.dailyEnergy.Describe(ch)
	c.wifiSignal.Describe(ch)
	c.hasError.Describe(ch)
	c.lastSeen.Describe(ch)
	c.lastUpdated.Describe(ch)
	c.devices.Describe(ch)
	c.lastPoll.Describe(ch)
	c.success.Describe(ch)
}

func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	c.power.Reset()
	c.property.Reset()
	c.dailyEnergy.Reset()
	c.wifiSignal.Reset()
	c.hasError.Reset()
	c.lastSeen.Reset()
	c.lastUpdated.Reset()

	snaps := c.hub.Snapshots()
	c.devices.Set(float64(len(snaps)))
	for _, snap := range snaps {
		labels := prometheus.Labels{
			"device_id":   strconv.Itoa(snap.DeviceID),
			"device_name": snap.Name,
			"kind":        snap.Kind,
		}
		if snap.Power != nil {
			c.power.With(labels).Set(boolToFloat(*snap.Power))
		}
		for key, value := range snap.Properties {
			f, ok := numeric(value)
			if !ok {
				continue
			}
			c.property.With(prometheus.Labels{
				"device_id":   labels["device_id"],
				"device_name": snap.Name,
				"kind":        snap.Kind,
				"property":    key,
			}).Set(f)
		}
		if snap.DailyEnergy != nil {
			c.dailyEnergy.With(labels).Set(*snap.DailyEnergy)
		}
		if snap.WifiSignal != nil {
			c.wifiSignal.With(labels).Set(float64(*snap.WifiSignal))
		}
		c.hasError.With(labels).Set(boolToFloat(snap.HasError))
		if !snap.LastSeen.IsZero() {
			c.lastSeen.With(labels).Set(float64(snap.LastSeen.Unix()))
		}
		if !snap.UpdatedAt.IsZero() {
			c.lastUpdated.With(labels).Set(float64(snap.UpdatedAt.Unix()))
		}
	}

	if at, err := c.hub.LastPoll(); !at.IsZero() {
		c.lastPoll.Set(float64(at.Unix()))
		c.success.Set(boolToFloat(err == nil))
	}
	c.collectAll(ch)
}

func (c *MetricsCollector) collectAll(ch chan<- prometheus.Metric) {
	c.power.Collect(ch)
	c.property.Collect(ch)
	c.dailyEnergy.Collect(ch)
	c.wifiSignal.Collect(ch)
	c.hasError.Collect(ch)
	c.lastSeen.Collect(ch)
	c.lastUpdated.Collect(ch)
	c.devices.Collect(ch)
	c.lastPoll.Collect(ch)
	c.success.Collect(ch)
}

func numeric(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case bool:
		return boolToFloat(v), true
	default:
		return 0, false
	}
}

func boolToFloat(value bool) float64 {
	if value {
		return 1
	}
	return 0
}
