package auth

import "github.com/prometheus/client_golang/prometheus"

var (
	loginSuccess = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "melsync_auth_login_success_total",
		Help: "Successful logins",
	})
	loginFailure = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "melsync_auth_login_failure_total",
		Help: "Failed logins",
	})
	tokenValid = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "melsync_auth_token_valid",
		Help: "Session token validity (1=valid, 0=invalid)",
	})
	remotePersistOK = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "melsync_auth_persist_ok",
		Help: "Token persistence health (1=ok, 0=error)",
	})
)

// MetricsCollectors returns collectors for the auth module.
func MetricsCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		loginSuccess,
		loginFailure,
		tokenValid,
		remotePersistOK,
	}
}
