// Package metrics holds the process-wide Prometheus collectors and the
// optional local status endpoint.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Label values for the result label.
const (
	ResultUpdated     = "updated"
	ResultNotModified = "not_modified"
	ResultRewritten   = "rewritten"
	ResultUnchanged   = "unchanged"
	ResultOK          = "ok"
	ResultError       = "error"
)

var (
	SubscriptionChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clash_tray_subscription_checks_total",
			Help: "Subscription polls by outcome.",
		},
		[]string{"result"},
	)

	ConfigSyncs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clash_tray_config_syncs_total",
			Help: "Active config synchronization passes by outcome.",
		},
		[]string{"result"},
	)

	Reloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clash_tray_engine_reloads_total",
			Help: "Control API reload requests by outcome.",
		},
		[]string{"result"},
	)

	EngineStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clash_tray_engine_starts_total",
			Help: "Engine start attempts by run mode and outcome.",
		},
		[]string{"mode", "result"},
	)

	EngineExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clash_tray_engine_unexpected_exits_total",
			Help: "Engine terminations that were not requested by Stop.",
		},
		[]string{"mode"},
	)

	EngineRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "clash_tray_engine_running",
			Help: "1 while the supervised engine is running.",
		},
	)
)

func init() {
	prometheus.MustRegister(SubscriptionChecks)
	prometheus.MustRegister(ConfigSyncs)
	prometheus.MustRegister(Reloads)
	prometheus.MustRegister(EngineStarts)
	prometheus.MustRegister(EngineExits)
	prometheus.MustRegister(EngineRunning)
}
