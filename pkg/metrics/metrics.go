package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Store metrics
	DevicesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cmapper_devices_total",
			Help: "Total number of devices by status",
		},
		[]string{"status"},
	)

	SitesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cmapper_sites_total",
			Help: "Total number of sites",
		},
	)

	StoreBusyTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cmapper_store_busy_total",
			Help: "Number of store operations that failed on lock timeout",
		},
	)

	// Job metrics
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmapper_jobs_total",
			Help: "Total number of jobs by module and terminal state",
		},
		[]string{"module", "state"},
	)

	JobsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cmapper_jobs_running",
			Help: "Number of jobs currently running",
		},
	)

	// Reconciliation metrics
	ReconcileDevices = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmapper_reconcile_devices_total",
			Help: "Devices processed by reconciliation, by outcome",
		},
		[]string{"outcome"},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cmapper_reconcile_duration_seconds",
			Help:    "Reconciliation transaction duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Monitoring metrics
	MonitorTicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cmapper_monitor_ticks_total",
			Help: "Total number of monitoring ticks",
		},
	)

	ProbeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cmapper_probe_duration_seconds",
			Help:    "Device probe duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cmapper_probes_total",
			Help: "Total number of device probes by result",
		},
		[]string{"result"},
	)
)

// Register registers all metrics with the default Prometheus registry.
// Must be called once at startup.
func Register() {
	prometheus.MustRegister(
		DevicesTotal,
		SitesTotal,
		StoreBusyTotal,
		JobsTotal,
		JobsRunning,
		ReconcileDevices,
		ReconcileDuration,
		MonitorTicksTotal,
		ProbeDuration,
		ProbesTotal,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
