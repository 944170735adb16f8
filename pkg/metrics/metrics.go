package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Termination reasons
const (
	ReasonIdle   = "idle"
	ReasonOrphan = "orphan"
	ReasonPause  = "pause"
	ReasonAdmin  = "admin"
)

var (
	// Fleet metrics
	FleetDesiredCapacity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetsync_fleet_desired_capacity",
			Help: "Target capacity reported by the provider",
		},
		[]string{"fleet"},
	)

	FleetMembers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetsync_fleet_member_instances",
			Help: "Instances the provider lists as fleet members",
		},
		[]string{"fleet"},
	)

	FleetSeen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetsync_fleet_seen_instances",
			Help: "Instances registered as worker nodes by this process",
		},
		[]string{"fleet"},
	)

	FleetDying = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetsync_fleet_dying_instances",
			Help: "Instances terminated by this process",
		},
		[]string{"fleet"},
	)

	FleetPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetsync_fleet_pending_provisions",
			Help: "Planned provision requests waiting for an instance",
		},
		[]string{"fleet"},
	)

	FleetPaused = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetsync_fleet_paused",
			Help: "Whether the fleet is paused (1 = paused)",
		},
		[]string{"fleet"},
	)

	// Engine metrics
	ProvisionGranted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetsync_provision_granted_total",
			Help: "Total number of instances requested from the provider",
		},
		[]string{"fleet"},
	)

	Terminations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetsync_terminations_total",
			Help: "Total number of targeted instance terminations by reason",
		},
		[]string{"fleet", "reason"},
	)

	MaterializeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetsync_materialize_failures_total",
			Help: "Total number of instances that failed to register as worker nodes",
		},
		[]string{"fleet"},
	)

	ReconcileErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetsync_reconcile_errors_total",
			Help: "Total number of failed reconciliation passes",
		},
		[]string{"fleet"},
	)

	ReconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetsync_reconcile_duration_seconds",
			Help:    "Reconciliation pass duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"fleet"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetsync_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(FleetDesiredCapacity)
	prometheus.MustRegister(FleetMembers)
	prometheus.MustRegister(FleetSeen)
	prometheus.MustRegister(FleetDying)
	prometheus.MustRegister(FleetPending)
	prometheus.MustRegister(FleetPaused)
	prometheus.MustRegister(ProvisionGranted)
	prometheus.MustRegister(Terminations)
	prometheus.MustRegister(MaterializeFailures)
	prometheus.MustRegister(ReconcileErrors)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(APIRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for histogram observations
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in seconds
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time under the given label values
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
