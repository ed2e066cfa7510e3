package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AcquireCounter tracks acquisition attempts by result
	// (acquired, busy, error).
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lease_acquire_total",
		Help: "Total number of lock acquisition attempts",
	}, []string{"result"})
	// ReleaseCounter tracks releases by result (released, fenced, error).
	ReleaseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lease_release_total",
		Help: "Total number of lock releases",
	}, []string{"result"})
	// RenewCounter tracks lease renewals by result (renewed, lost, error).
	RenewCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lease_renew_total",
		Help: "Total number of lease renewals",
	}, []string{"result"})
	// LeaseLostCounter tracks leases lost while their holder was still running.
	LeaseLostCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lease_lost_total",
		Help: "Total number of leases lost before release",
	})
	// WatchdogGauge reports the number of leases under automatic renewal.
	WatchdogGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lease_watchdog_registrations",
		Help: "Current number of leases registered with the watchdog",
	})
	// RunnerOutcomeCounter tracks critical-section outcomes by status.
	RunnerOutcomeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lease_runner_outcomes_total",
		Help: "Total number of critical-section executions by outcome",
	}, []string{"status"})
	// AuditDroppedCounter tracks lease events dropped because the audit
	// buffer was full.
	AuditDroppedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lease_audit_dropped_total",
		Help: "Total number of lease audit events dropped",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterMetrics registers the lease metrics on the provided registry.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AcquireCounter, ReleaseCounter, RenewCounter, LeaseLostCounter, WatchdogGauge, RunnerOutcomeCounter, AuditDroppedCounter)
}
