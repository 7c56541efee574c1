// Package metrics holds the provisioning Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "accessgate_jobs_processed_total",
		Help: "Jobs handled by the worker pool, by kind and outcome.",
	}, []string{"kind", "outcome"})

	JobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "accessgate_job_duration_seconds",
		Help:    "Job handler duration in seconds.",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 20, 45},
	}, []string{"kind"})

	JobsPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "accessgate_jobs_pending",
		Help: "Jobs queued or active.",
	})

	ProviderCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "accessgate_provider_calls_total",
		Help: "Upstream provider calls by operation and result kind.",
	}, []string{"provider", "operation", "result"})

	// ProvisioningState is 1 for the current state label and 0 otherwise.
	ProvisioningState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "accessgate_provisioning_state",
		Help: "Current provisioning health state (1 = current).",
	}, []string{"state"})

	ProvisioningMode = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "accessgate_provisioning_mode",
		Help: "Configured provisioning mode (1 = current).",
	}, []string{"mode"})

	HealthChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "accessgate_health_checks_total",
		Help: "Credential health checks by result.",
	}, []string{"result"})

	CredentialAgeHours = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "accessgate_credential_age_hours",
		Help: "Age of the active credential in hours.",
	})

	ManualTasksCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "accessgate_manual_tasks_created_total",
		Help: "Manual tasks created, by type.",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(
		JobsProcessed, JobDuration, JobsPending, ProviderCalls,
		ProvisioningState, ProvisioningMode, HealthChecks, CredentialAgeHours,
		ManualTasksCreated,
	)
}

// SetState flips the state and mode gauges to the given labels.
func SetState(state, mode string) {
	for _, s := range []string{"HEALTHY", "DEGRADED"} {
		v := 0.0
		if s == state {
			v = 1
		}
		ProvisioningState.WithLabelValues(s).Set(v)
	}
	for _, m := range []string{"AUTO", "MANUAL", "DISABLED"} {
		v := 0.0
		if m == mode {
			v = 1
		}
		ProvisioningMode.WithLabelValues(m).Set(v)
	}
}
