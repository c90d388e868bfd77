package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Deployment metrics
	DeploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollout_deployments_total",
			Help: "Total number of rollouts by environment and outcome",
		},
		[]string{"environment", "outcome"},
	)

	DeploymentDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rollout_deployment_duration_seconds",
			Help:    "Rollout wall time in seconds",
			Buckets: []float64{5, 10, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"environment"},
	)

	LastSuccessTimestamp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rollout_last_success_timestamp_seconds",
			Help: "Unix time of the last successful rollout by environment",
		},
		[]string{"environment"},
	)

	// Stage metrics
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rollout_stage_duration_seconds",
			Help:    "Duration of each rollout stage in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	// Service metrics
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollout_decisions_total",
			Help: "Total number of restart decisions by action",
		},
		[]string{"action"},
	)

	PullsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollout_pulls_total",
			Help: "Total number of image pulls by result",
		},
		[]string{"result"},
	)

	HealthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rollout_health_checks_total",
			Help: "Total number of health verdicts by result",
		},
		[]string{"result"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(DeploymentsTotal)
	prometheus.MustRegister(DeploymentDuration)
	prometheus.MustRegister(LastSuccessTimestamp)
	prometheus.MustRegister(StageDuration)
	prometheus.MustRegister(DecisionsTotal)
	prometheus.MustRegister(PullsTotal)
	prometheus.MustRegister(HealthChecksTotal)
}

// Result label values
const (
	ResultSuccess   = "success"
	ResultFailure   = "failure"
	ResultHealthy   = "healthy"
	ResultUnhealthy = "unhealthy"
)

// WriteTextfile writes all registered metrics to path in the text format
// read by node_exporter's textfile collector
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
