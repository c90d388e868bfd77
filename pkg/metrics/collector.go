package metrics

import (
	"github.com/cuemby/rollout/pkg/types"
)

// RecordDeployment folds a finalized rollout into the deployment and
// per-service metrics. Stage durations and pulls are observed as they
// happen; everything else is derived from the record.
func RecordDeployment(rec *types.DeploymentRecord) {
	if rec == nil || !rec.Finalized() {
		return
	}

	env := rec.TargetEnvironment
	DeploymentsTotal.WithLabelValues(env, string(rec.Outcome)).Inc()
	DeploymentDuration.WithLabelValues(env).Observe(rec.Duration().Seconds())
	if rec.Succeeded() {
		LastSuccessTimestamp.WithLabelValues(env).Set(float64(rec.CompletedAt.Unix()))
	}

	for _, svc := range rec.Services {
		if svc.Action != "" {
			DecisionsTotal.WithLabelValues(string(svc.Action)).Inc()
		}
	}
}

// RecordHealth counts one health verdict
func RecordHealth(healthy bool) {
	if healthy {
		HealthChecksTotal.WithLabelValues(ResultHealthy).Inc()
		return
	}
	HealthChecksTotal.WithLabelValues(ResultUnhealthy).Inc()
}

// RecordPull counts one image pull
func RecordPull(err error) {
	if err != nil {
		PullsTotal.WithLabelValues(ResultFailure).Inc()
		return
	}
	PullsTotal.WithLabelValues(ResultSuccess).Inc()
}
