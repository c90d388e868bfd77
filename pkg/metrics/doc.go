/*
Package metrics provides Prometheus metrics for rollouts.

Metrics are package-level collectors registered with the default registry
at init. rollout is a short-lived CLI, so nothing is served over HTTP;
instead WriteTextfile dumps the registry to a file that node_exporter's
textfile collector picks up on CI runners and deploy hosts.

# Metrics

	rollout_deployments_total{environment,outcome}     counter
	rollout_deployment_duration_seconds{environment}   histogram
	rollout_last_success_timestamp_seconds{environment} gauge
	rollout_stage_duration_seconds{stage}              histogram
	rollout_decisions_total{action}                    counter
	rollout_pulls_total{result}                        counter
	rollout_health_checks_total{result}                counter

# Usage

Timing a stage:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StageDuration, "resolve")

Recording a finished rollout:

	metrics.RecordDeployment(record)
	if err := metrics.WriteTextfile("/var/lib/node_exporter/rollout.prom"); err != nil {
		log.Logger.Warn().Err(err).Msg("Failed to write metrics")
	}
*/
package metrics
