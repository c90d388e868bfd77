/*
Package log provides structured logging for rollout using zerolog.

The log package wraps zerolog with a global logger, configurable level and
output format, and helpers that attach the fields every rollout log line
carries (component, service, target, deployment id).

# Usage

Initializing the Logger:

	import "github.com/cuemby/rollout/pkg/log"

	// JSON output (CI runners)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

	// Console output (workstation)
	log.Init(log.Config{
		Level: log.DebugLevel,
	})

Component Loggers:

	logger := log.WithComponent("executor")
	logger.Info().Str("image", ref).Msg("Pulling image")

	svcLog := log.WithService(logger, "miner")
	svcLog.Warn().Err(err).Msg("Teardown failed, continuing")

A rollout tags every line with its ID, target and environment:

	logger = log.WithTarget(log.WithDeployment(logger, id), "local", "prd")

# Output

Logs go to stderr by default so that command output on stdout (plan tables,
history listings) stays machine readable.
*/
package log
