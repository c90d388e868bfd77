/*
Package deploy runs one rollout of a multi-service manifest against a target
host and records what happened.

A rollout moves every service in the manifest to the image its environment
label currently points at, restarting only the services whose image digest
changed, and then verifies that the started containers stay up.

# Architecture

	┌──────────────────────── ROLLOUT ─────────────────────────┐
	│                                                           │
	│  resolve   image:env ──► registry digest (resolver)       │
	│     │                                                     │
	│  inspect   labelled containers on the target (runtime)    │
	│     │                                                     │
	│  decide    NoOp / FreshStart / Restart (decision)         │
	│     │                                                     │
	│  execute   secrets ─► stage ─► login ─► pull all          │
	│     │      ─► teardown ─► orphan sweep ─► start (executor)│
	│     │                                                     │
	│  verify    poll state until stable or failed (health)     │
	│     │                                                     │
	│  record    finalize, persist, metrics (storage, metrics)  │
	│                                                           │
	└───────────────────────────────────────────────────────────┘

Stages run strictly in order. A fatal error in resolve, inspect or execute
ends the rollout; the remaining stages are skipped except that services
started before a start failure are still verified. The record stage always
runs.

# Outcomes

	success        every service verified healthy
	failed-pull    a pull failed; nothing on the target was stopped
	failed-start   at least one container could not be started
	failed-health  a started container exited or never became stable
	aborted        anything else, including cancellation before verify

The returned error is nil exactly when the outcome is success. It is a
*types.StageError naming the failed stage, wrapping the typed cause
(*types.PullError, types.ServiceErrors of *types.StartError or
*types.HealthCheckError, *types.AuthError, ...).

# Usage

	deployer := deploy.NewDeployer(deploy.Options{
		Project:  cfg.Project,
		Target:   tgt,
		Resolver: resolver.New(rt, cfg.Environments),
		Secrets:  provider,
		Registry: cfg.Registry,
		Health:   cfg.Health,
		Store:    store,
		Broker:   broker,
	})

	rec, err := deployer.Deploy(ctx, deploy.Request{
		Services:     cfg.Services,
		ManifestPath: path,
		Environment:  "prd",
		Deadline:     15 * time.Minute,
	})

Plan runs resolve, inspect and decide only, for dry runs.

# Secrets

The secret bundle is resolved once per rollout and only when a service sets
envBundleRef or the registry login reads a key from it. Only services with
envBundleRef receive it. On runtimes that read an env file on the target the
bundle is staged as a 0600 file and removed when execute returns, even if
the rollout was cancelled.

# Deadline

Request.Deadline bounds the whole rollout. When it expires during verify,
the services still pending are reported unhealthy with their log tail and
the outcome is failed-health; earlier it is aborted. Containers already
started are left running.
*/
package deploy
