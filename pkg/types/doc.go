/*
Package types defines the core data structures shared by every rollout package.

The types package holds the manifest model (ServiceSpec), the runtime view of
containers (RunningInstance, ContainerSummary), the decision model
(RestartDecision, DecisionSet), the health policy, and the DeploymentRecord that
a rollout produces. It also defines the error taxonomy used across the
controller so callers can classify failures with errors.As.

# Digests

An ImageDigest is an opaque content hash. Equality is byte equality and the
empty digest means "unknown". Every digest travels with a DigestSource naming
the mechanism that reported it:

	registry  - manifest digest from the registry tag listing (what the push produced)
	image-id  - local image config digest

Digests from different sources are never compared. A mismatch is treated as
undeterminable, which forces a restart rather than a silent no-op.

# Deployment Records

A DeploymentRecord is created when a rollout starts and finalized exactly once:

	rec := types.NewDeploymentRecord(id, "miner", "local", "dev", manifest, time.Now())
	// ... stages fill rec.Services ...
	if err := rec.Finalize(types.OutcomeSuccess, time.Now()); err != nil {
		// types.ErrRecordFinalized
	}

Outcomes:

	success        every service started and verified healthy
	failed-pull    an image pull failed, nothing was torn down
	failed-start   at least one service failed to start
	failed-health  at least one started service never became healthy
	aborted        resolution, inspection, transport, auth or cancellation

# Errors

	ResolutionError   bad environment label or malformed reference
	AuthError         registry login failure
	PullError         fatal, raised before any teardown
	TeardownError     non-fatal, collected as a warning
	StartError        fatal per service, other services still started
	HealthCheckError  fatal per service, carries the captured log tail
	TransportError    remote copy/run failure
	StageError        wraps any fatal error with the stage name
*/
package types
