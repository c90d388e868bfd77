package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cuemby/rollout/pkg/events"
	"github.com/cuemby/rollout/pkg/log"
	"github.com/cuemby/rollout/pkg/metrics"
	"github.com/cuemby/rollout/pkg/runtime"
	"github.com/cuemby/rollout/pkg/types"
)

// Plan is what one rollout applies
type Plan struct {
	DeploymentID string
	Project      string
	Services     []types.ServiceSpec
	Decisions    types.DecisionSet
	Bundle       types.EnvBundle
	// BundleFile is the staged env file on the target, if any
	BundleFile string
}

// Result reports what was applied
type Result struct {
	// ContainerIDs maps every service that is up to its container
	ContainerIDs map[string]string
	// Warnings are non-fatal teardown failures
	Warnings []error
	// StartErrors are the per-service start failures
	StartErrors types.ServiceErrors
}

// Executor applies restart decisions to a runtime
type Executor struct {
	runtime runtime.Runtime
	broker  *events.Broker
	logger  zerolog.Logger
}

// New creates an executor. broker may be nil.
func New(rt runtime.Runtime, broker *events.Broker) *Executor {
	return &Executor{
		runtime: rt,
		broker:  broker,
		logger:  log.WithComponent("executor"),
	}
}

// Execute pulls every image, tears down replaced and orphaned containers,
// then starts the services in manifest order.
//
// A pull failure returns a *types.PullError before any container is
// stopped. Start failures do not stop the loop; they are returned together
// as types.ServiceErrors alongside a populated Result.
func (e *Executor) Execute(ctx context.Context, plan Plan) (*Result, error) {
	logger := log.WithDeployment(e.logger, plan.DeploymentID)
	result := &Result{ContainerIDs: make(map[string]string, len(plan.Services))}

	for _, spec := range plan.Services {
		if _, ok := plan.Decisions[spec.Name]; !ok {
			return nil, fmt.Errorf("no decision for service %s", spec.Name)
		}
	}

	if err := e.pullAll(ctx, logger, plan); err != nil {
		return result, err
	}

	e.teardown(ctx, logger, plan, result)
	e.sweepOrphans(ctx, logger, plan, result)
	e.startAll(ctx, logger, plan, result)

	if len(result.StartErrors) > 0 {
		return result, result.StartErrors
	}
	return result, nil
}

// pullAll pulls the desired image of every service, no-ops included, and
// stops at the first failure
func (e *Executor) pullAll(ctx context.Context, logger zerolog.Logger, plan Plan) error {
	for _, spec := range plan.Services {
		ref := imageRef(spec, plan.Decisions[spec.Name])
		svcLog := log.WithService(logger, spec.Name)
		svcLog.Info().Str("image", ref).Msg("Pulling image")

		err := e.runtime.Pull(ctx, ref)
		metrics.RecordPull(err)
		if err != nil {
			svcLog.Error().Err(err).Str("image", ref).Msg("Pull failed, aborting before teardown")
			return &types.PullError{Service: spec.Name, Image: ref, Err: err}
		}

		e.publish(plan, events.EventImagePulled, spec.Name, ref)
	}
	return nil
}

// teardown stops and removes every attributed instance of each restarted
// service. Failures are warnings.
func (e *Executor) teardown(ctx context.Context, logger zerolog.Logger, plan Plan, result *Result) {
	for _, spec := range plan.Services {
		d := plan.Decisions[spec.Name]
		if d.Action != types.ActionRestart {
			continue
		}
		for _, inst := range d.Current {
			svcLog := log.WithService(logger, spec.Name)
			svcLog.Info().
				Str("container", inst.ContainerName).
				Str("reason", string(d.Reason)).
				Msg("Stopping instance")

			if err := e.stopAndRemove(ctx, spec, inst.ContainerID, plan, false); err != nil {
				svcLog.Warn().Err(err).Msg("Teardown failed, continuing")
				result.Warnings = append(result.Warnings, err)
			}
		}
	}
}

// sweepOrphans removes project containers that match a service by name or
// label but were not attributed to it by the inspector
func (e *Executor) sweepOrphans(ctx context.Context, logger zerolog.Logger, plan Plan, result *Result) {
	containers, err := e.runtime.List(ctx, plan.Project)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to list containers for orphan sweep")
		result.Warnings = append(result.Warnings, fmt.Errorf("orphan sweep: %w", err))
		return
	}

	attributed := make(map[string]bool)
	for _, d := range plan.Decisions {
		for _, inst := range d.Current {
			attributed[inst.ContainerID] = true
		}
	}

	for _, c := range containers {
		if attributed[c.ID] {
			continue
		}
		spec, ok := orphanOf(c, plan)
		if !ok {
			continue
		}

		svcLog := log.WithService(logger, spec.Name)
		svcLog.Info().
			Str("container", c.Name).
			Str("state", string(c.State)).
			Msg("Removing orphan container")

		if err := e.stopAndRemove(ctx, spec, c.ID, plan, true); err != nil {
			logger.Warn().Err(err).Msg("Orphan removal failed, continuing")
			result.Warnings = append(result.Warnings, err)
		}
	}
}

// orphanOf returns the service a container is an orphan of. A container
// that is the conventional or labelled container of a different manifest
// service is never an orphan.
func orphanOf(c types.ContainerSummary, plan Plan) (types.ServiceSpec, bool) {
	owner := ""
	if c.Labels[runtime.LabelProject] == plan.Project {
		owner = c.Labels[runtime.LabelService]
	}
	for _, spec := range plan.Services {
		if c.Name == runtime.ContainerName(plan.Project, spec.Name) {
			owner = spec.Name
		}
	}

	for _, spec := range plan.Services {
		if owner != "" && owner != spec.Name {
			continue
		}
		if owner == spec.Name || runtime.BelongsTo(c, plan.Project, spec.Name) {
			return spec, true
		}
	}
	return types.ServiceSpec{}, false
}

func (e *Executor) stopAndRemove(ctx context.Context, spec types.ServiceSpec, id string, plan Plan, orphan bool) error {
	timeout := runtime.StartRequest{Spec: spec}.StopTimeout()

	var errs []error
	if err := e.runtime.Stop(ctx, id, timeout); err != nil {
		errs = append(errs, err)
	} else {
		e.publish(plan, events.EventInstanceStopped, spec.Name, id)
	}

	// Remove even when stop failed; removal force-kills
	if err := e.runtime.Remove(ctx, id); err != nil {
		errs = append(errs, err)
	} else if orphan {
		e.publish(plan, events.EventOrphanRemoved, spec.Name, id)
	} else {
		e.publish(plan, events.EventInstanceRemoved, spec.Name, id)
	}

	if len(errs) == 0 {
		return nil
	}
	return &types.TeardownError{Service: spec.Name, ContainerID: id, Orphan: orphan, Err: errors.Join(errs...)}
}

// startAll starts or re-ensures each service sequentially in manifest order
func (e *Executor) startAll(ctx context.Context, logger zerolog.Logger, plan Plan, result *Result) {
	for _, spec := range plan.Services {
		d := plan.Decisions[spec.Name]
		svcLog := log.WithService(logger, spec.Name)

		if err := ctx.Err(); err != nil {
			result.StartErrors = append(result.StartErrors, &types.StartError{Service: spec.Name, Err: err})
			continue
		}

		var (
			id  string
			err error
		)
		switch d.Action {
		case types.ActionNoOp:
			id = d.Current[0].ContainerID
			svcLog.Info().Str("container", d.Current[0].ContainerName).Msg("Digest unchanged, ensuring running")
			err = e.runtime.EnsureRunning(ctx, id)
			if err == nil {
				e.publish(plan, events.EventServiceEnsured, spec.Name, id)
			}
		default:
			svcLog.Info().
				Str("action", string(d.Action)).
				Str("image", imageRef(spec, d)).
				Msg("Starting service")
			id, err = e.runtime.Start(ctx, runtime.StartRequest{
				Project:    plan.Project,
				Spec:       spec,
				Image:      imageRef(spec, d),
				Digest:     d.Desired.Digest,
				Bundle:     bundleFor(spec, plan.Bundle),
				BundleFile: bundleFileFor(spec, plan.BundleFile),
			})
			if err == nil {
				e.publish(plan, events.EventServiceStarted, spec.Name, id)
			}
		}

		if err != nil {
			svcLog.Error().Err(err).Msg("Start failed, continuing with remaining services")
			e.publish(plan, events.EventServiceFailed, spec.Name, err.Error())
			result.StartErrors = append(result.StartErrors, &types.StartError{Service: spec.Name, Err: err})
			continue
		}
		result.ContainerIDs[spec.Name] = id
	}
}

// imageRef is the reference to pull and run for a service
func imageRef(spec types.ServiceSpec, d types.RestartDecision) string {
	if d.Desired.Reference != "" {
		return d.Desired.Reference
	}
	return spec.Image
}

// bundleFor returns the secret bundle for services that reference one
func bundleFor(spec types.ServiceSpec, bundle types.EnvBundle) types.EnvBundle {
	if spec.EnvBundleRef == "" {
		return nil
	}
	return bundle
}

func bundleFileFor(spec types.ServiceSpec, file string) string {
	if spec.EnvBundleRef == "" {
		return ""
	}
	return file
}

func (e *Executor) publish(plan Plan, typ events.EventType, service, msg string) {
	e.broker.Publish(&events.Event{
		Type:         typ,
		DeploymentID: plan.DeploymentID,
		Service:      service,
		Message:      msg,
	})
}
