package deploy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/rollout/pkg/decision"
	"github.com/cuemby/rollout/pkg/events"
	"github.com/cuemby/rollout/pkg/executor"
	"github.com/cuemby/rollout/pkg/health"
	"github.com/cuemby/rollout/pkg/log"
	"github.com/cuemby/rollout/pkg/metrics"
	"github.com/cuemby/rollout/pkg/registry"
	"github.com/cuemby/rollout/pkg/resolver"
	"github.com/cuemby/rollout/pkg/runtime"
	"github.com/cuemby/rollout/pkg/secrets"
	"github.com/cuemby/rollout/pkg/storage"
	"github.com/cuemby/rollout/pkg/target"
	"github.com/cuemby/rollout/pkg/types"
)

// releaseTimeout bounds removal of the staged secret bundle after the
// rollout context has ended
const releaseTimeout = 30 * time.Second

// Options wires a Deployer
type Options struct {
	Project  string
	Target   *target.Target
	Resolver *resolver.Resolver
	// Secrets defaults to secrets.None
	Secrets  secrets.Provider
	Registry registry.Config
	Health   types.HealthCheckPolicy
	// Store is optional; without it records are not persisted
	Store  storage.Store
	Broker *events.Broker
	// Now defaults to time.Now
	Now func() time.Time
}

// Request is one rollout
type Request struct {
	Services     []types.ServiceSpec
	ManifestPath string
	Environment  string
	// Deadline bounds the whole rollout; zero means none
	Deadline time.Duration
}

// Deployer runs rollouts against one target
type Deployer struct {
	opts   Options
	logger zerolog.Logger
}

// NewDeployer creates a deployer
func NewDeployer(opts Options) *Deployer {
	if opts.Secrets == nil {
		opts.Secrets = secrets.None{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Deployer{
		opts:   opts,
		logger: log.WithComponent("deploy"),
	}
}

// Plan is the dry-run result of resolve, inspect and decide
type Plan struct {
	Desired   map[string]types.ResolvedImage
	Running   map[string][]types.RunningInstance
	Decisions types.DecisionSet
}

// Plan resolves, inspects and decides without touching the target
func (d *Deployer) Plan(ctx context.Context, services []types.ServiceSpec, environment string) (*Plan, error) {
	desired, err := d.opts.Resolver.ResolveAll(ctx, services, environment)
	if err != nil {
		return nil, &types.StageError{Stage: types.StageResolve, Err: err}
	}

	running, err := d.inspect(ctx, services)
	if err != nil {
		return nil, &types.StageError{Stage: types.StageInspect, Err: err}
	}

	return &Plan{
		Desired:   desired,
		Running:   running,
		Decisions: decision.Decide(services, desired, running),
	}, nil
}

func (d *Deployer) inspect(ctx context.Context, services []types.ServiceSpec) (map[string][]types.RunningInstance, error) {
	names := make([]string, 0, len(services))
	for _, s := range services {
		names = append(names, s.Name)
	}
	instances, err := runtime.NewInspector(d.opts.Target.Runtime, d.opts.Project).ListRunningInstances(ctx, names)
	if err != nil {
		return nil, err
	}
	return runtime.GroupByService(instances), nil
}

// rollout carries the state of one Deploy call
type rollout struct {
	*Deployer
	req    Request
	rec    *types.DeploymentRecord
	logger zerolog.Logger

	outcome types.Outcome
	err     error
}

// Deploy runs resolve, inspect, decide, execute, verify and record in that
// order. The returned record is always finalized and, when a store is
// configured, persisted. The error is non-nil exactly when the outcome is
// not success, and carries the failed stage (see types.FailedStage).
func (d *Deployer) Deploy(ctx context.Context, req Request) (*types.DeploymentRecord, error) {
	if req.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Deadline)
		defer cancel()
	}

	id := uuid.NewString()
	r := &rollout{
		Deployer: d,
		req:      req,
		rec:      types.NewDeploymentRecord(id, d.opts.Project, d.opts.Target.Name, req.Environment, req.Services, d.opts.Now()),
		logger:   log.WithTarget(log.WithDeployment(d.logger, id), d.opts.Target.Name, req.Environment),
		outcome:  types.OutcomeSuccess,
	}

	r.logger.Info().Int("services", len(req.Services)).Msg("Starting rollout")
	r.run(ctx)
	r.finish()

	return r.rec, r.err
}

func (r *rollout) run(ctx context.Context) {
	var desired map[string]types.ResolvedImage
	if !r.stage(types.StageResolve, func() error {
		var err error
		desired, err = r.opts.Resolver.ResolveAll(ctx, r.req.Services, r.req.Environment)
		if err != nil {
			return err
		}
		for _, spec := range r.req.Services {
			svc := r.rec.Service(spec.Name)
			svc.Image = desired[spec.Name].Reference
			svc.NewDigest = desired[spec.Name].Digest
		}
		return nil
	}) {
		return
	}

	var running map[string][]types.RunningInstance
	if !r.stage(types.StageInspect, func() error {
		var err error
		running, err = r.inspect(ctx, r.req.Services)
		return err
	}) {
		return
	}

	var decisions types.DecisionSet
	r.stage(types.StageDecide, func() error {
		decisions = decision.Decide(r.req.Services, desired, running)
		for _, dec := range decision.Ordered(r.req.Services, decisions) {
			svc := r.rec.Service(dec.Service)
			svc.Action = dec.Action
			svc.Reason = dec.Reason
			svc.PreviousDigest = dec.CurrentDigest()

			svcLog := log.WithService(r.logger, dec.Service)
			svcLog.Info().
				Str("action", string(dec.Action)).
				Str("reason", string(dec.Reason)).
				Str("detail", dec.Detail).
				Msg("Decided")
			r.publish(events.EventDecision, dec.Service, dec.String())
		}
		return nil
	})

	var result *executor.Result
	if !r.stage(types.StageExecute, func() error {
		var err error
		result, err = r.execute(ctx, decisions)
		return err
	}) {
		// Start failures still leave other services to verify
		if result == nil || r.outcome != types.OutcomeFailedStart {
			return
		}
	}

	r.stage(types.StageVerify, func() error {
		return r.verify(ctx, result)
	})
}

// stage runs fn as one named stage. It reports whether the rollout may go
// on to the next stage.
func (r *rollout) stage(stage types.Stage, fn func() error) bool {
	timer := metrics.NewTimer()
	r.publish(events.EventStageStarted, "", string(stage))

	err := fn()

	timer.ObserveDurationVec(metrics.StageDuration, string(stage))
	r.publish(events.EventStageFinished, "", string(stage))
	r.logger.Debug().Str("stage", string(stage)).Dur("took", timer.Duration()).Msg("Stage finished")

	if err == nil {
		return true
	}
	r.fail(stage, err)
	return false
}

// fail records the first fatal error
func (r *rollout) fail(stage types.Stage, err error) {
	if r.err != nil {
		return
	}
	r.outcome = outcomeFor(stage, err)
	r.err = &types.StageError{Stage: stage, Err: err}
	r.logger.Error().Err(err).Str("stage", string(stage)).Str("outcome", string(r.outcome)).Msg("Rollout failed")
}

// outcomeFor maps a fatal error to the rollout outcome
func outcomeFor(stage types.Stage, err error) types.Outcome {
	var (
		pullErr   *types.PullError
		startErr  *types.StartError
		healthErr *types.HealthCheckError
	)
	cancelled := errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
	switch {
	case cancelled && stage != types.StageVerify:
		return types.OutcomeAborted
	case errors.As(err, &pullErr):
		return types.OutcomeFailedPull
	case errors.As(err, &startErr):
		return types.OutcomeFailedStart
	case stage == types.StageVerify && errors.As(err, &healthErr):
		return types.OutcomeFailedHealth
	default:
		return types.OutcomeAborted
	}
}

func (r *rollout) execute(ctx context.Context, decisions types.DecisionSet) (*executor.Result, error) {
	bundle, err := r.resolveBundle(ctx)
	if err != nil {
		return nil, err
	}

	staged, err := r.opts.Target.Stage(ctx, r.req.ManifestPath, bundle)
	if err != nil {
		return nil, err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := staged.Release(releaseCtx); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to remove staged env bundle")
			r.rec.Warnings = append(r.rec.Warnings, err.Error())
		}
	}()

	creds, ok, err := registry.Resolve(r.opts.Registry, bundle)
	if err != nil {
		return nil, err
	}
	if ok {
		r.logger.Info().Str("registry", creds.Host()).Msg("Logging in to registry")
		if err := r.opts.Target.Runtime.Login(ctx, creds); err != nil {
			return nil, err
		}
	}

	result, err := executor.New(r.opts.Target.Runtime, r.opts.Broker).Execute(ctx, executor.Plan{
		DeploymentID: r.rec.ID,
		Project:      r.opts.Project,
		Services:     r.req.Services,
		Decisions:    decisions,
		Bundle:       bundle,
		BundleFile:   staged.BundleFile,
	})
	if result != nil {
		for _, w := range result.Warnings {
			r.rec.Warnings = append(r.rec.Warnings, w.Error())
		}
		for name, id := range result.ContainerIDs {
			r.rec.Service(name).ContainerID = id
		}
		for _, e := range result.StartErrors {
			var startErr *types.StartError
			if errors.As(e, &startErr) {
				r.rec.Service(startErr.Service).Error = startErr.Err.Error()
			}
		}
	}
	var pullErr *types.PullError
	if errors.As(err, &pullErr) {
		r.rec.Service(pullErr.Service).Error = pullErr.Err.Error()
	}
	return result, err
}

// resolveBundle fetches secrets only when a service or the registry login
// uses them
func (r *rollout) resolveBundle(ctx context.Context) (types.EnvBundle, error) {
	needed := r.opts.Registry.UsernameKey != "" || r.opts.Registry.PasswordKey != ""
	for _, spec := range r.req.Services {
		if spec.EnvBundleRef != "" {
			needed = true
		}
	}
	if !needed {
		return nil, nil
	}

	bundle, err := r.opts.Secrets.Resolve(ctx, r.req.Environment)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s secrets: %w", r.opts.Secrets.Name(), err)
	}
	r.logger.Info().Str("provider", r.opts.Secrets.Name()).Int("keys", len(bundle)).Msg("Resolved secrets")
	return bundle, nil
}

func (r *rollout) verify(ctx context.Context, result *executor.Result) error {
	var targets []health.Target
	for _, spec := range r.req.Services {
		id, ok := result.ContainerIDs[spec.Name]
		if !ok {
			continue
		}
		targets = append(targets, health.Target{Service: spec.Name, ContainerID: id, Check: spec.HealthCheck})
	}

	verifier := health.NewVerifier(r.opts.Target.Runtime, r.opts.Health, r.opts.Broker).WithDeployment(r.rec.ID)
	verdicts := verifier.Verify(ctx, targets)

	var failed types.ServiceErrors
	for _, v := range verdicts {
		svc := r.rec.Service(v.Service)
		svc.Healthy = v.Healthy
		if v.Healthy {
			continue
		}
		svc.Error = v.Err.Error()
		svc.LogTail = v.LogTail
		failed = append(failed, v.Err)
	}
	if len(failed) > 0 {
		return failed
	}
	return nil
}

// finish finalizes, persists and reports the record
func (r *rollout) finish() {
	if r.err != nil {
		r.rec.FailedStage, _ = types.FailedStage(r.err)
		r.rec.Error = r.err.Error()
	}
	if err := r.rec.Finalize(r.outcome, r.opts.Now()); err != nil {
		r.logger.Error().Err(err).Msg("Record finalized twice")
	}

	timer := metrics.NewTimer()
	if r.opts.Store != nil {
		if err := r.opts.Store.SaveRecord(r.rec); err != nil {
			r.logger.Error().Err(err).Msg("Failed to persist deployment record")
		}
	}
	timer.ObserveDurationVec(metrics.StageDuration, string(types.StageRecord))
	metrics.RecordDeployment(r.rec)

	event := r.logger.Info()
	if !r.rec.Succeeded() {
		event = r.logger.Error()
	}
	event.
		Str("outcome", string(r.rec.Outcome)).
		Dur("duration", r.rec.Duration()).
		Int("warnings", len(r.rec.Warnings)).
		Msg("Rollout finished")
	r.publish(events.EventDeploymentFinished, "", string(r.rec.Outcome))
}

func (r *rollout) publish(typ events.EventType, service, msg string) {
	r.opts.Broker.Publish(&events.Event{
		Type:         typ,
		DeploymentID: r.rec.ID,
		Service:      service,
		Message:      msg,
	})
}
