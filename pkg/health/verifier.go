package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/rollout/pkg/events"
	"github.com/cuemby/rollout/pkg/log"
	"github.com/cuemby/rollout/pkg/metrics"
	"github.com/cuemby/rollout/pkg/runtime"
	"github.com/cuemby/rollout/pkg/types"
)

// logCaptureTimeout bounds the log fetch of an unhealthy container, which
// runs even after the rollout context has ended
const logCaptureTimeout = 10 * time.Second

var (
	// ErrExited is reported when the container stopped during verification
	ErrExited = errors.New("container exited")
	// ErrNotStable is reported when the attempts ran out
	ErrNotStable = errors.New("container did not become healthy")
)

// ContainerReader is the part of a runtime the verifier needs
type ContainerReader interface {
	Inspect(ctx context.Context, id string) (types.RunningInstance, error)
	Logs(ctx context.Context, id string, tail int) (string, error)
}

// Target is one started container to verify
type Target struct {
	Service     string
	ContainerID string
	Check       *types.HealthCheck
}

// Verdict is the outcome for one target
type Verdict struct {
	Service     string
	ContainerID string
	Healthy     bool
	State       types.InstanceState
	Attempts    int
	// LogTail is only captured for unhealthy targets
	LogTail string
	// Err is a *types.HealthCheckError when unhealthy
	Err error
}

// Verifier polls started containers until they are stable or fail
type Verifier struct {
	reader       ContainerReader
	policy       types.HealthCheckPolicy
	broker       *events.Broker
	deploymentID string
	logger       zerolog.Logger
}

// NewVerifier creates a verifier. Zero policy fields take their defaults.
func NewVerifier(reader ContainerReader, policy types.HealthCheckPolicy, broker *events.Broker) *Verifier {
	return &Verifier{
		reader: reader,
		policy: normalize(policy),
		broker: broker,
		logger: log.WithComponent("health"),
	}
}

// WithDeployment tags events and logs with the rollout ID
func (v *Verifier) WithDeployment(id string) *Verifier {
	v.deploymentID = id
	v.logger = log.WithDeployment(v.logger, id)
	return v
}

// Policy returns the effective policy
func (v *Verifier) Policy() types.HealthCheckPolicy {
	return v.policy
}

func normalize(p types.HealthCheckPolicy) types.HealthCheckPolicy {
	def := types.DefaultHealthCheckPolicy()
	if p.InitialDelay < 0 {
		p.InitialDelay = 0
	}
	if p.PollInterval <= 0 {
		p.PollInterval = def.PollInterval
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.StableReads < 1 {
		p.StableReads = 1
	}
	if p.Parallelism < 1 {
		p.Parallelism = 1
	}
	if p.LogTailLines < 1 {
		p.LogTailLines = def.LogTailLines
	}
	return p
}

// Verify checks every target, at most Parallelism at a time, and returns
// one verdict per target in the same order. An ended context makes the
// remaining targets unhealthy; it never drops a verdict.
func (v *Verifier) Verify(ctx context.Context, targets []Target) []Verdict {
	verdicts := make([]Verdict, len(targets))

	var g errgroup.Group
	g.SetLimit(v.policy.Parallelism)
	for i, t := range targets {
		g.Go(func() error {
			verdicts[i] = v.verifyOne(ctx, t)
			return nil
		})
	}
	_ = g.Wait()

	return verdicts
}

func (v *Verifier) verifyOne(ctx context.Context, t Target) Verdict {
	logger := log.WithService(v.logger, t.Service)
	verdict := Verdict{Service: t.Service, ContainerID: t.ContainerID, State: types.InstanceUnknown}

	var checker Checker
	if t.Check != nil {
		c, err := NewChecker(t.Check)
		if err != nil {
			return v.unhealthy(ctx, logger, verdict, err)
		}
		checker = c
	}

	logger.Debug().Dur("initial_delay", v.policy.InitialDelay).Msg("Waiting before first health read")
	if err := sleep(ctx, v.policy.InitialDelay); err != nil {
		return v.unhealthy(ctx, logger, verdict, err)
	}

	ticker := time.NewTicker(v.policy.PollInterval)
	defer ticker.Stop()

	var status Status
	for {
		ok, msg, err := v.read(ctx, t, checker, &verdict)
		status.Observe(ok, msg)
		verdict.Attempts = status.Attempts

		if err != nil {
			return v.unhealthy(ctx, logger, verdict, err)
		}
		if status.Stable(v.policy.StableReads) {
			return v.healthy(logger, verdict)
		}
		if status.Attempts >= v.policy.MaxAttempts {
			return v.unhealthy(ctx, logger, verdict, fmt.Errorf("%w: %s", ErrNotStable, status.LastMessage))
		}

		logger.Debug().
			Int("attempt", status.Attempts).
			Str("state", string(verdict.State)).
			Str("detail", msg).
			Msg("Not healthy yet")

		select {
		case <-ctx.Done():
			return v.unhealthy(ctx, logger, verdict, ctx.Err())
		case <-ticker.C:
		}
	}
}

// read performs one inspection plus the optional probe. A non-nil error
// ends verification immediately.
func (v *Verifier) read(ctx context.Context, t Target, checker Checker, verdict *Verdict) (bool, string, error) {
	inst, err := v.reader.Inspect(ctx, t.ContainerID)
	if err != nil {
		if ctx.Err() != nil {
			return false, "", ctx.Err()
		}
		if errors.Is(err, runtime.ErrNotFound) {
			return false, "", err
		}
		return false, err.Error(), nil
	}
	verdict.State = inst.State

	switch inst.State {
	case types.InstanceExited:
		return false, "", fmt.Errorf("%w with code %d", ErrExited, inst.ExitCode)
	case types.InstanceRunning:
		if checker == nil {
			return true, "running", nil
		}
		res := checker.Check(ctx)
		return res.Healthy, res.Message, nil
	default:
		return false, "state " + string(inst.State), nil
	}
}

func (v *Verifier) healthy(logger zerolog.Logger, verdict Verdict) Verdict {
	verdict.Healthy = true
	logger.Info().Int("attempts", verdict.Attempts).Msg("Service healthy")
	metrics.RecordHealth(true)
	v.publish(events.EventServiceHealthy, verdict.Service, fmt.Sprintf("healthy after %d read(s)", verdict.Attempts))
	return verdict
}

func (v *Verifier) unhealthy(ctx context.Context, logger zerolog.Logger, verdict Verdict, cause error) Verdict {
	// The rollout context may already be done; the tail is still wanted
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logCaptureTimeout)
	defer cancel()

	tail, err := v.reader.Logs(logCtx, verdict.ContainerID, v.policy.LogTailLines)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to capture logs of unhealthy container")
	}

	verdict.Healthy = false
	verdict.LogTail = tail
	verdict.Err = &types.HealthCheckError{
		Service:     verdict.Service,
		ContainerID: verdict.ContainerID,
		State:       verdict.State,
		Attempts:    verdict.Attempts,
		LogTail:     tail,
		Err:         cause,
	}

	logger.Error().
		Err(cause).
		Int("attempts", verdict.Attempts).
		Str("state", string(verdict.State)).
		Msg("Service unhealthy")
	metrics.RecordHealth(false)
	v.publish(events.EventServiceUnhealthy, verdict.Service, cause.Error())
	return verdict
}

func (v *Verifier) publish(typ events.EventType, service, msg string) {
	v.broker.Publish(&events.Event{
		Type:         typ,
		DeploymentID: v.deploymentID,
		Service:      service,
		Message:      msg,
	})
}

// sleep waits for d or until ctx ends
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
