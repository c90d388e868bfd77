package types

import (
	"errors"
	"fmt"
)

// Stage names a step of a rollout
type Stage string

const (
	StageResolve Stage = "resolve"
	StageInspect Stage = "inspect"
	StageDecide  Stage = "decide"
	StageExecute Stage = "execute"
	StageVerify  Stage = "verify"
	StageRecord  Stage = "record"
)

// StageError attaches the failing stage to a fatal rollout error
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// ResolutionError reports an image reference that cannot be resolved
// (unknown environment label, malformed reference).
type ResolutionError struct {
	Image       string
	Environment string
	Err         error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s for environment %q: %v", e.Image, e.Environment, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// AuthError reports a registry login failure
type AuthError struct {
	Registry string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("registry login %s: %v", e.Registry, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// PullError is fatal and aborts the rollout before running state is touched
type PullError struct {
	Service string
	Image   string
	Err     error
}

func (e *PullError) Error() string {
	return fmt.Sprintf("pull %s for service %s: %v", e.Image, e.Service, e.Err)
}

func (e *PullError) Unwrap() error { return e.Err }

// TeardownError is non-fatal; it is logged and the rollout continues
type TeardownError struct {
	Service     string
	ContainerID string
	Orphan      bool
	Err         error
}

func (e *TeardownError) Error() string {
	kind := "instance"
	if e.Orphan {
		kind = "orphan"
	}
	return fmt.Sprintf("teardown %s %s of service %s: %v", kind, shortID(e.ContainerID), e.Service, e.Err)
}

func (e *TeardownError) Unwrap() error { return e.Err }

// StartError is fatal for one service; the other services are still started
type StartError struct {
	Service string
	Err     error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start service %s: %v", e.Service, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// HealthCheckError is fatal for one service and carries the captured log tail
type HealthCheckError struct {
	Service     string
	ContainerID string
	State       InstanceState
	Attempts    int
	LogTail     string
	Err         error
}

func (e *HealthCheckError) Error() string {
	return fmt.Sprintf("service %s unhealthy after %d attempt(s) (state %s): %v", e.Service, e.Attempts, e.State, e.Err)
}

func (e *HealthCheckError) Unwrap() error { return e.Err }

// TransportError reports a remote copy or run failure
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ServiceErrors aggregates per-service failures of one step
type ServiceErrors []error

func (e ServiceErrors) Error() string {
	switch len(e) {
	case 0:
		return "no errors"
	case 1:
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d services failed:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Unwrap exposes the individual errors to errors.Is and errors.As
func (e ServiceErrors) Unwrap() []error { return e }

// FailedStage returns the stage attached to err, if any
func FailedStage(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
