package types

import (
	"errors"
	"time"
)

// Outcome is the final verdict of a rollout
type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeFailedPull   Outcome = "failed-pull"
	OutcomeFailedStart  Outcome = "failed-start"
	OutcomeFailedHealth Outcome = "failed-health"
	OutcomeAborted      Outcome = "aborted"
)

// ErrRecordFinalized is returned when a finalized record is finalized again
var ErrRecordFinalized = errors.New("deployment record already finalized")

// DeploymentRecord describes one rollout. It is created when the rollout
// starts and finalized exactly once.
type DeploymentRecord struct {
	ID                string           `json:"id"`
	Project           string           `json:"project"`
	Target            string           `json:"target"`
	TargetEnvironment string           `json:"target_environment"`
	PreviousDigest    *ImageDigest     `json:"previous_digest,omitempty"`
	NewDigest         ImageDigest      `json:"new_digest"`
	StartedAt         time.Time        `json:"started_at"`
	CompletedAt       time.Time        `json:"completed_at"`
	Outcome           Outcome          `json:"outcome"`
	FailedStage       Stage            `json:"failed_stage,omitempty"`
	Error             string           `json:"error,omitempty"`
	Services          []*ServiceRecord `json:"services"`
	Warnings          []string         `json:"warnings,omitempty"`
}

// ServiceRecord is the per-service detail of a rollout
type ServiceRecord struct {
	Name           string       `json:"name"`
	Image          string       `json:"image"`
	PreviousDigest *ImageDigest `json:"previous_digest,omitempty"`
	NewDigest      ImageDigest  `json:"new_digest"`
	Action         Action       `json:"action,omitempty"`
	Reason         Reason       `json:"reason,omitempty"`
	ContainerID    string       `json:"container_id,omitempty"`
	Healthy        bool         `json:"healthy"`
	Error          string       `json:"error,omitempty"`
	LogTail        string       `json:"log_tail,omitempty"`
}

// NewDeploymentRecord starts a record for the given manifest
func NewDeploymentRecord(id, project, target, environment string, manifest []ServiceSpec, now time.Time) *DeploymentRecord {
	rec := &DeploymentRecord{
		ID:                id,
		Project:           project,
		Target:            target,
		TargetEnvironment: environment,
		StartedAt:         now,
		Services:          make([]*ServiceRecord, 0, len(manifest)),
	}
	for _, spec := range manifest {
		rec.Services = append(rec.Services, &ServiceRecord{Name: spec.Name, Image: spec.Image})
	}
	return rec
}

// Service returns the record for the named service, or nil
func (r *DeploymentRecord) Service(name string) *ServiceRecord {
	for _, s := range r.Services {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Finalized reports whether CompletedAt has been set
func (r *DeploymentRecord) Finalized() bool {
	return !r.CompletedAt.IsZero()
}

// Finalize sets the outcome and completion time. The record must not be
// mutated afterwards.
func (r *DeploymentRecord) Finalize(outcome Outcome, now time.Time) error {
	if r.Finalized() {
		return ErrRecordFinalized
	}
	r.Outcome = outcome
	// Top-level digests mirror the first manifest service.
	if len(r.Services) > 0 {
		r.PreviousDigest = r.Services[0].PreviousDigest
		r.NewDigest = r.Services[0].NewDigest
	}
	r.CompletedAt = now
	return nil
}

// Duration returns the wall time of the rollout
func (r *DeploymentRecord) Duration() time.Duration {
	if !r.Finalized() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// Succeeded reports a successful outcome
func (r *DeploymentRecord) Succeeded() bool {
	return r.Outcome == OutcomeSuccess
}
