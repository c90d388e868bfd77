package types

import (
	"fmt"
	"time"
)

// ServiceSpec describes one service of a manifest
type ServiceSpec struct {
	Name          string            `yaml:"name" json:"name"`
	Image         string            `yaml:"image" json:"image"`
	EnvBundleRef  string            `yaml:"envBundle,omitempty" json:"env_bundle,omitempty"`
	RestartPolicy RestartPolicy     `yaml:"restartPolicy,omitempty" json:"restart_policy,omitempty"`
	Command       []string          `yaml:"command,omitempty" json:"command,omitempty"`
	Env           map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Ports         []string          `yaml:"ports,omitempty" json:"ports,omitempty"` // "8080:80/tcp"
	Mounts        []*Mount          `yaml:"mounts,omitempty" json:"mounts,omitempty"`
	HealthCheck   *HealthCheck      `yaml:"healthCheck,omitempty" json:"health_check,omitempty"`
	StopTimeout   time.Duration     `yaml:"stopTimeout,omitempty" json:"stop_timeout,omitempty"`
}

// RestartPolicy defines container restart behavior
type RestartPolicy string

const (
	RestartAlways    RestartPolicy = "always"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartNever     RestartPolicy = "never"
)

// Valid reports whether p is one of the known policies
func (p RestartPolicy) Valid() bool {
	switch p {
	case RestartAlways, RestartOnFailure, RestartNever:
		return true
	}
	return false
}

// Mount is a host path bind mounted into the container
type Mount struct {
	Source   string `yaml:"source" json:"source"`
	Target   string `yaml:"target" json:"target"`
	ReadOnly bool   `yaml:"readOnly,omitempty" json:"read_only,omitempty"`
}

// HealthCheck is an optional readiness probe evaluated once the container is running
type HealthCheck struct {
	Type     HealthCheckType `yaml:"type" json:"type"`
	Endpoint string          `yaml:"endpoint" json:"endpoint"` // URL for http, host:port for tcp
	Timeout  time.Duration   `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// HealthCheckType defines the type of readiness probe
type HealthCheckType string

const (
	HealthCheckHTTP HealthCheckType = "http"
	HealthCheckTCP  HealthCheckType = "tcp"
)

// ImageDigest is a content hash of an image. Two digests are equal iff
// byte-identical; the empty digest means "unknown".
type ImageDigest string

// Equal reports byte equality
func (d ImageDigest) Equal(other ImageDigest) bool {
	return d == other
}

// Known reports whether the digest was determined
func (d ImageDigest) Known() bool {
	return d != ""
}

// Short returns the digest truncated for display
func (d ImageDigest) Short() string {
	s := string(d)
	if len(s) > 19 {
		return s[:19]
	}
	return s
}

// DigestSource names the mechanism that produced a digest. Digests from
// different sources are not comparable.
type DigestSource string

const (
	// DigestSourceRegistry is the manifest digest reported by the registry
	// tag listing (the digest the push produced).
	DigestSourceRegistry DigestSource = "registry"

	// DigestSourceImageID is a local image config digest.
	DigestSourceImageID DigestSource = "image-id"
)

// ResolvedImage is the canonical form of a service image
type ResolvedImage struct {
	Reference  string // repository:tag or repository@digest
	Repository string
	Tag        string
	Digest     ImageDigest
	Source     DigestSource
	LookupErr  error // set when the digest could not be determined
}

// InstanceState is the runtime state of a container
type InstanceState string

const (
	InstanceRunning InstanceState = "running"
	InstanceExited  InstanceState = "exited"
	InstanceUnknown InstanceState = "unknown"
)

// RunningInstance is a read-only snapshot of a container taken at inspection time
type RunningInstance struct {
	ServiceName   string
	ContainerID   string
	ContainerName string
	Image         string
	ImageDigest   ImageDigest
	DigestSource  DigestSource
	State         InstanceState
	ExitCode      int
}

// ContainerSummary is a lightweight listing entry
type ContainerSummary struct {
	ID     string
	Name   string
	State  InstanceState
	Labels map[string]string
}

// Action is the outcome of a restart decision
type Action string

const (
	ActionNoOp       Action = "noop"
	ActionFreshStart Action = "fresh-start"
	ActionRestart    Action = "restart"
)

// Reason explains a restart decision
type Reason string

const (
	ReasonNoInstance      Reason = "no running instance"
	ReasonDigestChanged   Reason = "digest changed"
	ReasonDigestUnchanged Reason = "digest unchanged"
	ReasonUndeterminable  Reason = "undeterminable - forcing restart for safety"
)

// RestartDecision is the decision for one service
type RestartDecision struct {
	Service string
	Action  Action
	Reason  Reason
	Detail  string
	Current []RunningInstance
	Desired ResolvedImage
}

// CurrentDigest returns the digest of the single attributed instance, if any
func (d RestartDecision) CurrentDigest() *ImageDigest {
	if len(d.Current) != 1 || !d.Current[0].ImageDigest.Known() {
		return nil
	}
	digest := d.Current[0].ImageDigest
	return &digest
}

func (d RestartDecision) String() string {
	if d.Detail != "" {
		return fmt.Sprintf("%s: %s (%s: %s)", d.Service, d.Action, d.Reason, d.Detail)
	}
	return fmt.Sprintf("%s: %s (%s)", d.Service, d.Action, d.Reason)
}

// DecisionSet maps service name to its decision
type DecisionSet map[string]RestartDecision

// HealthCheckPolicy controls post-start verification, applied to every service
type HealthCheckPolicy struct {
	InitialDelay time.Duration `yaml:"initialDelay" json:"initial_delay"`
	PollInterval time.Duration `yaml:"pollInterval" json:"poll_interval"`
	MaxAttempts  int           `yaml:"maxAttempts" json:"max_attempts"`
	StableReads  int           `yaml:"stableReads" json:"stable_reads"` // consecutive running reads required
	Parallelism  int           `yaml:"parallelism" json:"parallelism"`
	LogTailLines int           `yaml:"logTailLines" json:"log_tail_lines"`
}

// DefaultHealthCheckPolicy returns a policy with sensible defaults
func DefaultHealthCheckPolicy() HealthCheckPolicy {
	return HealthCheckPolicy{
		InitialDelay: 5 * time.Second,
		PollInterval: 2 * time.Second,
		MaxAttempts:  15,
		StableReads:  1,
		Parallelism:  1,
		LogTailLines: 100,
	}
}

// EnvBundle is an opaque key/value set of resolved secrets
type EnvBundle map[string]string

// Keys returns the bundle keys (unordered)
func (b EnvBundle) Keys() []string {
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	return keys
}
