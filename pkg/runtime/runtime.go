package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/distribution/reference"

	"github.com/cuemby/rollout/pkg/registry"
	"github.com/cuemby/rollout/pkg/types"
)

const (
	// LabelProject marks every container started for a project
	LabelProject = "rollout.project"

	// LabelService names the manifest service a container belongs to
	LabelService = "rollout.service"

	// LabelDigest records the digest the container was started for
	LabelDigest = "rollout.digest"

	// DefaultStopTimeout is used when a service does not set one
	DefaultStopTimeout = 10 * time.Second
)

// ErrNotFound is returned when a container does not exist
var ErrNotFound = errors.New("container not found")

// Runtime is a container runtime on one target. All methods block until the
// runtime answers or ctx is done.
type Runtime interface {
	// Login authenticates against an image registry for subsequent pulls
	Login(ctx context.Context, creds registry.Credentials) error

	// Pull fetches the image. Pulling a present image is a cheap no-op.
	Pull(ctx context.Context, ref string) error

	// LookupDigest asks the registry for the manifest digest ref points at,
	// without pulling
	LookupDigest(ctx context.Context, ref reference.Named) (types.ImageDigest, error)

	// List returns every container of the project, running or not
	List(ctx context.Context, project string) ([]types.ContainerSummary, error)

	// Inspect returns a fresh snapshot of one container
	Inspect(ctx context.Context, id string) (types.RunningInstance, error)

	// Start creates and starts a container, returning its ID
	Start(ctx context.Context, req StartRequest) (string, error)

	// EnsureRunning starts an existing container if it is not running
	EnsureRunning(ctx context.Context, id string) error

	// Stop stops a container, killing it after timeout
	Stop(ctx context.Context, id string, timeout time.Duration) error

	// Remove deletes a stopped container
	Remove(ctx context.Context, id string) error

	// Logs returns the last tail lines of combined output
	Logs(ctx context.Context, id string, tail int) (string, error)

	Close() error
}

// BundleFileUser is implemented by runtimes that read the secret bundle from
// an env file on the target rather than from StartRequest.Bundle.
type BundleFileUser interface {
	UsesBundleFile() bool
}

// StartRequest describes a container to create
type StartRequest struct {
	Project string
	Spec    types.ServiceSpec
	// Image is the resolved reference to run (repository:tag or @digest)
	Image  string
	Digest types.ImageDigest
	// Bundle holds secret values injected as environment variables
	Bundle types.EnvBundle
	// BundleFile is the env file path on the target, when staged
	BundleFile string
}

// Name returns the container name for the request
func (r StartRequest) Name() string {
	return ContainerName(r.Project, r.Spec.Name)
}

// Labels returns the labels attached to the container
func (r StartRequest) Labels() map[string]string {
	labels := map[string]string{
		LabelProject: r.Project,
		LabelService: r.Spec.Name,
	}
	if r.Digest.Known() {
		labels[LabelDigest] = string(r.Digest)
	}
	return labels
}

// Env returns the container environment as sorted KEY=VALUE pairs. Bundle
// values are included only when no bundle file is staged; manifest values
// take precedence over the bundle.
func (r StartRequest) Env() []string {
	merged := make(map[string]string, len(r.Spec.Env)+len(r.Bundle))
	if r.BundleFile == "" {
		for k, v := range r.Bundle {
			merged[k] = v
		}
	}
	for k, v := range r.Spec.Env {
		merged[k] = v
	}

	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// StopTimeout returns the service stop timeout or the default
func (r StartRequest) StopTimeout() time.Duration {
	if r.Spec.StopTimeout > 0 {
		return r.Spec.StopTimeout
	}
	return DefaultStopTimeout
}

// ContainerName returns the conventional container name for a service
func ContainerName(project, service string) string {
	return fmt.Sprintf("%s-%s", project, service)
}

// MatchesService reports whether a container belongs to the service by
// naming convention: the exact name, or the name followed by a numeric
// replica suffix ("-2", "_2").
func MatchesService(containerName, project, service string) bool {
	name := strings.TrimPrefix(containerName, "/")
	base := ContainerName(project, service)
	if name == base {
		return true
	}
	if !strings.HasPrefix(name, base) {
		return false
	}
	rest := name[len(base):]
	if len(rest) < 2 || (rest[0] != '-' && rest[0] != '_') {
		return false
	}
	_, err := strconv.Atoi(rest[1:])
	return err == nil
}

// BelongsTo reports whether the container is attributed to the service by
// name or label
func BelongsTo(c types.ContainerSummary, project, service string) bool {
	if c.Labels[LabelService] == service && c.Labels[LabelProject] == project {
		return true
	}
	return MatchesService(c.Name, project, service)
}

// ParseState maps a runtime status string to an InstanceState. A restarting
// container is neither running nor exited.
func ParseState(status string) types.InstanceState {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "running":
		return types.InstanceRunning
	case "exited", "dead", "created", "stopped", "removing":
		return types.InstanceExited
	default:
		return types.InstanceUnknown
	}
}

// restartPolicyName maps a manifest policy onto docker's names
func restartPolicyName(p types.RestartPolicy) string {
	switch p {
	case types.RestartAlways:
		return "always"
	case types.RestartOnFailure:
		return "on-failure"
	default:
		return "no"
	}
}

// InProject reports whether a container belongs to the project by label or
// by name prefix
func InProject(c types.ContainerSummary, project string) bool {
	if c.Labels[LabelProject] == project {
		return true
	}
	return strings.HasPrefix(strings.TrimPrefix(c.Name, "/"), project+"-")
}

// RepoDigestFor picks the repo digest of ref's repository out of an image's
// RepoDigests. Several distinct digests for the same repository are
// ambiguous and yield false.
func RepoDigestFor(ref string, repoDigests []string) (types.ImageDigest, bool) {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return "", false
	}

	var found types.ImageDigest
	for _, rd := range repoDigests {
		parsed, err := reference.ParseNormalizedNamed(rd)
		if err != nil {
			continue
		}
		canonical, ok := parsed.(reference.Canonical)
		if !ok || canonical.Name() != named.Name() {
			continue
		}
		digest := types.ImageDigest(canonical.Digest().String())
		if found != "" && found != digest {
			return "", false
		}
		found = digest
	}
	return found, found != ""
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
