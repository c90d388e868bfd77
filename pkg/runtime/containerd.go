package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/containerd/containerd/remotes"
	"github.com/containerd/containerd/remotes/docker"
	"github.com/containerd/containerd/runtime/restart"
	"github.com/distribution/reference"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"

	"github.com/cuemby/rollout/pkg/log"
	"github.com/cuemby/rollout/pkg/registry"
	"github.com/cuemby/rollout/pkg/types"
)

const (
	// DefaultNamespace is the containerd namespace for rollout
	DefaultNamespace = "rollout"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// DefaultLogDir holds one log file per container
	DefaultLogDir = "/var/log/rollout"

	// dockerHubHost is where containerd actually talks to for docker.io
	dockerHubHost = "registry-1.docker.io"
)

// ContainerdConfig configures the containerd runtime
type ContainerdConfig struct {
	SocketPath string
	Namespace  string
	LogDir     string
}

// Containerd implements Runtime using containerd. Containers use host
// networking, so services with port mappings are refused. Restart policies
// are expressed as restart monitor labels.
type Containerd struct {
	client    *containerd.Client
	namespace string
	logDir    string
	logger    zerolog.Logger

	mu    sync.RWMutex
	creds map[string]registry.Credentials // registry host -> credentials
}

var _ Runtime = (*Containerd)(nil)

// NewContainerd creates a new containerd runtime client
func NewContainerd(cfg ContainerdConfig) (*Containerd, error) {
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.LogDir == "" {
		cfg.LogDir = DefaultLogDir
	}
	if err := os.MkdirAll(cfg.LogDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	client, err := containerd.New(cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &Containerd{
		client:    client,
		namespace: cfg.Namespace,
		logDir:    cfg.LogDir,
		logger:    log.WithComponent("containerd"),
		creds:     make(map[string]registry.Credentials),
	}, nil
}

// Close closes the containerd client connection
func (r *Containerd) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Login stores the credentials for the registry resolver. containerd has no
// login endpoint, so the credentials are checked by the first pull.
func (r *Containerd) Login(ctx context.Context, creds registry.Credentials) error {
	if creds.Username == "" {
		return &types.AuthError{Registry: creds.Host(), Err: errors.New("username is required")}
	}
	host := creds.Host()
	if host == "docker.io" {
		host = dockerHubHost
	}
	r.mu.Lock()
	r.creds[host] = creds
	r.mu.Unlock()
	return nil
}

func (r *Containerd) resolver() remotes.Resolver {
	authorizer := docker.NewDockerAuthorizer(docker.WithAuthCreds(func(host string) (string, string, error) {
		r.mu.RLock()
		defer r.mu.RUnlock()
		if c, ok := r.creds[host]; ok {
			return c.Username, c.Password, nil
		}
		return "", "", nil
	}))
	return docker.NewResolver(docker.ResolverOptions{
		Hosts: docker.ConfigureDefaultRegistries(docker.WithAuthorizer(authorizer)),
	})
}

// normalizeRef returns the fully qualified reference containerd stores
// images under (docker.io/library/nginx:latest)
func normalizeRef(ref string) (string, error) {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return "", fmt.Errorf("invalid image reference %s: %w", ref, err)
	}
	return reference.TagNameOnly(named).String(), nil
}

// Pull pulls and unpacks a container image
func (r *Containerd) Pull(ctx context.Context, ref string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	name, err := normalizeRef(ref)
	if err != nil {
		return err
	}
	if _, err := r.client.Pull(ctx, name, containerd.WithPullUnpack, containerd.WithResolver(r.resolver())); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

// LookupDigest resolves the manifest digest of ref in its registry
func (r *Containerd) LookupDigest(ctx context.Context, ref reference.Named) (types.ImageDigest, error) {
	_, desc, err := r.resolver().Resolve(ctx, reference.TagNameOnly(ref).String())
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", ref, err)
	}
	return descriptorDigest(desc), nil
}

func descriptorDigest(desc ocispec.Descriptor) types.ImageDigest {
	return types.ImageDigest(desc.Digest.String())
}

// List returns the project's containers in the namespace
func (r *Containerd) List(ctx context.Context, project string) ([]types.ContainerSummary, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	containers, err := r.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var out []types.ContainerSummary
	for _, c := range containers {
		labels, err := c.Labels(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get labels of %s: %w", c.ID(), err)
		}
		summary := types.ContainerSummary{
			ID:     c.ID(),
			Name:   c.ID(),
			Labels: labels,
		}
		if !InProject(summary, project) {
			continue
		}
		summary.State, _ = r.taskState(ctx, c)
		out = append(out, summary)
	}

	return out, nil
}

// taskState maps the container's task status onto an InstanceState
func (r *Containerd) taskState(ctx context.Context, c containerd.Container) (types.InstanceState, int) {
	task, err := c.Task(ctx, nil)
	if err != nil {
		// No task means the container is not running
		return types.InstanceExited, 0
	}

	status, err := task.Status(ctx)
	if err != nil {
		return types.InstanceUnknown, 0
	}

	switch status.Status {
	case containerd.Running, containerd.Paused, containerd.Pausing:
		return types.InstanceRunning, 0
	case containerd.Stopped:
		return types.InstanceExited, int(status.ExitStatus)
	case containerd.Created:
		return types.InstanceExited, 0
	default:
		return types.InstanceUnknown, 0
	}
}

// Inspect returns the container state and the manifest digest of its image
func (r *Containerd) Inspect(ctx context.Context, id string) (types.RunningInstance, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	c, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return types.RunningInstance{}, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return types.RunningInstance{}, fmt.Errorf("failed to load container %s: %w", id, err)
	}

	inst := types.RunningInstance{
		ContainerID:   c.ID(),
		ContainerName: c.ID(),
	}
	inst.State, inst.ExitCode = r.taskState(ctx, c)

	img, err := c.Image(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Str("container", id).Msg("Failed to load container image")
		return inst, nil
	}
	inst.Image = img.Name()
	inst.ImageDigest = descriptorDigest(img.Target())
	inst.DigestSource = types.DigestSourceRegistry
	return inst, nil
}

// Start creates a container from the pulled image and starts its task
func (r *Containerd) Start(ctx context.Context, req StartRequest) (string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	name, err := normalizeRef(req.Image)
	if err != nil {
		return "", err
	}
	image, err := r.client.GetImage(ctx, name)
	if err != nil {
		return "", fmt.Errorf("failed to get image %s: %w", req.Image, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(req.Env()),
		oci.WithHostNamespace(specs.NetworkNamespace),
		oci.WithHostHostsFile,
		oci.WithHostResolvconf,
	}
	if len(req.Spec.Command) > 0 {
		opts = append(opts, oci.WithProcessArgs(req.Spec.Command...))
	}
	if len(req.Spec.Mounts) > 0 {
		mounts := make([]specs.Mount, 0, len(req.Spec.Mounts))
		for _, m := range req.Spec.Mounts {
			options := []string{"rbind"}
			if m.ReadOnly {
				options = append(options, "ro")
			}
			mounts = append(mounts, specs.Mount{
				Source:      m.Source,
				Destination: m.Target,
				Type:        "bind",
				Options:     options,
			})
		}
		opts = append(opts, oci.WithMounts(mounts))
	}
	if len(req.Spec.Ports) > 0 {
		return "", fmt.Errorf("%s: port mappings are not supported with host networking", req.Spec.Name)
	}

	policyOpts, err := restartOpts(req.Spec.RestartPolicy)
	if err != nil {
		return "", err
	}

	id := req.Name()
	containerOpts := []containerd.NewContainerOpts{
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(req.Labels()),
	}
	container, err := r.client.NewContainer(ctx, id, append(containerOpts, policyOpts...)...)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	if err := r.startTask(ctx, container); err != nil {
		if delErr := container.Delete(context.WithoutCancel(ctx), containerd.WithSnapshotCleanup); delErr != nil {
			r.logger.Warn().Err(delErr).Str("container", id).Msg("Failed to delete container after start failure")
		}
		return "", err
	}

	return container.ID(), nil
}

// restartOpts labels the container for containerd's restart monitor, which
// must be enabled on the host for the policy to take effect
func restartOpts(p types.RestartPolicy) ([]containerd.NewContainerOpts, error) {
	name := restartPolicyName(p)
	if name == "no" {
		return nil, nil
	}
	policy, err := restart.NewPolicy(name)
	if err != nil {
		return nil, fmt.Errorf("restart policy %q: %w", p, err)
	}
	return []containerd.NewContainerOpts{
		restart.WithStatus(containerd.Running),
		restart.WithPolicy(policy),
	}, nil
}

func (r *Containerd) startTask(ctx context.Context, container containerd.Container) error {
	task, err := container.NewTask(ctx, cio.LogFile(r.logPath(container.ID())))
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		_, _ = task.Delete(ctx, containerd.WithProcessKill)
		return fmt.Errorf("failed to start task: %w", err)
	}
	return nil
}

// EnsureRunning starts a new task when the container has none or its task
// has exited
func (r *Containerd) EnsureRunning(ctx context.Context, id string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("failed to load container %s: %w", id, err)
	}

	if task, err := container.Task(ctx, nil); err == nil {
		status, err := task.Status(ctx)
		if err != nil {
			return fmt.Errorf("failed to get task status: %w", err)
		}
		if status.Status == containerd.Running {
			return nil
		}
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil {
			return fmt.Errorf("failed to delete stale task: %w", err)
		}
	}

	return r.startTask(ctx, container)
}

// Stop sends SIGTERM, then SIGKILL once timeout elapses, and deletes the task
func (r *Containerd) Stop(ctx context.Context, id string, timeout time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load container %s: %w", id, err)
	}

	// Otherwise the restart monitor brings the task back
	if err := container.Update(ctx, restart.WithNoRestarts); err != nil {
		r.logger.Warn().Err(err).Str("container", id).Msg("Failed to clear restart labels")
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// Task might not exist (container not running)
		return nil
	}

	// Wait must be registered before the signal so the exit is not missed
	statusC, err := task.Wait(ctx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	if err := task.Kill(ctx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to kill task: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-statusC:
	case <-timer.C:
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
		<-statusC
	case <-ctx.Done():
		return ctx.Err()
	}

	if _, err := task.Delete(ctx); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// Remove deletes the container, any leftover task, and its snapshot
func (r *Containerd) Remove(ctx context.Context, id string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load container %s: %w", id, err)
	}

	if task, err := container.Task(ctx, nil); err == nil {
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to delete task: %w", err)
		}
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}
	return nil
}

// Logs returns the last tail lines of the container's log file
func (r *Containerd) Logs(ctx context.Context, id string, tail int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f, err := os.Open(r.logPath(id))
	if err != nil {
		return "", fmt.Errorf("failed to open logs for %s: %w", id, err)
	}
	defer f.Close()
	return tailLines(f, tail)
}

func (r *Containerd) logPath(id string) string {
	return filepath.Join(r.logDir, id+".log")
}

// maxTailBytes bounds how much of a log file is read for a tail
const maxTailBytes = 1 << 20

// tailLines returns the last n lines from the end of f
func tailLines(f *os.File, n int) (string, error) {
	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	offset := info.Size() - maxTailBytes
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return "", err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	return lastLines(string(data), n), nil
}

// lastLines keeps the final n lines of s
func lastLines(s string, n int) string {
	if n <= 0 {
		return s
	}
	lines := strings.SplitAfter(s, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "")
}
