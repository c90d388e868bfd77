package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/distribution/reference"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	dockerregistry "github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"

	"github.com/cuemby/rollout/pkg/log"
	"github.com/cuemby/rollout/pkg/registry"
	"github.com/cuemby/rollout/pkg/types"
)

// Docker implements Runtime with the Docker Engine API
type Docker struct {
	cli    *client.Client
	logger zerolog.Logger

	mu   sync.RWMutex
	auth map[string]string // registry host -> encoded auth
}

var _ Runtime = (*Docker)(nil)

// NewDocker connects to the daemon named by DOCKER_HOST, or the default socket
func NewDocker(host string) (*Docker, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Docker{
		cli:    cli,
		logger: log.WithComponent("docker"),
		auth:   make(map[string]string),
	}, nil
}

// Close closes the client connection
func (d *Docker) Close() error {
	return d.cli.Close()
}

// Login validates credentials with the daemon and keeps them for pulls
func (d *Docker) Login(ctx context.Context, creds registry.Credentials) error {
	cfg := dockerregistry.AuthConfig{
		Username:      creds.Username,
		Password:      creds.Password,
		ServerAddress: creds.Server,
	}
	if _, err := d.cli.RegistryLogin(ctx, cfg); err != nil {
		return &types.AuthError{Registry: creds.Host(), Err: err}
	}

	encoded, err := dockerregistry.EncodeAuthConfig(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode auth for %s: %w", creds.Host(), err)
	}

	d.mu.Lock()
	d.auth[creds.Host()] = encoded
	d.mu.Unlock()
	return nil
}

func (d *Docker) registryAuth(ref string) string {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return ""
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.auth[reference.Domain(named)]
}

// Pull pulls the image, draining the progress stream
func (d *Docker) Pull(ctx context.Context, ref string) error {
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{RegistryAuth: d.registryAuth(ref)})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer rc.Close()

	// Pull errors are reported in the stream, after the call returned
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	if _, _, err := d.cli.ImageInspectWithRaw(ctx, ref); err != nil {
		return fmt.Errorf("image %s not present after pull: %w", ref, err)
	}
	return nil
}

// LookupDigest asks the registry for the manifest digest of ref
func (d *Docker) LookupDigest(ctx context.Context, ref reference.Named) (types.ImageDigest, error) {
	info, err := d.cli.DistributionInspect(ctx, ref.String(), d.registryAuth(ref.String()))
	if err != nil {
		return "", fmt.Errorf("failed to inspect %s in registry: %w", ref, err)
	}
	return types.ImageDigest(info.Descriptor.Digest.String()), nil
}

// List returns every container of the project
func (d *Docker) List(ctx context.Context, project string) ([]types.ContainerSummary, error) {
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var out []types.ContainerSummary
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		summary := types.ContainerSummary{
			ID:     c.ID,
			Name:   name,
			State:  ParseState(c.State),
			Labels: c.Labels,
		}
		if InProject(summary, project) {
			out = append(out, summary)
		}
	}
	return out, nil
}

// Inspect returns the container state and the digest of its image. The
// digest is the repo digest matching the container's image reference when
// the image came from a registry, otherwise the local image ID.
func (d *Docker) Inspect(ctx context.Context, id string) (types.RunningInstance, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return types.RunningInstance{}, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return types.RunningInstance{}, fmt.Errorf("failed to inspect container %s: %w", id, err)
	}

	inst := types.RunningInstance{
		ContainerID:   info.ID,
		ContainerName: strings.TrimPrefix(info.Name, "/"),
		State:         types.InstanceUnknown,
	}
	if info.State != nil {
		inst.State = ParseState(info.State.Status)
		inst.ExitCode = info.State.ExitCode
	}
	if info.Config != nil {
		inst.Image = info.Config.Image
	}

	img, _, err := d.cli.ImageInspectWithRaw(ctx, info.Image)
	if err != nil {
		// Image deleted from under the container; digest stays unknown
		d.logger.Warn().Err(err).Str("container", inst.ContainerName).Msg("Failed to inspect container image")
		return inst, nil
	}
	if digest, ok := RepoDigestFor(inst.Image, img.RepoDigests); ok {
		inst.ImageDigest = digest
		inst.DigestSource = types.DigestSourceRegistry
	} else {
		inst.ImageDigest = types.ImageDigest(img.ID)
		inst.DigestSource = types.DigestSourceImageID
	}
	return inst, nil
}

// Start creates and starts the container
func (d *Docker) Start(ctx context.Context, req StartRequest) (string, error) {
	exposed, bindings, err := nat.ParsePortSpecs(req.Spec.Ports)
	if err != nil {
		return "", fmt.Errorf("invalid ports for %s: %w", req.Spec.Name, err)
	}

	config := &container.Config{
		Image:        req.Image,
		Env:          req.Env(),
		Labels:       req.Labels(),
		ExposedPorts: exposed,
	}
	if len(req.Spec.Command) > 0 {
		config.Cmd = req.Spec.Command
	}

	hostConfig := &container.HostConfig{
		PortBindings: bindings,
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyMode(restartPolicyName(req.Spec.RestartPolicy)),
		},
	}
	for _, m := range req.Spec.Mounts {
		hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	resp, err := d.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, req.Name())
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", req.Name(), err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Do not leave a created container behind to collide with the next run
		if rmErr := d.cli.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true}); rmErr != nil {
			d.logger.Warn().Err(rmErr).Str("container", req.Name()).Msg("Failed to remove container after start failure")
		}
		return "", fmt.Errorf("failed to start container %s: %w", req.Name(), err)
	}

	return resp.ID, nil
}

// EnsureRunning starts the container if it is not running
func (d *Docker) EnsureRunning(ctx context.Context, id string) error {
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("failed to inspect container %s: %w", id, err)
	}
	if info.State != nil && info.State.Running {
		return nil
	}
	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", id, err)
	}
	return nil
}

// Stop stops the container; a missing container is already stopped
func (d *Docker) Stop(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to stop container %s: %w", id, err)
	}
	return nil
}

// Remove removes the container; a missing container is already removed
func (d *Docker) Remove(ctx context.Context, id string) error {
	if err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove container %s: %w", id, err)
	}
	return nil
}

// Logs returns the last tail lines of stdout and stderr, interleaved
func (d *Docker) Logs(ctx context.Context, id string, tail int) (string, error) {
	rc, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get logs for %s: %w", id, err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return buf.String(), fmt.Errorf("failed to read logs for %s: %w", id, err)
	}
	return buf.String(), nil
}
