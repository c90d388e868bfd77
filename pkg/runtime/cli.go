package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"

	"github.com/cuemby/rollout/pkg/executil"
	"github.com/cuemby/rollout/pkg/log"
	"github.com/cuemby/rollout/pkg/registry"
	"github.com/cuemby/rollout/pkg/types"
)

// DockerCLI implements Runtime by running the docker CLI through an
// executor, which is how remote hosts are driven
type DockerCLI struct {
	ex     executil.Executor
	binary string
	logger zerolog.Logger
}

var _ Runtime = (*DockerCLI)(nil)

// NewDockerCLI creates a CLI runtime on top of ex
func NewDockerCLI(ex executil.Executor) *DockerCLI {
	return &DockerCLI{ex: ex, binary: "docker", logger: log.WithComponent("docker-cli")}
}

// UsesBundleFile reports that secrets are passed with --env-file so they
// never appear on a command line
func (d *DockerCLI) UsesBundleFile() bool { return true }

// Close does nothing; the executor belongs to the target
func (d *DockerCLI) Close() error {
	return nil
}

func (d *DockerCLI) run(ctx context.Context, args ...string) (executil.Result, error) {
	return executil.Check(ctx, d.ex, executil.Cmd(append([]string{d.binary}, args...)...))
}

// isNoSuchContainer reports whether the CLI failed because the container is gone
func isNoSuchContainer(err error) bool {
	var exitErr *executil.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	return strings.Contains(exitErr.Stderr, "No such container") ||
		strings.Contains(exitErr.Stderr, "No such object")
}

// Login runs docker login with the password on stdin
func (d *DockerCLI) Login(ctx context.Context, creds registry.Credentials) error {
	args := []string{d.binary, "login", "--username", creds.Username, "--password-stdin"}
	if creds.Server != "" {
		args = append(args, creds.Server)
	}
	cmd := executil.Cmd(args...).WithStdin(strings.NewReader(creds.Password))
	if _, err := executil.Check(ctx, d.ex, cmd); err != nil {
		return &types.AuthError{Registry: creds.Host(), Err: err}
	}
	return nil
}

// Pull runs docker pull
func (d *DockerCLI) Pull(ctx context.Context, ref string) error {
	if _, err := d.run(ctx, "pull", "--quiet", ref); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

// LookupDigest reads the manifest digest of ref from the registry with
// buildx imagetools, the same listing docker push reports
func (d *DockerCLI) LookupDigest(ctx context.Context, ref reference.Named) (types.ImageDigest, error) {
	res, err := d.run(ctx, "buildx", "imagetools", "inspect", ref.String(), "--format", "{{json .Manifest}}")
	if err != nil {
		return "", fmt.Errorf("failed to inspect %s in registry: %w", ref, err)
	}

	var desc ocispec.Descriptor
	if err := json.Unmarshal([]byte(strings.TrimSpace(res.Stdout)), &desc); err != nil {
		return "", fmt.Errorf("failed to decode manifest descriptor of %s: %w", ref, err)
	}
	if err := desc.Digest.Validate(); err != nil {
		return "", fmt.Errorf("invalid digest for %s: %w", ref, err)
	}
	return types.ImageDigest(desc.Digest.String()), nil
}

// psEntry is one line of docker ps --format '{{json .}}'
type psEntry struct {
	ID     string `json:"ID"`
	Names  string `json:"Names"`
	State  string `json:"State"`
	Labels string `json:"Labels"`
}

// List runs docker ps for all containers and keeps the project's
func (d *DockerCLI) List(ctx context.Context, project string) ([]types.ContainerSummary, error) {
	res, err := d.run(ctx, "ps", "-a", "--no-trunc", "--format", "{{json .}}")
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var out []types.ContainerSummary
	scanner := bufio.NewScanner(strings.NewReader(res.Stdout))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry psEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, fmt.Errorf("failed to decode docker ps output: %w", err)
		}
		summary := types.ContainerSummary{
			ID:     entry.ID,
			Name:   strings.TrimPrefix(strings.Split(entry.Names, ",")[0], "/"),
			State:  ParseState(entry.State),
			Labels: parseLabels(entry.Labels),
		}
		if InProject(summary, project) {
			out = append(out, summary)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read docker ps output: %w", err)
	}
	return out, nil
}

// parseLabels parses docker ps' "k=v,k2=v2" label column
func parseLabels(s string) map[string]string {
	labels := make(map[string]string)
	if s == "" {
		return labels
	}
	for _, pair := range strings.Split(s, ",") {
		k, v, _ := strings.Cut(pair, "=")
		labels[k] = v
	}
	return labels
}

type containerInspect struct {
	ID    string `json:"Id"`
	Name  string `json:"Name"`
	Image string `json:"Image"`
	State struct {
		Status   string `json:"Status"`
		Running  bool   `json:"Running"`
		ExitCode int    `json:"ExitCode"`
	} `json:"State"`
	Config struct {
		Image string `json:"Image"`
	} `json:"Config"`
}

type imageInspect struct {
	ID          string   `json:"Id"`
	RepoDigests []string `json:"RepoDigests"`
}

func (d *DockerCLI) inspectContainer(ctx context.Context, id string) (containerInspect, error) {
	res, err := d.run(ctx, "container", "inspect", id)
	if err != nil {
		if isNoSuchContainer(err) {
			return containerInspect{}, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return containerInspect{}, fmt.Errorf("failed to inspect container %s: %w", id, err)
	}
	var infos []containerInspect
	if err := json.Unmarshal([]byte(res.Stdout), &infos); err != nil {
		return containerInspect{}, fmt.Errorf("failed to decode inspect output of %s: %w", id, err)
	}
	if len(infos) != 1 {
		return containerInspect{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return infos[0], nil
}

// Inspect returns container state and image digest, the repo digest when
// the image came from a registry and the image ID otherwise
func (d *DockerCLI) Inspect(ctx context.Context, id string) (types.RunningInstance, error) {
	info, err := d.inspectContainer(ctx, id)
	if err != nil {
		return types.RunningInstance{}, err
	}

	inst := types.RunningInstance{
		ContainerID:   info.ID,
		ContainerName: strings.TrimPrefix(info.Name, "/"),
		Image:         info.Config.Image,
		State:         ParseState(info.State.Status),
		ExitCode:      info.State.ExitCode,
	}

	res, err := d.run(ctx, "image", "inspect", info.Image)
	if err != nil {
		d.logger.Warn().Err(err).Str("container", inst.ContainerName).Msg("Failed to inspect container image")
		return inst, nil
	}
	var imgs []imageInspect
	if err := json.Unmarshal([]byte(res.Stdout), &imgs); err != nil {
		d.logger.Warn().Err(err).Str("container", inst.ContainerName).Msg("Failed to decode image inspect output")
		return inst, nil
	}
	if len(imgs) != 1 {
		d.logger.Warn().Int("images", len(imgs)).Str("container", inst.ContainerName).Msg("Unexpected image inspect output")
		return inst, nil
	}

	if dg, ok := RepoDigestFor(inst.Image, imgs[0].RepoDigests); ok {
		inst.ImageDigest = dg
		inst.DigestSource = types.DigestSourceRegistry
	} else if _, err := digest.Parse(imgs[0].ID); err == nil {
		inst.ImageDigest = types.ImageDigest(imgs[0].ID)
		inst.DigestSource = types.DigestSourceImageID
	}
	return inst, nil
}

// Start runs docker run -d and returns the new container ID
func (d *DockerCLI) Start(ctx context.Context, req StartRequest) (string, error) {
	args := []string{"run", "-d", "--name", req.Name()}

	labels := req.Labels()
	for _, k := range sortedKeys(labels) {
		args = append(args, "--label", k+"="+labels[k])
	}
	args = append(args, "--restart", restartPolicyName(req.Spec.RestartPolicy))
	if req.BundleFile != "" {
		args = append(args, "--env-file", req.BundleFile)
	}
	for _, kv := range req.Env() {
		args = append(args, "-e", kv)
	}
	for _, p := range req.Spec.Ports {
		args = append(args, "-p", p)
	}
	for _, m := range req.Spec.Mounts {
		v := m.Source + ":" + m.Target
		if m.ReadOnly {
			v += ":ro"
		}
		args = append(args, "-v", v)
	}
	args = append(args, req.Image)
	args = append(args, req.Spec.Command...)

	res, err := d.run(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("failed to start container %s: %w", req.Name(), err)
	}
	id := strings.TrimSpace(res.Stdout)
	if id == "" {
		return "", fmt.Errorf("docker run for %s returned no container id", req.Name())
	}
	return id, nil
}

// EnsureRunning starts the container unless it is already running
func (d *DockerCLI) EnsureRunning(ctx context.Context, id string) error {
	info, err := d.inspectContainer(ctx, id)
	if err != nil {
		return err
	}
	if info.State.Running {
		return nil
	}
	if _, err := d.run(ctx, "start", id); err != nil {
		return fmt.Errorf("failed to start container %s: %w", id, err)
	}
	return nil
}

// Stop runs docker stop; a missing container is already stopped
func (d *DockerCLI) Stop(ctx context.Context, id string, timeout time.Duration) error {
	secs := strconv.Itoa(int(timeout.Seconds()))
	if _, err := d.run(ctx, "stop", "-t", secs, id); err != nil {
		if isNoSuchContainer(err) {
			return nil
		}
		return fmt.Errorf("failed to stop container %s: %w", id, err)
	}
	return nil
}

// Remove runs docker rm -f; a missing container is already removed
func (d *DockerCLI) Remove(ctx context.Context, id string) error {
	if _, err := d.run(ctx, "rm", "-f", id); err != nil {
		if isNoSuchContainer(err) {
			return nil
		}
		return fmt.Errorf("failed to remove container %s: %w", id, err)
	}
	return nil
}

// Logs runs docker logs --tail. Stdout precedes stderr in the result.
func (d *DockerCLI) Logs(ctx context.Context, id string, tail int) (string, error) {
	res, err := d.run(ctx, "logs", "--tail", strconv.Itoa(tail), id)
	if err != nil {
		return res.Stdout + res.Stderr, fmt.Errorf("failed to get logs for %s: %w", id, err)
	}
	return res.Stdout + res.Stderr, nil
}
