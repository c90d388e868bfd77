package secrets

import (
	"context"
	"fmt"
	"strings"

	"github.com/cuemby/rollout/pkg/executil"
	"github.com/cuemby/rollout/pkg/types"
)

// Doppler downloads secrets with the doppler CLI. The environment name is
// used as the doppler config.
type Doppler struct {
	ex      executil.Executor
	project string
	binary  string
}

// NewDoppler creates a provider running doppler through ex. An empty
// project uses the one configured for the working directory.
func NewDoppler(ex executil.Executor, project string) *Doppler {
	return &Doppler{ex: ex, project: project, binary: "doppler"}
}

// Name returns "doppler"
func (d *Doppler) Name() string { return "doppler" }

// Resolve runs doppler secrets download for the environment's config
func (d *Doppler) Resolve(ctx context.Context, environment string) (types.EnvBundle, error) {
	args := []string{d.binary, "secrets", "download", "--no-file", "--format", "env", "--config", environment}
	if d.project != "" {
		args = append(args, "--project", d.project)
	}

	res, err := executil.Check(ctx, d.ex, executil.Cmd(args...))
	if err != nil {
		return nil, fmt.Errorf("failed to download doppler secrets for %s: %w", environment, err)
	}

	bundle, err := ParseEnv(strings.NewReader(res.Stdout))
	if err != nil {
		return nil, fmt.Errorf("failed to parse doppler output: %w", err)
	}
	return bundle, nil
}
