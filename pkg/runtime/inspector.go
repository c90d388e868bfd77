package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/rollout/pkg/log"
	"github.com/cuemby/rollout/pkg/types"
	"github.com/rs/zerolog"
)

// Inspector reports which manifest services currently have running
// containers. It never caches: every call queries the runtime.
type Inspector struct {
	runtime Runtime
	project string
	logger  zerolog.Logger
}

// NewInspector creates an inspector for the project's containers
func NewInspector(rt Runtime, project string) *Inspector {
	return &Inspector{
		runtime: rt,
		project: project,
		logger:  log.WithComponent("inspector"),
	}
}

// ListRunningInstances returns the running containers attributed to the
// named services. Services without a running container are absent from the
// result; a runtime with no containers at all yields an empty slice.
func (i *Inspector) ListRunningInstances(ctx context.Context, serviceNames []string) ([]types.RunningInstance, error) {
	containers, err := i.runtime.List(ctx, i.project)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	instances := make([]types.RunningInstance, 0, len(serviceNames))
	for _, c := range containers {
		if c.State != types.InstanceRunning {
			continue
		}
		service, ok := i.attribute(c, serviceNames)
		if !ok {
			continue
		}

		inst, err := i.runtime.Inspect(ctx, c.ID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// Removed between list and inspect
				continue
			}
			return nil, fmt.Errorf("failed to inspect container %s: %w", c.Name, err)
		}
		if inst.State != types.InstanceRunning {
			continue
		}
		inst.ServiceName = service
		if inst.ContainerName == "" {
			inst.ContainerName = c.Name
		}

		i.logger.Debug().
			Str("service", service).
			Str("container", inst.ContainerName).
			Str("digest", inst.ImageDigest.Short()).
			Msg("Found running instance")
		instances = append(instances, inst)
	}

	return instances, nil
}

// attribute maps a container to a service by label first, then by exact
// conventional name
func (i *Inspector) attribute(c types.ContainerSummary, serviceNames []string) (string, bool) {
	if c.Labels[LabelProject] == i.project {
		if svc := c.Labels[LabelService]; svc != "" {
			for _, name := range serviceNames {
				if name == svc {
					return name, true
				}
			}
		}
	}
	for _, name := range serviceNames {
		if c.Name == ContainerName(i.project, name) {
			return name, true
		}
	}
	return "", false
}

// GroupByService indexes instances by service name
func GroupByService(instances []types.RunningInstance) map[string][]types.RunningInstance {
	grouped := make(map[string][]types.RunningInstance)
	for _, inst := range instances {
		grouped[inst.ServiceName] = append(grouped[inst.ServiceName], inst)
	}
	return grouped
}
