package collectors

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"quo/internal/logging"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// ContainerProcess is the init process of a running container.
type ContainerProcess struct {
	ID    string
	Name  string
	Image string
	PID   int
}

type dockerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	Close() error
}

// ContainerSource lists the host pids of running Docker containers.
type ContainerSource struct {
	client dockerAPI
}

func NewContainerSource() (*ContainerSource, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return &ContainerSource{client: cli}, nil
}

// RunningContainers returns running containers ordered by name. Containers
// that stop between listing and inspection are skipped.
func (cs *ContainerSource) RunningContainers(ctx context.Context) ([]ContainerProcess, error) {
	logger := logging.GetLogger()

	list, err := cs.client.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var procs []ContainerProcess
	for _, c := range list {
		info, err := cs.client.ContainerInspect(ctx, c.ID)
		if err != nil {
			logger.WithField("container_id", shortID(c.ID)).WithError(err).Warn("Failed to inspect container")
			continue
		}
		if info.ContainerJSONBase == nil || info.State == nil || !info.State.Running || info.State.Pid <= 0 {
			continue
		}
		name := strings.TrimPrefix(info.Name, "/")
		if name == "" && len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		image := c.Image
		if info.Config != nil && info.Config.Image != "" {
			image = info.Config.Image
		}
		procs = append(procs, ContainerProcess{
			ID:    c.ID,
			Name:  name,
			Image: image,
			PID:   info.State.Pid,
		})
	}

	sort.Slice(procs, func(i, j int) bool { return procs[i].Name < procs[j].Name })
	return procs, nil
}

func (cs *ContainerSource) Close() error {
	if cs.client != nil {
		return cs.client.Close()
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
