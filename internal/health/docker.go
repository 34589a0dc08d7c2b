package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// containerAPI is the part of the docker client a DockerService uses.
type containerAPI interface {
	ContainerInspect(ctx context.Context, id string) (types.ContainerJSON, error)
	ContainerStart(ctx context.Context, id string, opts types.ContainerStartOptions) error
	ContainerStop(ctx context.Context, id string, opts container.StopOptions) error
}

// DockerService supervises an existing container by name or id.
type DockerService struct {
	Container string
	// StopTimeout is the grace docker gives the container before killing it.
	StopTimeout time.Duration

	api containerAPI
}

// NewDockerService connects to the docker daemon configured in the
// environment (DOCKER_HOST and friends).
func NewDockerService(containerName string) (*DockerService, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &DockerService{Container: containerName, StopTimeout: 10 * time.Second, api: cli}, nil
}

var errContainerStopped = errors.New("container not running")

// HealthCheck inspects the container. A stopped container is an error; the
// container's own HEALTHCHECK, when present, decides healthy/degraded.
func (d *DockerService) HealthCheck(ctx context.Context) (Result, error) {
	info, err := d.api.ContainerInspect(ctx, d.Container)
	if err != nil {
		return Result{}, err
	}
	if info.ContainerJSONBase == nil || info.State == nil || !info.State.Running {
		status := "unknown"
		if info.ContainerJSONBase != nil && info.State != nil {
			status = info.State.Status
		}
		return Result{}, fmt.Errorf("%w: %s", errContainerStopped, status)
	}
	if info.State.Health == nil {
		return Result{Healthy: true, Detail: "running"}, nil
	}
	switch info.State.Health.Status {
	case types.Unhealthy:
		return Result{Healthy: false, Detail: "unhealthy"}, nil
	case types.Starting:
		return Result{Healthy: true, Degraded: true, Detail: "starting"}, nil
	}
	return Result{Healthy: true, Detail: info.State.Health.Status}, nil
}

func (d *DockerService) Start(ctx context.Context) error {
	return d.api.ContainerStart(ctx, d.Container, types.ContainerStartOptions{})
}

func (d *DockerService) Stop(ctx context.Context) error {
	secs := int(d.StopTimeout.Seconds())
	return d.api.ContainerStop(ctx, d.Container, container.StopOptions{Timeout: &secs})
}
