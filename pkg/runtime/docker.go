package runtime

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dockerclient "github.com/docker/docker/client"
	dockererrdefs "github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"

	"github.com/roost-run/roost/pkg/errdefs"
	"github.com/roost-run/roost/pkg/types"
)

// DockerRuntime implements Runtime using the Docker Engine API. It is
// selected with --runtime=docker on hosts that run dockerd instead of
// a bare containerd.
type DockerRuntime struct {
	client      *dockerclient.Client
	callTimeout time.Duration
}

// NewDockerRuntime creates a docker-backed runtime adapter. It uses the
// DOCKER_HOST env var or the default socket path.
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerRuntime{client: cli, callTimeout: DefaultCallTimeout}, nil
}

// Close releases the client connection.
func (r *DockerRuntime) Close() error {
	return r.client.Close()
}

func (r *DockerRuntime) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, r.callTimeout)
}

// Create makes a container under the derived name. If the name is
// already taken by a roost-managed container, that container is
// adopted and its ref returned.
func (r *DockerRuntime) Create(ctx context.Context, spec *types.ToolInstanceSpec) (string, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	name := types.ContainerNameFor(spec.InstanceName)

	if existing, err := r.LookupByName(ctx, spec.InstanceName); err == nil {
		observeCall("create", "adopted")
		return existing.Ref, nil
	} else if !errdefs.IsNotFound(err) {
		observeCall("create", "error")
		return "", err
	}

	exposed, bindings, err := portBindings(spec.Ports)
	if err != nil {
		observeCall("create", "error")
		return "", errdefs.Permanent(fmt.Errorf("port bindings: %w", err))
	}

	containerCfg := &container.Config{
		Image:        spec.Image,
		Env:          envList(spec.Env),
		Labels:       managedLabels(spec),
		ExposedPorts: exposed,
	}

	hostCfg := &container.HostConfig{
		PortBindings: bindings,
	}
	if spec.ScratchDir != "" {
		hostCfg.Binds = []string{spec.ScratchDir + ":/scratch:rw"}
	}

	resp, err := r.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		// Name collision: a concurrent retry created it first. Adopt.
		if dockererrdefs.IsConflict(err) {
			if existing, lerr := r.LookupByName(ctx, spec.InstanceName); lerr == nil {
				observeCall("create", "adopted")
				return existing.Ref, nil
			}
		}
		observeCall("create", "error")
		return "", classifyDockerErr(fmt.Errorf("create container: %w", err))
	}

	observeCall("create", "ok")
	return resp.ID, nil
}

// Start starts the container. Docker treats starting a running
// container as a no-op, which matches the contract.
func (r *DockerRuntime) Start(ctx context.Context, ref string) error {
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	if err := r.client.ContainerStart(ctx, ref, container.StartOptions{}); err != nil {
		observeCall("start", "error")
		return classifyDockerErr(fmt.Errorf("start container %s: %w", ref, err))
	}
	observeCall("start", "ok")
	return nil
}

// Stop gracefully stops the container, force-killing after timeout.
func (r *DockerRuntime) Stop(ctx context.Context, ref string, timeout time.Duration) error {
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	secs := int(timeout.Seconds())
	if err := r.client.ContainerStop(ctx, ref, container.StopOptions{Timeout: &secs}); err != nil {
		if dockerclient.IsErrNotFound(err) {
			observeCall("stop", "noop")
			return nil
		}
		observeCall("stop", "error")
		return classifyDockerErr(fmt.Errorf("stop container %s: %w", ref, err))
	}
	observeCall("stop", "ok")
	return nil
}

// Remove force-removes the container. Absent containers are a no-op.
func (r *DockerRuntime) Remove(ctx context.Context, ref string) error {
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	err := r.client.ContainerRemove(ctx, ref, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: false,
	})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		observeCall("remove", "error")
		return classifyDockerErr(fmt.Errorf("remove container %s: %w", ref, err))
	}
	observeCall("remove", "ok")
	return nil
}

// Inspect returns the live state of the container.
func (r *DockerRuntime) Inspect(ctx context.Context, ref string) (Observation, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	inspect, err := r.client.ContainerInspect(ctx, ref)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return Observation{State: types.StateMissing}, nil
		}
		return Observation{State: types.StateUnknown}, classifyDockerErr(fmt.Errorf("inspect container %s: %w", ref, err))
	}

	obs := Observation{
		State:    parseDockerState(inspect.State.Status),
		ExitCode: inspect.State.ExitCode,
		Error:    inspect.State.Error,
	}
	obs.StartedAt, _ = time.Parse(time.RFC3339Nano, inspect.State.StartedAt)
	obs.FinishedAt, _ = time.Parse(time.RFC3339Nano, inspect.State.FinishedAt)
	return obs, nil
}

// ListManaged returns all roost-labelled containers, running or not.
func (r *DockerRuntime) ListManaged(ctx context.Context) ([]Container, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	containers, err := r.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", types.LabelManagedBy+"="+types.ManagedByValue),
		),
	})
	if err != nil {
		observeCall("list", "error")
		return nil, classifyDockerErr(fmt.Errorf("list containers: %w", err))
	}

	out := make([]Container, 0, len(containers))
	for _, c := range containers {
		out = append(out, Container{
			Ref:          c.ID,
			InstanceName: c.Labels[types.LabelInstanceName],
			InstanceID:   c.Labels[types.LabelInstanceID],
			SpecVersion:  specVersionFrom(c.Labels),
			State:        parseDockerState(c.State),
		})
	}

	observeCall("list", "ok")
	return out, nil
}

// LookupByName finds the managed container for one instance name.
func (r *DockerRuntime) LookupByName(ctx context.Context, instanceName string) (Container, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	containers, err := r.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", types.LabelManagedBy+"="+types.ManagedByValue),
			filters.Arg("label", types.LabelInstanceName+"="+instanceName),
		),
	})
	if err != nil {
		return Container{}, classifyDockerErr(fmt.Errorf("list containers: %w", err))
	}
	if len(containers) == 0 {
		return Container{}, errdefs.NotFoundf("no container for instance %q", instanceName)
	}

	c := containers[0]
	return Container{
		Ref:          c.ID,
		InstanceName: c.Labels[types.LabelInstanceName],
		InstanceID:   c.Labels[types.LabelInstanceID],
		SpecVersion:  specVersionFrom(c.Labels),
		State:        parseDockerState(c.State),
	}, nil
}

// Ping checks the engine connection.
func (r *DockerRuntime) Ping(ctx context.Context) error {
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	if _, err := r.client.Ping(ctx); err != nil {
		return errdefs.Transient(fmt.Errorf("docker unreachable: %w", err))
	}
	return nil
}

// parseDockerState maps docker's container state strings onto the
// roost actual-state vocabulary.
func parseDockerState(s string) types.ActualState {
	switch strings.ToLower(s) {
	case "running", "paused", "restarting":
		return types.StateRunning
	case "created", "exited", "dead":
		return types.StateStopped
	case "removing":
		return types.StateUnknown
	default:
		return types.StateUnknown
	}
}

// portBindings translates spec port mappings into docker's nat types.
func portBindings(ports []types.PortBinding) (nat.PortSet, nat.PortMap, error) {
	if len(ports) == 0 {
		return nil, nil, nil
	}

	exposed := make(nat.PortSet, len(ports))
	bindings := make(nat.PortMap, len(ports))
	for _, p := range ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		port, err := nat.NewPort(proto, strconv.Itoa(p.ContainerPort))
		if err != nil {
			return nil, nil, err
		}
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostPort: strconv.Itoa(p.HostPort)}}
	}
	return exposed, bindings, nil
}

// classifyDockerErr folds raw engine errors into the taxonomy.
func classifyDockerErr(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case dockerclient.IsErrNotFound(err):
		if strings.Contains(msg, "no such image") || strings.Contains(msg, "manifest") {
			return errdefs.Permanent(err)
		}
		return errdefs.NotFound(err)
	case strings.Contains(msg, "invalid reference format"),
		strings.Contains(msg, "invalid container config"):
		return errdefs.Permanent(err)
	default:
		return errdefs.Transient(err)
	}
}
