package runtime

import (
	"context"
	"fmt"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	cerrdefs "github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/roost-run/roost/pkg/errdefs"
	"github.com/roost-run/roost/pkg/metrics"
	"github.com/roost-run/roost/pkg/types"
)

const (
	// DefaultNamespace is the containerd namespace roost containers live in
	DefaultNamespace = "roost"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// ContainerdRuntime implements Runtime using containerd.
type ContainerdRuntime struct {
	client      *containerd.Client
	namespace   string
	callTimeout time.Duration
}

// NewContainerdRuntime creates a new containerd-backed runtime adapter.
func NewContainerdRuntime(socketPath string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRuntime{
		client:      client,
		namespace:   DefaultNamespace,
		callTimeout: DefaultCallTimeout,
	}, nil
}

// Close closes the containerd client connection.
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *ContainerdRuntime) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	ctx := namespaces.WithNamespace(parent, r.namespace)
	return context.WithTimeout(ctx, r.callTimeout)
}

// Create materializes a container for the spec. The container ID is the
// derived name, so a retried create finds the existing container and
// adopts it instead of erroring.
func (r *ContainerdRuntime) Create(ctx context.Context, spec *types.ToolInstanceSpec) (string, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	id := types.ContainerNameFor(spec.InstanceName)

	// Adopt an existing container before trying to create.
	if existing, err := r.client.LoadContainer(ctx, id); err == nil {
		observeCall("create", "adopted")
		return existing.ID(), nil
	} else if !cerrdefs.IsNotFound(err) {
		observeCall("create", "error")
		return "", classifyContainerdErr(fmt.Errorf("load container %s: %w", id, err))
	}

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		if !cerrdefs.IsNotFound(err) {
			observeCall("create", "error")
			return "", classifyContainerdErr(fmt.Errorf("get image %s: %w", spec.Image, err))
		}
		image, err = r.client.Pull(ctx, spec.Image, containerd.WithPullUnpack)
		if err != nil {
			observeCall("create", "error")
			return "", classifyContainerdErr(fmt.Errorf("pull image %s: %w", spec.Image, err))
		}
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(envList(spec.Env)),
	}
	if spec.ScratchDir != "" {
		opts = append(opts, oci.WithMounts([]specs.Mount{
			{
				Source:      spec.ScratchDir,
				Destination: "/scratch",
				Type:        "bind",
				Options:     []string{"rw", "bind"},
			},
		}))
	}

	container, err := r.client.NewContainer(
		ctx,
		id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(managedLabels(spec)),
	)
	if err != nil {
		// Lost a race with a concurrent create for the same name.
		if cerrdefs.IsAlreadyExists(err) {
			if existing, lerr := r.client.LoadContainer(ctx, id); lerr == nil {
				observeCall("create", "adopted")
				return existing.ID(), nil
			}
		}
		observeCall("create", "error")
		return "", classifyContainerdErr(fmt.Errorf("create container: %w", err))
	}

	observeCall("create", "ok")
	return container.ID(), nil
}

// Start launches the container's task. A container whose task is
// already running is left alone.
func (r *ContainerdRuntime) Start(ctx context.Context, ref string) error {
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	container, err := r.client.LoadContainer(ctx, ref)
	if err != nil {
		observeCall("start", "error")
		return classifyContainerdErr(fmt.Errorf("load container %s: %w", ref, err))
	}

	if task, err := container.Task(ctx, nil); err == nil {
		status, serr := task.Status(ctx)
		if serr == nil && status.Status == containerd.Running {
			observeCall("start", "noop")
			return nil
		}
		// A finished task must be deleted before a new one can start.
		if _, derr := task.Delete(ctx); derr != nil && !cerrdefs.IsNotFound(derr) {
			observeCall("start", "error")
			return classifyContainerdErr(fmt.Errorf("delete stale task: %w", derr))
		}
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		observeCall("start", "error")
		return classifyContainerdErr(fmt.Errorf("create task: %w", err))
	}

	if err := task.Start(ctx); err != nil {
		observeCall("start", "error")
		return classifyContainerdErr(fmt.Errorf("start task: %w", err))
	}

	observeCall("start", "ok")
	return nil
}

// Stop sends SIGTERM, waits up to timeout, then SIGKILLs. The task is
// deleted afterwards so the container can be restarted or removed.
func (r *ContainerdRuntime) Stop(ctx context.Context, ref string, timeout time.Duration) error {
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	container, err := r.client.LoadContainer(ctx, ref)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			observeCall("stop", "noop")
			return nil
		}
		observeCall("stop", "error")
		return classifyContainerdErr(fmt.Errorf("load container %s: %w", ref, err))
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task means the container is not running.
		observeCall("stop", "noop")
		return nil
	}

	stopCtx, stopCancel := context.WithTimeout(ctx, timeout)
	defer stopCancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil && !cerrdefs.IsNotFound(err) {
		observeCall("stop", "error")
		return classifyContainerdErr(fmt.Errorf("signal task: %w", err))
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		observeCall("stop", "error")
		return classifyContainerdErr(fmt.Errorf("wait for task: %w", err))
	}

	select {
	case <-statusC:
		// Task exited
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !cerrdefs.IsNotFound(err) {
			observeCall("stop", "error")
			return classifyContainerdErr(fmt.Errorf("force kill task: %w", err))
		}
	}

	if _, err := task.Delete(ctx); err != nil && !cerrdefs.IsNotFound(err) {
		observeCall("stop", "error")
		return classifyContainerdErr(fmt.Errorf("delete task: %w", err))
	}

	observeCall("stop", "ok")
	return nil
}

// Remove deletes the container and its snapshot. Absent containers are
// a no-op so removal is idempotent.
func (r *ContainerdRuntime) Remove(ctx context.Context, ref string) error {
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	container, err := r.client.LoadContainer(ctx, ref)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			observeCall("remove", "noop")
			return nil
		}
		observeCall("remove", "error")
		return classifyContainerdErr(fmt.Errorf("load container %s: %w", ref, err))
	}

	if err := r.Stop(ctx, ref, 10*time.Second); err != nil {
		observeCall("remove", "error")
		return err
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !cerrdefs.IsNotFound(err) {
		observeCall("remove", "error")
		return classifyContainerdErr(fmt.Errorf("delete container: %w", err))
	}

	observeCall("remove", "ok")
	return nil
}

// Inspect returns the live state of a container, StateMissing if the
// engine no longer knows it.
func (r *ContainerdRuntime) Inspect(ctx context.Context, ref string) (Observation, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	container, err := r.client.LoadContainer(ctx, ref)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return Observation{State: types.StateMissing}, nil
		}
		return Observation{State: types.StateUnknown}, classifyContainerdErr(fmt.Errorf("load container %s: %w", ref, err))
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// Created but never started, or stopped with the task deleted.
		return Observation{State: types.StateStopped}, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return Observation{State: types.StateUnknown}, classifyContainerdErr(fmt.Errorf("task status: %w", err))
	}

	obs := Observation{ExitCode: int(status.ExitStatus)}
	switch status.Status {
	case containerd.Running, containerd.Paused, containerd.Pausing:
		obs.State = types.StateRunning
	case containerd.Stopped:
		obs.State = types.StateStopped
		if status.ExitStatus != 0 {
			obs.Error = fmt.Sprintf("exited with status %d", status.ExitStatus)
		}
	case containerd.Created:
		obs.State = types.StateStopped
	default:
		obs.State = types.StateUnknown
	}
	return obs, nil
}

// ListManaged returns every roost-labelled container in the namespace.
func (r *ContainerdRuntime) ListManaged(ctx context.Context) ([]Container, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	filter := fmt.Sprintf(`labels.%q==%q`, types.LabelManagedBy, types.ManagedByValue)
	containers, err := r.client.Containers(ctx, filter)
	if err != nil {
		observeCall("list", "error")
		return nil, classifyContainerdErr(fmt.Errorf("list containers: %w", err))
	}

	out := make([]Container, 0, len(containers))
	for _, c := range containers {
		labels, err := c.Labels(ctx)
		if err != nil {
			continue
		}
		obs, err := r.Inspect(ctx, c.ID())
		if err != nil {
			obs = Observation{State: types.StateUnknown}
		}
		out = append(out, Container{
			Ref:          c.ID(),
			InstanceName: labels[types.LabelInstanceName],
			InstanceID:   labels[types.LabelInstanceID],
			SpecVersion:  specVersionFrom(labels),
			State:        obs.State,
		})
	}

	observeCall("list", "ok")
	return out, nil
}

// LookupByName finds the managed container for one instance name.
func (r *ContainerdRuntime) LookupByName(ctx context.Context, instanceName string) (Container, error) {
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	id := types.ContainerNameFor(instanceName)
	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return Container{}, errdefs.NotFoundf("no container for instance %q", instanceName)
		}
		return Container{}, classifyContainerdErr(fmt.Errorf("load container %s: %w", id, err))
	}

	labels, err := container.Labels(ctx)
	if err != nil {
		return Container{}, classifyContainerdErr(fmt.Errorf("container labels: %w", err))
	}
	if labels[types.LabelManagedBy] != types.ManagedByValue {
		return Container{}, errdefs.NotFoundf("container %q exists but is not roost-managed", id)
	}

	obs, err := r.Inspect(ctx, container.ID())
	if err != nil {
		obs = Observation{State: types.StateUnknown}
	}

	return Container{
		Ref:          container.ID(),
		InstanceName: labels[types.LabelInstanceName],
		InstanceID:   labels[types.LabelInstanceID],
		SpecVersion:  specVersionFrom(labels),
		State:        obs.State,
	}, nil
}

// Ping checks the engine connection.
func (r *ContainerdRuntime) Ping(ctx context.Context) error {
	ctx, cancel := r.ctx(ctx)
	defer cancel()

	if _, err := r.client.Version(ctx); err != nil {
		return errdefs.Transient(fmt.Errorf("containerd unreachable: %w", err))
	}
	return nil
}

// classifyContainerdErr folds raw containerd errors into the taxonomy.
func classifyContainerdErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case cerrdefs.IsNotFound(err):
		// Unknown image references surface as not-found from the
		// resolver; for a deploy that is a spec problem, not a blip.
		if strings.Contains(err.Error(), "image") || strings.Contains(err.Error(), "pull") {
			return errdefs.Permanent(err)
		}
		return errdefs.NotFound(err)
	case cerrdefs.IsInvalidArgument(err):
		return errdefs.Permanent(err)
	case cerrdefs.IsDeadlineExceeded(err), cerrdefs.IsUnavailable(err):
		return errdefs.Transient(err)
	default:
		return errdefs.Transient(err)
	}
}

func observeCall(op, outcome string) {
	metrics.RuntimeCallsTotal.WithLabelValues(op, outcome).Inc()
}
