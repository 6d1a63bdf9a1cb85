package runtime

import (
	"context"
	"strconv"
	"time"

	"github.com/roost-run/roost/pkg/types"
)

// DefaultCallTimeout bounds every engine call. The engine can hang; on
// timeout the call is abandoned and classified transient so the caller
// layer retries instead of blocking.
const DefaultCallTimeout = 30 * time.Second

// Container is one managed container as seen by the engine.
type Container struct {
	// Ref is the engine-assigned identity (container ID).
	Ref string
	// InstanceName and InstanceID come from the roost labels.
	InstanceName string
	InstanceID   string
	// SpecVersion is the spec version the container was created from,
	// recovered from its label. Zero when the label is absent.
	SpecVersion int64
	State       types.ActualState
}

// Observation is the result of inspecting a single container.
type Observation struct {
	State      types.ActualState
	ExitCode   int
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Runtime is the thin wrapper over the local container engine. It is
// the ground truth for "what is actually running": implementations
// keep no state of their own, and every managed container carries the
// roost labels so the full set can be listed without bookkeeping.
//
// Create is create-or-adopt: if a container with the derived name for
// spec.InstanceName already exists, its ref is returned instead of an
// error, so retried deploys never produce duplicates.
//
// Errors are classified per errdefs: engine timeouts and busy
// conditions are transient, invalid images and specs permanent.
type Runtime interface {
	// Create materializes a container for the spec (image must be
	// resolvable). The container is created stopped.
	Create(ctx context.Context, spec *types.ToolInstanceSpec) (ref string, err error)

	// Start starts a created or stopped container. Starting a running
	// container is a no-op.
	Start(ctx context.Context, ref string) error

	// Stop gracefully stops the container, force-killing after timeout.
	// Stopping a container that is not running is a no-op.
	Stop(ctx context.Context, ref string, timeout time.Duration) error

	// Remove deletes the container entirely (stopping it first).
	// Removing an absent container is a no-op.
	Remove(ctx context.Context, ref string) error

	// Inspect returns the live state of the container. An absent
	// container yields StateMissing with a nil error; only real engine
	// failures return an error.
	Inspect(ctx context.Context, ref string) (Observation, error)

	// ListManaged returns every roost-labelled container on this host.
	ListManaged(ctx context.Context) ([]Container, error)

	// LookupByName finds the managed container for an instance name,
	// or a NotFound-classified error if none exists. This is the
	// single-instance rehydrate primitive.
	LookupByName(ctx context.Context, instanceName string) (Container, error)

	// Ping reports whether the engine is reachable.
	Ping(ctx context.Context) error

	// Close releases the engine connection.
	Close() error
}

func managedLabels(spec *types.ToolInstanceSpec) map[string]string {
	return map[string]string{
		types.LabelManagedBy:    types.ManagedByValue,
		types.LabelInstanceName: spec.InstanceName,
		types.LabelInstanceID:   spec.InstanceID,
		types.LabelSpecVersion:  strconv.FormatInt(spec.Version, 10),
	}
}

// specVersionFrom parses the spec-version label. Containers created
// before the label existed, or by hand, yield zero.
func specVersionFrom(labels map[string]string) int64 {
	v, err := strconv.ParseInt(labels[types.LabelSpecVersion], 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
