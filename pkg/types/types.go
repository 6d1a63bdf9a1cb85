package types

import (
	"time"

	"github.com/roost-run/roost/pkg/errdefs"
)

// Label keys attached to every container Roost manages. They make the
// runtime self-describing: the full set of managed instances on a node
// can be recovered from the engine alone.
const (
	LabelManagedBy    = "roost.managed-by"
	LabelInstanceName = "roost.instance-name"
	LabelInstanceID   = "roost.instance-id"
	// LabelSpecVersion records the spec version the container was created
	// from, so a restarted agent can tell an up-to-date container from a
	// stale one instead of blindly adopting whatever is running.
	LabelSpecVersion = "roost.spec-version"

	ManagedByValue = "roost"
)

// ContainerNameFor returns the derived container name for an instance.
// Create-or-adopt keys on this name, so retried deploys converge on the
// same container instead of creating duplicates.
func ContainerNameFor(instanceName string) string {
	return "roost-" + instanceName
}

// DesiredState is what the control plane wants to be true for an instance.
type DesiredState string

const (
	DesiredAbsent  DesiredState = "absent"
	DesiredRunning DesiredState = "running"
	DesiredStopped DesiredState = "stopped"
)

// ActualState is what is observably true on a node right now.
type ActualState string

const (
	StateUnknown  ActualState = "unknown"
	StateCreating ActualState = "creating"
	StateRunning  ActualState = "running"
	StateStopped  ActualState = "stopped"
	StateError    ActualState = "error"
	StateMissing  ActualState = "missing"
)

// PortBinding maps a container port onto the host.
type PortBinding struct {
	ContainerPort int    `json:"container_port" yaml:"container_port"`
	HostPort      int    `json:"host_port" yaml:"host_port"`
	Protocol      string `json:"protocol,omitempty" yaml:"protocol,omitempty"` // "tcp" or "udp", default tcp
}

// ToolInstanceSpec is the desired state of one tool instance, owned by
// the control plane and persisted durably. Version increases on every
// desired-state change and is the optimistic-conflict token: writes and
// node commands carrying a stale version are rejected.
type ToolInstanceSpec struct {
	InstanceID   string            `json:"instance_id" yaml:"instance_id"`
	InstanceName string            `json:"instance_name" yaml:"instance_name"`
	Image        string            `json:"image" yaml:"image"`
	Ports        []PortBinding     `json:"ports,omitempty" yaml:"ports,omitempty"`
	Env          map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	// ScratchDir, when set, is a host directory bind-mounted into the
	// container at /scratch for tool working files.
	ScratchDir   string       `json:"scratch_dir,omitempty" yaml:"scratch_dir,omitempty"`
	DesiredState DesiredState `json:"desired_state" yaml:"desired_state"`
	NodeID       string       `json:"node_id" yaml:"node_id"`
	// StopTimeoutSeconds is how long a graceful stop waits before the
	// engine force-kills the container. Zero means the 10s default.
	StopTimeoutSeconds int       `json:"stop_timeout_seconds,omitempty" yaml:"stop_timeout_seconds,omitempty"`
	Version            int64     `json:"version" yaml:"version"`
	UpdatedAt          time.Time `json:"updated_at" yaml:"updated_at"`
}

// Validate checks the fields a deploy cannot proceed without.
func (s *ToolInstanceSpec) Validate() error {
	if s.InstanceID == "" {
		return errdefs.Permanentf("instance_id is required")
	}
	if s.InstanceName == "" {
		return errdefs.Permanentf("instance_name is required")
	}
	if s.Image == "" {
		return errdefs.Permanentf("image is required")
	}
	switch s.DesiredState {
	case DesiredAbsent, DesiredRunning, DesiredStopped:
	default:
		return errdefs.Permanentf("invalid desired_state %q", s.DesiredState)
	}
	return nil
}

// StopTimeout returns the configured graceful-stop window.
func (s *ToolInstanceSpec) StopTimeout() time.Duration {
	if s.StopTimeoutSeconds > 0 {
		return time.Duration(s.StopTimeoutSeconds) * time.Second
	}
	return 10 * time.Second
}

// ToolInstanceStatus is the actual state of one instance as reported by
// a node. It is mirrored durably for observability but is always
// re-derivable from the runtime.
type ToolInstanceStatus struct {
	InstanceID   string      `json:"instance_id"`
	InstanceName string      `json:"instance_name"`
	NodeID       string      `json:"node_id"`
	ContainerRef string      `json:"container_ref,omitempty"`
	ActualState  ActualState `json:"actual_state"`
	LastError    string      `json:"last_error,omitempty"`
	// AppliedVersion is the spec version the node last acted on.
	AppliedVersion int64     `json:"applied_version,omitempty"`
	LastObservedAt time.Time `json:"last_observed_at"`
}

// Node is one worker host known to the controller, running a node agent
// and a container engine.
type Node struct {
	ID      string `json:"id" yaml:"id"`
	Address string `json:"address" yaml:"address"` // base URL of the node agent, e.g. http://10.0.0.7:7411
	Token   string `json:"token" yaml:"token"`     // bearer token scoped to this node
}

// NodeHealth is the agent's self-report used by GET /health.
type NodeHealth struct {
	NodeID           string    `json:"node_id"`
	Status           string    `json:"status"` // "healthy" or "degraded"
	RuntimeReachable bool      `json:"runtime_reachable"`
	Instances        int       `json:"instances"`
	Message          string    `json:"message,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}
