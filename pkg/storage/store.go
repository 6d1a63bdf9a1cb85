package storage

import (
	"github.com/roost-run/roost/pkg/types"
)

// Store is the controller's durable record of desired specs and the
// last reported status per node. The desired spec is authoritative;
// statuses are observations and may lag.
type Store interface {
	// PutSpec persists the spec, assigning the next version. When
	// expectedVersion is non-zero and does not match the stored
	// version, PutSpec fails with a conflict and persists nothing.
	PutSpec(spec *types.ToolInstanceSpec, expectedVersion int64) (int64, error)
	GetSpec(instanceName string) (*types.ToolInstanceSpec, error)
	ListSpecs() ([]*types.ToolInstanceSpec, error)
	DeleteSpec(instanceName string) error

	PutStatus(nodeID string, status *types.ToolInstanceStatus) error
	GetStatus(nodeID, instanceName string) (*types.ToolInstanceStatus, error)
	ListStatuses(nodeID string) ([]*types.ToolInstanceStatus, error)
	DeleteStatus(nodeID, instanceName string) error

	Close() error
}
